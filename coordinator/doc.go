// Package coordinator executes declarative workflows against registered
// agents.
//
// A Coordinator takes a WorkflowDefinition, asks the registry for an agent
// per step (exact capability coverage preferred, partial overlap as a
// fallback), and dispatches task requests over the message bus. Workers
// report back with status updates and task responses addressed to the
// coordinator's id; the coordinator folds those into per-assignment state
// and derives workflow completion: Completed when every assignment
// completed, Failed when any assignment failed or no agent could be found
// for it.
//
// Failure stays local to the assignment. A step with no capable agent is
// recorded as unassigned, and a dispatch error fails only that assignment;
// the remaining steps are still dispatched.
//
// Finished workflows keep answering WorkflowStatus for a retention window
// (60 seconds by default), then are discarded.
package coordinator
