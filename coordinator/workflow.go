package coordinator

import (
	"time"

	"github.com/agentmesh/agentmesh/agent"
)

// Step is one unit of a workflow definition.
type Step struct {
	// ID identifies the step within its workflow.
	ID string `json:"id"`

	// Requires lists the capabilities an agent needs to run the step.
	Requires []string `json:"requires"`

	// Params are opaque step inputs forwarded to the assigned agent.
	Params map[string]interface{} `json:"params,omitempty"`
}

// WorkflowDefinition is the declarative input to ExecuteWorkflow.
type WorkflowDefinition struct {
	// ID is the requested workflow id. Empty means one is generated.
	ID string `json:"id,omitempty"`

	// Name is a human-readable label, not used for routing.
	Name string `json:"name,omitempty"`

	// Steps are assigned and dispatched in order.
	Steps []Step `json:"steps"`
}

// CapabilityMatch grades how well an assigned agent's capabilities cover a
// step's requirements.
type CapabilityMatch string

const (
	// MatchExact: the agent advertises every required capability.
	MatchExact CapabilityMatch = "exact"

	// MatchPartial: the agent advertises at least one required capability.
	MatchPartial CapabilityMatch = "partial"

	// MatchFallback: the agent was chosen without any capability overlap.
	MatchFallback CapabilityMatch = "fallback"

	// MatchNone: no agent could be assigned.
	MatchNone CapabilityMatch = "no_match"
)

// AssignmentStatus tracks one assignment's progression.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentSent       AssignmentStatus = "sent"
	AssignmentRunning    AssignmentStatus = "running"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
	AssignmentUnassigned AssignmentStatus = "unassigned"
)

// Terminal reports whether the assignment has reached a final state.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentUnassigned:
		return true
	}
	return false
}

// ExecutionStatus is the workflow-level state machine:
// Pending → Assigned → Running → {Completed | Failed | Cancelled}.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "pending"
	StatusAssigned         ExecutionStatus = "assigned"
	StatusRunning          ExecutionStatus = "running"
	StatusWaitingForAgents ExecutionStatus = "waiting_for_agents"
	StatusCompleted        ExecutionStatus = "completed"
	StatusFailed           ExecutionStatus = "failed"
	StatusCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether the workflow has reached a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Assignment pairs one workflow step with one agent and tracks that pairing
// to a terminal state independently of the overall workflow.
type Assignment struct {
	StepID  string           `json:"step_id"`
	AgentID string           `json:"agent_id,omitempty"`
	Match   CapabilityMatch  `json:"capability_match"`
	Status  AssignmentStatus `json:"status"`

	// Result holds the agent's reported output for completed assignments.
	Result interface{} `json:"result,omitempty"`

	// Error holds the failure reason for failed assignments.
	Error string `json:"error,omitempty"`

	AssignedAt   time.Time  `json:"assigned_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (a *Assignment) clone() Assignment {
	out := *a
	if a.DispatchedAt != nil {
		t := *a.DispatchedAt
		out.DispatchedAt = &t
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		out.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Snapshot is the externally visible state of one workflow execution.
type Snapshot struct {
	WorkflowID  string          `json:"workflow_id"`
	Name        string          `json:"name,omitempty"`
	Status      ExecutionStatus `json:"execution_status"`
	Assignments []Assignment    `json:"agent_assignments"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// workflowContext is the coordinator's private bookkeeping for one execution.
// The coordinator's mutex guards all fields after the context is published.
type workflowContext struct {
	id          string
	def         WorkflowDefinition
	status      ExecutionStatus
	assignments []*Assignment
	createdAt   time.Time
	completedAt *time.Time
}

func (w *workflowContext) snapshot() *Snapshot {
	snap := &Snapshot{
		WorkflowID:  w.id,
		Name:        w.def.Name,
		Status:      w.status,
		Assignments: make([]Assignment, 0, len(w.assignments)),
		CreatedAt:   w.createdAt,
	}
	for _, a := range w.assignments {
		snap.Assignments = append(snap.Assignments, a.clone())
	}
	if w.completedAt != nil {
		t := *w.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// findAssignment locates a non-terminal assignment by step and agent.
func (w *workflowContext) findAssignment(stepID, agentID string) *Assignment {
	for _, a := range w.assignments {
		if a.StepID == stepID && a.AgentID == agentID && !a.Status.Terminal() {
			return a
		}
	}
	return nil
}

// allTerminal reports whether every assignment reached a final state.
func (w *workflowContext) allTerminal() bool {
	for _, a := range w.assignments {
		if !a.Status.Terminal() {
			return false
		}
	}
	return true
}

// outcome derives the workflow's terminal status from its assignments:
// Failed when any assignment failed or could not be assigned, Completed
// otherwise. Call only when allTerminal holds.
func (w *workflowContext) outcome() ExecutionStatus {
	for _, a := range w.assignments {
		if a.Status == AssignmentFailed || a.Status == AssignmentUnassigned {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// stepDefinitionContent renders a step as bus message content.
func stepDefinitionContent(step Step) map[string]interface{} {
	def := map[string]interface{}{
		"id":       step.ID,
		"requires": append([]string(nil), step.Requires...),
	}
	if step.Params != nil {
		def["params"] = step.Params
	}
	return def
}

// requiredStatus is the lifecycle state an agent must be in to receive work.
const requiredStatus = agent.StatusActive
