package agent

import "errors"

// ErrStopUnsupported is returned by instances that cannot be stopped remotely.
var ErrStopUnsupported = errors.New("instance does not support stop")

// Instance is a non-owning handle to a live worker process. The registry uses
// it to read the worker's run-state and to request a best-effort stop; it must
// not keep the worker alive, and lookups resolve to absent once the worker is
// removed from the process-local instance table.
type Instance interface {
	// ID returns the agent id this instance serves.
	ID() string

	// RunState returns the worker's current run-state.
	RunState() RunState

	// Stop asks the worker to shut down. Best effort: a failure is logged by
	// the caller, never fatal.
	Stop() error
}

// HeartbeatSender is optionally implemented by instances that can be asked to
// emit a heartbeat on demand.
type HeartbeatSender interface {
	SendHeartbeat() error
}
