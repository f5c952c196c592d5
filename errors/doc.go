// Package errors provides a structured error taxonomy for agentmesh
// coordination. It defines error codes and categories that enable consistent
// handling of registry and workflow failures across the module.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (storage hiccup, bus disconnect)
//   - Permanent: Failures where retry will not help (duplicate id, unknown agent)
//   - Resource: Resource exhaustion issues (concurrency cap reached)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Usage
//
// Create a new error:
//
//	err := errors.AlreadyRegistered("agent-1")
//
// Wrap an existing error with context:
//
//	wrapped := errors.StorageFailure("save", ioErr)
//
// Check a code anywhere in the chain:
//
//	if errors.Is(err, errors.ErrCodeStorage) {
//	    // surface to caller, do not retry automatically
//	}
package errors
