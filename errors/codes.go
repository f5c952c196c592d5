package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: storage hiccups, bus disconnects.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: duplicate registration, unknown agent id.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or capacity issues.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"         // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"     // Backend temporarily unavailable
	ErrCodeStorage     ErrorCode = "STORAGE_FAILURE" // Storage backend I/O failed

	// Permanent errors
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Resource does not exist
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"      // Malformed or invalid input
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation was canceled
	ErrCodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED" // Agent id already live
	ErrCodeUnknownAgent      ErrorCode = "UNKNOWN_AGENT"      // Agent id not registered
	ErrCodeNoCapableAgent    ErrorCode = "NO_CAPABLE_AGENT"   // No agent satisfies capability
	ErrCodeUnsupported       ErrorCode = "UNSUPPORTED"        // Operation not supported

	// Resource errors
	ErrCodeCapacity ErrorCode = "CAPACITY" // Concurrency cap or quota reached

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Coordination errors
	ErrCodeDispatch     ErrorCode = "DISPATCH_FAILED" // Bus send to assigned agent failed
	ErrCodeAgentOffline ErrorCode = "AGENT_OFFLINE"   // Target agent process is gone
	ErrCodeWorkflow     ErrorCode = "WORKFLOW_FAILED" // Workflow reached Failed state
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeStorage, ErrCodeDispatch, ErrCodeAgentOffline:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeAlreadyRegistered,
		ErrCodeUnknownAgent, ErrCodeNoCapableAgent, ErrCodeUnsupported, ErrCodeWorkflow:
		return CategoryPermanent

	case ErrCodeCapacity:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "backend temporarily unavailable",
	ErrCodeStorage:           "storage backend failure",
	ErrCodeNotFound:          "resource not found",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeAlreadyRegistered: "agent already registered",
	ErrCodeUnknownAgent:      "unknown agent",
	ErrCodeNoCapableAgent:    "no agent with required capability",
	ErrCodeUnsupported:       "operation not supported",
	ErrCodeCapacity:          "system at capacity",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
	ErrCodeDispatch:          "task dispatch failed",
	ErrCodeAgentOffline:      "agent is offline",
	ErrCodeWorkflow:          "workflow failed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
