package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a full mailbox, a pipeline step that did not answer in time.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown recipient, registration conflict, expired message.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Bus and runtime
	ErrCodeUnknownRecipient ErrorCode = "UNKNOWN_RECIPIENT" // Publish to an id with no mailbox
	ErrCodeHandlerFailure   ErrorCode = "HANDLER_FAILURE"   // Handler returned an error or panicked
	ErrCodeExpired          ErrorCode = "EXPIRED"           // Message dropped before delivery
	ErrCodeNoHandler        ErrorCode = "NO_HANDLER"        // No handler registered for the message
	ErrCodeClosed           ErrorCode = "CLOSED"            // Bus or mailbox already closed

	// Registry
	ErrCodeRegistrationConflict ErrorCode = "REGISTRATION_CONFLICT" // Duplicate id without replace intent
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"             // Agent or resource does not exist

	// Pipelines
	ErrCodePipelineTimeout    ErrorCode = "PIPELINE_TIMEOUT"     // No correlated response within bound
	ErrCodePipelineStepFailed ErrorCode = "PIPELINE_STEP_FAILED" // Specialist answered with failure

	// Generic
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE" // A dependency probe failed
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodePanic        ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodePipelineTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeUnknownRecipient, ErrCodeExpired, ErrCodeNoHandler, ErrCodeClosed,
		ErrCodeRegistrationConflict, ErrCodeNotFound, ErrCodePipelineStepFailed,
		ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeHandlerFailure:
		return CategoryPermanent

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeUnknownRecipient:     "unknown recipient",
	ErrCodeHandlerFailure:       "handler failed",
	ErrCodeExpired:              "message expired",
	ErrCodeNoHandler:            "no handler for message",
	ErrCodeClosed:               "closed",
	ErrCodeRegistrationConflict: "agent already registered",
	ErrCodeNotFound:             "not found",
	ErrCodePipelineTimeout:      "pipeline step timed out",
	ErrCodePipelineStepFailed:   "pipeline step failed",
	ErrCodeInvalidInput:         "invalid input provided",
	ErrCodeTimeout:              "operation timed out",
	ErrCodeUnavailable:          "dependency unavailable",
	ErrCodeCanceled:             "operation canceled",
	ErrCodeInternal:             "internal error",
	ErrCodePanic:                "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
