package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the wrapper keeps its code and category.
// Otherwise a new Internal error wrapping the original is created.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		wrapped := &Error{
			code:      agentErr.code,
			category:  agentErr.category,
			message:   message,
			cause:     err,
			metadata:  agentErr.Metadata(),
			retryable: agentErr.retryable,
			timestamp: agentErr.timestamp,
			agentID:   agentErr.agentID,
			messageID: agentErr.messageID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// AsAgentError extracts an AgentError from an error chain.
// Returns nil if no AgentError is found.
func AsAgentError(err error) AgentError {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not an AgentError.
func Code(err error) ErrorCode {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.code
	}
	return ""
}

// Join combines multiple errors into a single error.
// If all errors are nil, returns nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
