package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Engine error codes.
const (
	// ErrConfiguration marks invalid configuration: bad retry values,
	// cyclic or missing DAG dependencies, unknown agent references,
	// malformed templates. Never retried.
	ErrConfiguration ErrorCode = "CONFIGURATION"
	// ErrTransient marks timeout/connection-class invocation failures
	// that are eligible for retry.
	ErrTransient ErrorCode = "TRANSIENT"
	// ErrPermanent marks invocation failures that must not be retried.
	ErrPermanent ErrorCode = "PERMANENT"
	// ErrExecution marks a unit of work that failed fatally, including
	// transient failures after retry exhaustion.
	ErrExecution ErrorCode = "EXECUTION"
	// ErrBudgetExceeded marks token budget exhaustion. Fatal to the run.
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
)

// Session error codes.
const (
	ErrSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionCorrupted ErrorCode = "SESSION_CORRUPTED"
	ErrSessionCompleted ErrorCode = "SESSION_ALREADY_COMPLETED"
	ErrSessionFailed    ErrorCode = "SESSION_ALREADY_FAILED"
	ErrSessionExists    ErrorCode = "SESSION_ALREADY_EXISTS"
	ErrSessionInvalidID ErrorCode = "SESSION_INVALID_ID"
	ErrLockTimeout      ErrorCode = "LOCK_TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Pattern   string    `json:"pattern,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Pattern != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Pattern, e.Message)
	}
	if e.Unit != "" {
		msg = fmt.Sprintf("%s (unit %s)", msg, e.Unit)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == ErrTransient,
	}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithPattern records the pattern that produced the error.
func (e *Error) WithPattern(pattern string) *Error {
	e.Pattern = pattern
	return e
}

// WithUnit records the unit (step/task/branch/node) that produced the error.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether an error is eligible for retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsConfiguration reports whether the error is a configuration error.
func IsConfiguration(err error) bool { return IsCode(err, ErrConfiguration) }

// IsTransient reports whether the error is a transient invocation failure.
func IsTransient(err error) bool { return IsCode(err, ErrTransient) }

// IsPermanent reports whether the error is a permanent invocation failure.
func IsPermanent(err error) bool { return IsCode(err, ErrPermanent) }

// IsBudgetExceeded reports whether the error is a budget exhaustion.
func IsBudgetExceeded(err error) bool { return IsCode(err, ErrBudgetExceeded) }

// IsLockTimeout reports whether the error is a lock acquisition timeout.
func IsLockTimeout(err error) bool { return IsCode(err, ErrLockTimeout) }

// IsSessionError reports whether the error belongs to the session family.
func IsSessionError(err error) bool {
	switch GetErrorCode(err) {
	case ErrSessionNotFound, ErrSessionCorrupted, ErrSessionCompleted,
		ErrSessionFailed, ErrSessionExists, ErrSessionInvalidID:
		return true
	}
	return false
}
