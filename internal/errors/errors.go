// Package errors provides coded application errors shared by all layers.
// Handlers map codes to HTTP statuses; services never inspect error text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for transport mapping and retry decisions.
type Code string

const (
	ErrCodeNotFound     Code = "not_found"
	ErrCodeInvalidState Code = "invalid_state"
	ErrCodeUnauthorized Code = "unauthorized"
	ErrCodeInvalidInput Code = "invalid_input"
	// ErrCodeConflict marks optimistic-lock conflicts. It is the only code
	// callers are expected to retry automatically.
	ErrCodeConflict Code = "conflict"
	ErrCodeInternal Code = "internal"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidState reports an operation that is not legal from the current status.
func InvalidState(format string, args ...interface{}) *Error {
	return Newf(ErrCodeInvalidState, format, args...)
}

// Unauthorized reports an actor that may not perform the operation.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// ConcurrentModification reports an optimistic-lock conflict on a resource.
// Safe to retry: the failed call left the aggregate untouched.
func ConcurrentModification(resource, id string) *Error {
	return Newf(ErrCodeConflict, "%s %q was modified concurrently", resource, id)
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
