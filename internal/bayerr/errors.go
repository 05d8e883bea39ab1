// Package bayerr defines Bay's stable error kinds and their HTTP mapping.
//
// Every error the core raises across a manager/router boundary is a *Error
// with one of the Code constants below, so the API layer can map it to the
// right HTTP status without inspecting message text.
package bayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier (spec.md section 7).
type Code string

const (
	CodeValidation             Code = "validation_error"
	CodeCapabilityNotSupported Code = "capability_not_supported"
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeNotFound               Code = "not_found"
	CodeFileNotFound           Code = "file_not_found"
	CodeConflict               Code = "conflict"
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeSessionNotReady        Code = "session_not_ready"
	CodeTimeout                Code = "timeout"
	CodeRuntimeError           Code = "ship_error"
	CodeInternal               Code = "internal_error"
)

// httpStatus maps each Code to its HTTP status, mirroring spec.md section 7's table.
var httpStatus = map[Code]int{
	CodeValidation:             http.StatusBadRequest,
	CodeCapabilityNotSupported: http.StatusBadRequest,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeNotFound:               http.StatusNotFound,
	CodeFileNotFound:           http.StatusNotFound,
	CodeConflict:               http.StatusConflict,
	CodeQuotaExceeded:          http.StatusTooManyRequests,
	CodeSessionNotReady:        http.StatusServiceUnavailable,
	CodeTimeout:                http.StatusGatewayTimeout,
	CodeRuntimeError:           http.StatusBadGateway,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is Bay's structured error type. It wraps an underlying cause (if any)
// and carries a stable Code plus optional Details for the API envelope.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code for this error's Code.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a bare Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the same Error
// for chaining, e.g. bayerr.New(...).WithDetails(map[string]any{...}).
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound is a convenience constructor for the common not_found case.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", resource, id)
}

// SessionNotReady constructs the retryable session_not_ready error with its
// required sandbox_id/retry_after_ms details (spec.md section 7).
func SessionNotReady(sandboxID string, retryAfterMs int) *Error {
	return New(CodeSessionNotReady, "session is not ready yet").WithDetails(map[string]any{
		"sandbox_id":     sandboxID,
		"retry_after_ms": retryAfterMs,
	})
}

// CapabilityNotSupported constructs the capability_not_supported error with
// the runtime's advertised capability list attached.
func CapabilityNotSupported(capability string, available []string) *Error {
	return Newf(CodeCapabilityNotSupported, "runtime does not support capability: %s", capability).
		WithDetails(map[string]any{
			"capability": capability,
			"available":  available,
		})
}

// Conflict is a convenience constructor for idempotency conflicts.
func Conflict(message string, details map[string]any) *Error {
	return New(CodeConflict, message).WithDetails(details)
}

// As extracts a *Error from err via errors.As, returning (nil, false) if err
// does not wrap one.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
