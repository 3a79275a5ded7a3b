// Package zakuerr defines the typed error kinds surfaced across the queue
// engine, transport, and client library: the {code, message} shape an ERR
// frame carries over the wire.
package zakuerr

import "fmt"

// Code identifies the class of failure a Zaku operation returns.
type Code string

const (
	// CodeConflict indicates a client-supplied task id already exists.
	CodeConflict Code = "CONFLICT"
	// CodeNotFound indicates an unknown queue or task where one was required.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidArgument indicates a malformed envelope or payload.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeUnauthenticated indicates a missing or rejected credential.
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	// CodeBackingStoreUnavailable indicates a retryable backing-store failure.
	CodeBackingStoreUnavailable Code = "BACKING_STORE_UNAVAILABLE"
	// CodeInternal indicates a non-retryable server-side failure.
	CodeInternal Code = "INTERNAL"
)

// Error is the structured error type returned by queue, pub/sub, and
// transport operations. The client library maps it back to a Go error
// carrying the same Code so callers can branch on failure class.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflict is a convenience constructor for CodeConflict.
func Conflict(format string, args ...interface{}) *Error { return New(CodeConflict, format, args...) }

// NotFound is a convenience constructor for CodeNotFound.
func NotFound(format string, args ...interface{}) *Error { return New(CodeNotFound, format, args...) }

// InvalidArgument is a convenience constructor for CodeInvalidArgument.
func InvalidArgument(format string, args ...interface{}) *Error {
	return New(CodeInvalidArgument, format, args...)
}

// Unauthenticated is a convenience constructor for CodeUnauthenticated.
func Unauthenticated(format string, args ...interface{}) *Error {
	return New(CodeUnauthenticated, format, args...)
}

// Unavailable is a convenience constructor for CodeBackingStoreUnavailable.
func Unavailable(format string, args ...interface{}) *Error {
	return New(CodeBackingStoreUnavailable, format, args...)
}

// Internal is a convenience constructor for CodeInternal.
func Internal(format string, args ...interface{}) *Error { return New(CodeInternal, format, args...) }

// As extracts an *Error from err, the way callers branch on error kind.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
