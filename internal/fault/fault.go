// Package fault classifies errors returned across package boundaries.
//
// Each package owns its concrete error types (store.ConflictError,
// projection.UnknownEventTypeError, replay.ReplayError, ...). Those types
// implement Coded so callers such as the CLI can map any error to a stable
// code without importing every package.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies an error category.
type Code string

const (
	// ConcurrencyConflict: an append's expected version did not match.
	ConcurrencyConflict Code = "CONCURRENCY_CONFLICT"

	// UnknownEventType: no fold is registered for an event type.
	UnknownEventType Code = "UNKNOWN_EVENT_TYPE"

	// Replay: a replay session failed; the session is FAILED.
	Replay Code = "REPLAY_ERROR"

	// ResourceLimitExceeded: a sandbox limit was hit; the sandbox is terminated.
	ResourceLimitExceeded Code = "RESOURCE_LIMIT_EXCEEDED"

	// StorageIO: the persistence layer failed. Retryable.
	StorageIO Code = "STORAGE_IO"

	// Invalid: the caller supplied malformed input.
	Invalid Code = "INVALID_ARGUMENT"

	// NotFound: a referenced event, session, sandbox or breakpoint does not exist.
	NotFound Code = "NOT_FOUND"
)

// Coded is implemented by errors that carry a Code.
type Coded interface {
	error
	FaultCode() Code
}

// CodeOf returns the code of the outermost Coded error in err's chain,
// or "" if there is none.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.FaultCode()
	}
	return ""
}

// Retryable reports whether the operation that produced err may succeed if
// retried unchanged. Only storage failures are retryable; a conflict needs a
// fresh read, a replay failure needs a fix.
func Retryable(err error) bool {
	return CodeOf(err) == StorageIO
}

// Error is a plain coded error for conditions that need no extra fields.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FaultCode implements Coded.
func (e *Error) FaultCode() Code { return e.Code }

// Is matches another *Error with the same code, so sentinel comparisons
// like errors.Is(err, &fault.Error{Code: fault.NotFound}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Invalidf returns an Invalid error.
func Invalidf(format string, args ...any) *Error {
	return &Error{Code: Invalid, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: NotFound, Message: fmt.Sprintf(format, args...)}
}

// IsInvalid reports whether err carries the Invalid code.
func IsInvalid(err error) bool { return CodeOf(err) == Invalid }

// IsNotFound reports whether err carries the NotFound code.
func IsNotFound(err error) bool { return CodeOf(err) == NotFound }
