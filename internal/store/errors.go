package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/rewind/internal/fault"
)

// ErrConcurrencyConflict matches any *ConflictError via errors.Is.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ConflictError reports an append whose expected version did not match the
// aggregate's current version. The caller must re-read and retry.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %q: expected version %d, current version %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) true.
func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// FaultCode implements fault.Coded.
func (e *ConflictError) FaultCode() fault.Code { return fault.ConcurrencyConflict }

// IOError wraps a persistence failure. It is retryable.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage io: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FaultCode implements fault.Coded.
func (e *IOError) FaultCode() fault.Code { return fault.StorageIO }

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsStorageIO reports whether err is a storage failure.
func IsStorageIO(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// wrapIO classifies a driver error. Context cancellation passes through
// untouched; coded errors are kept; everything else becomes an *IOError.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if fault.CodeOf(err) != "" {
		return err
	}
	return &IOError{Op: op, Err: err}
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
