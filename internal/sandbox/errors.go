package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/fault"
)

// Limit names.
const (
	LimitWallClock = "wall_clock"
	LimitCPUTime   = "cpu_time"
	LimitMemory    = "memory"
)

// ErrTerminated is returned by operations on a sandbox that was terminated
// for exceeding a limit. It is joined with the original *LimitError.
var ErrTerminated = errors.New("sandbox terminated")

// LimitError reports a resource limit violation. Used and Max are in
// nanoseconds for time limits and bytes for memory.
type LimitError struct {
	Handle Handle
	Limit  string
	Used   int64
	Max    int64
}

func (e *LimitError) Error() string {
	if e.Limit == LimitMemory {
		return fmt.Sprintf("sandbox %s: %s limit exceeded (%d > %d bytes)", e.Handle, e.Limit, e.Used, e.Max)
	}
	return fmt.Sprintf("sandbox %s: %s limit exceeded (%s > %s)",
		e.Handle, e.Limit, time.Duration(e.Used), time.Duration(e.Max))
}

// FaultCode implements fault.Coded.
func (e *LimitError) FaultCode() fault.Code { return fault.ResourceLimitExceeded }

// IsLimitError reports whether err is a *LimitError.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
