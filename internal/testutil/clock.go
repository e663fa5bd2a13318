package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a DeterministicClock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is an event.Clock for tests: every call to Now
// advances by Step, starting at Epoch.
//
// The same test scenario run twice produces identical timestamps.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu   sync.Mutex
	n    int64
	Step time.Duration
}

// NewDeterministicClock creates a clock that advances one second per call.
//
// The first call to Now returns Epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{Step: time.Second}
}

// Now returns the next instant.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Epoch.Add(time.Duration(c.n) * c.Step)
	c.n++
	return t
}

// At returns the instant the i-th call to Now returned (0-based).
func (c *DeterministicClock) At(i int) time.Time {
	return Epoch.Add(time.Duration(i) * c.Step)
}

// Reset rewinds the clock so the next Now returns Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
