package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for events, sessions and sandboxes.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new UUIDv7 as a hyphenated string.
// Panics if the system random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, for deterministic tests.
//
// Thread-safety: safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	ids    []string
	idx    int
}

// NewFixedGenerator creates a generator that returns ids in order and then
// panics when exhausted.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// NewSequenceGenerator creates a generator that never runs out: it returns
// prefix-1, prefix-2, ...
func NewSequenceGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// NewID returns the next id.
func (g *FixedGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prefix != "" {
		g.idx++
		return fmt.Sprintf("%s-%d", g.prefix, g.idx)
	}
	if g.idx >= len(g.ids) {
		panic(fmt.Sprintf("FixedGenerator exhausted after %d ids", len(g.ids)))
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Clock supplies occurrence timestamps for events appended without one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
