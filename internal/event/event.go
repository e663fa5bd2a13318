package event

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// Event is an immutable record of one state-changing action.
//
// ID, Seq and Version are assigned at append time. Tags are descriptive and
// indexed for queries but take no part in identity.
type Event struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	Type          string    `json:"type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	Payload       ir.Object `json:"payload"`
	Metadata      Metadata  `json:"metadata"`
	Tags          Tags      `json:"tags,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Metadata carries causal context for an event.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	Source        string `json:"source,omitempty"`
	SchemaVersion int    `json:"schema_version"`
}

// Tags are free-form key/value labels.
type Tags map[string]string

// Clone returns a copy of the tags.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	return maps.Clone(t)
}

// Ref identifies an event without carrying its payload.
type Ref struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Type        string `json:"type"`
	AggregateID string `json:"aggregate_id"`
	Version     int64  `json:"version"`
}

// Ref returns the reference for e.
func (e Event) Ref() Ref {
	return Ref{ID: e.ID, Seq: e.Seq, Type: e.Type, AggregateID: e.AggregateID, Version: e.Version}
}

// Clone returns a deep copy, so callers can hand events to code that must
// not be able to mutate the original.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	e.Tags = e.Tags.Clone()
	return e
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%s/v%d", r.Type, r.AggregateID, r.Version)
}

var typePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*\.[A-Z][A-Z0-9_]*$`)

// ValidateType checks the AGGREGATE.ACTION naming rule: two upper-case
// segments of letters, digits and underscores separated by a dot.
func ValidateType(eventType string) error {
	if !typePattern.MatchString(eventType) {
		return fault.Invalidf("event type %q must match AGGREGATE.ACTION", eventType)
	}
	return nil
}

// SplitType returns the aggregate and action segments of an event type.
func SplitType(eventType string) (aggregate, action string) {
	aggregate, action, _ = strings.Cut(eventType, ".")
	return aggregate, action
}

// Validate checks metadata invariants.
func (m Metadata) Validate() error {
	if m.SchemaVersion < 1 {
		return fault.Invalidf("schema version must be >= 1, got %d", m.SchemaVersion)
	}
	return nil
}
