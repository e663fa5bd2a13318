package debug

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
)

// Condition decides whether a breakpoint stops before an event. Every set
// field must match; at least one must be set.
//
// StatePath is a gjson path evaluated against the canonical JSON of the
// aggregate state before the event. With Equals empty the path only has to
// exist; otherwise its string form must equal Equals ("true", "3", "ada").
//
// At matches the first event that occurred at or after At. A breakpoint
// with At fires once.
type Condition struct {
	EventType   string    `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	AggregateID string    `json:"aggregate_id,omitempty" yaml:"aggregate_id,omitempty"`
	Version     int64     `json:"version,omitempty" yaml:"version,omitempty"`
	At          time.Time `json:"at,omitempty" yaml:"at,omitempty"`
	StatePath   string    `json:"state_path,omitempty" yaml:"state_path,omitempty"`
	Equals      string    `json:"equals,omitempty" yaml:"equals,omitempty"`

	// Predicate is evaluated last, with clones of the event and state.
	Predicate func(ev event.Event, before ir.Object) bool `json:"-" yaml:"-"`
}

// Validate checks that c can match something.
func (c Condition) Validate() error {
	if c.EventType == "" && c.AggregateID == "" && c.Version == 0 && c.At.IsZero() &&
		c.StatePath == "" && c.Predicate == nil {
		return fault.Invalidf("breakpoint condition is empty")
	}
	if c.EventType != "" {
		if err := event.ValidateType(c.EventType); err != nil {
			return fault.Invalidf("breakpoint event type: %v", err)
		}
	}
	if c.Version < 0 {
		return fault.Invalidf("breakpoint version must be > 0")
	}
	if c.StatePath == "" && c.Equals != "" {
		return fault.Invalidf("equals needs a state path")
	}
	return nil
}

// Matches reports whether the condition holds for ev applied to before.
func (c Condition) Matches(ev event.Event, before ir.Object) (bool, error) {
	if c.EventType != "" && ev.Type != c.EventType {
		return false, nil
	}
	if c.AggregateID != "" && ev.AggregateID != c.AggregateID {
		return false, nil
	}
	if c.Version != 0 && ev.Version != c.Version {
		return false, nil
	}
	if !c.At.IsZero() && ev.OccurredAt.Before(c.At) {
		return false, nil
	}
	if c.StatePath != "" {
		doc, err := ir.MarshalCanonical(before)
		if err != nil {
			return false, err
		}
		res := gjson.GetBytes(doc, c.StatePath)
		if !res.Exists() {
			return false, nil
		}
		if c.Equals != "" && res.String() != c.Equals {
			return false, nil
		}
	}
	if c.Predicate != nil && !c.Predicate(ev.Clone(), before.Clone()) {
		return false, nil
	}
	return true, nil
}
