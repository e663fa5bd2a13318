package store

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
)

// Filter selects events. All set fields must match (AND); within
// EventTypes and within each tag's value set any element may match (OR).
type Filter struct {
	AggregateType string   `json:"aggregate_type,omitempty" yaml:"aggregate_type,omitempty"`
	AggregateID   string   `json:"aggregate_id,omitempty" yaml:"aggregate_id,omitempty"`
	EventTypes    []string `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	// Tags maps a tag key to the allowed values. A one-element set is an
	// exact match.
	Tags map[string][]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// From and To bound the occurrence time, inclusive, at millisecond precision.
	From time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	To   time.Time `json:"to,omitempty" yaml:"to,omitempty"`
	// FromVersion and ToVersion bound the aggregate version, inclusive.
	// They require AggregateID.
	FromVersion int64 `json:"from_version,omitempty" yaml:"from_version,omitempty"`
	ToVersion   int64 `json:"to_version,omitempty" yaml:"to_version,omitempty"`
}

// Validate reports malformed filters.
func (f Filter) Validate() error {
	if (f.FromVersion != 0 || f.ToVersion != 0) && f.AggregateID == "" {
		return fault.Invalidf("version bounds require an aggregate id")
	}
	if f.FromVersion < 0 || f.ToVersion < 0 {
		return fault.Invalidf("version bounds must be >= 0")
	}
	if f.ToVersion != 0 && f.FromVersion > f.ToVersion {
		return fault.Invalidf("from version %d is after to version %d", f.FromVersion, f.ToVersion)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fault.Invalidf("time range ends before it starts")
	}
	for _, t := range f.EventTypes {
		if err := event.ValidateType(t); err != nil {
			return err
		}
	}
	for k, values := range f.Tags {
		if k == "" || len(values) == 0 {
			return fault.Invalidf("tag filter %q needs a key and at least one value", k)
		}
	}
	return nil
}

// Matches reports whether ev satisfies the filter. It mirrors the SQL
// compiled by where and is used to select events already in memory.
func (f Filter) Matches(ev event.Event) bool {
	if f.AggregateType != "" && ev.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && ev.AggregateID != f.AggregateID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if f.CorrelationID != "" && ev.Metadata.CorrelationID != f.CorrelationID {
		return false
	}
	for k, values := range f.Tags {
		v, ok := ev.Tags[k]
		if !ok || !slices.Contains(values, v) {
			return false
		}
	}
	at := toMillis(ev.OccurredAt)
	if !f.From.IsZero() && at < toMillis(f.From) {
		return false
	}
	if !f.To.IsZero() && at > toMillis(f.To) {
		return false
	}
	if f.FromVersion != 0 && ev.Version < f.FromVersion {
		return false
	}
	if f.ToVersion != 0 && ev.Version > f.ToVersion {
		return false
	}
	return true
}

// where compiles the filter to a parameterized WHERE clause over events
// aliased as e. Values are never interpolated.
func (f Filter) where(fromSeq int64) (string, []any) {
	clauses := []string{"e.seq >= ?"}
	args := []any{fromSeq}

	if f.AggregateType != "" {
		clauses = append(clauses, "e.aggregate_type = ?")
		args = append(args, f.AggregateType)
	}
	if f.AggregateID != "" {
		clauses = append(clauses, "e.aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if len(f.EventTypes) > 0 {
		clauses = append(clauses, "e.event_type IN ("+placeholders(len(f.EventTypes))+")")
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "e.correlation_id = ?")
		args = append(args, f.CorrelationID)
	}

	// Tag predicates probe the (tag_key, tag_value, seq) primary key.
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := f.Tags[k]
		clauses = append(clauses, "e.seq IN (SELECT t.seq FROM event_tags t WHERE t.tag_key = ? AND t.tag_value IN ("+placeholders(len(values))+"))")
		args = append(args, k)
		for _, v := range values {
			args = append(args, v)
		}
	}

	if !f.From.IsZero() {
		clauses = append(clauses, "e.occurred_at >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "e.occurred_at <= ?")
		args = append(args, toMillis(f.To))
	}
	if f.FromVersion != 0 {
		clauses = append(clauses, "e.aggregate_version >= ?")
		args = append(args, f.FromVersion)
	}
	if f.ToVersion != 0 {
		clauses = append(clauses, "e.aggregate_version <= ?")
		args = append(args, f.ToVersion)
	}
	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
