package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/store"
)

// Mode is the replay direction/strategy.
type Mode string

const (
	ModeForward   Mode = "forward"
	ModeReverse   Mode = "reverse"
	ModeSelective Mode = "selective"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeForward, ModeReverse, ModeSelective:
		return true
	}
	return false
}

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further steps can be taken.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultBatchSize is the default number of events per fetch and per
// non-interactive step.
const DefaultBatchSize = 500

var (
	// ErrEndOfReplay is returned by GetNextStep and Peek once every event in
	// scope has been processed.
	ErrEndOfReplay = errors.New("end of replay")

	// ErrCancelled is returned when stepping a cancelled session.
	ErrCancelled = errors.New("replay cancelled")
)

// Scope selects the events a session replays.
//
// With AggregateID set the session replays one aggregate: versions
// FromVersion..ToVersion (0 bounds are open), optionally cut off at To.
// Events before FromVersion or From are folded without producing steps.
//
// Without AggregateID the session replays every event matching the
// remaining fields, across aggregates. Each aggregate's state is loaded up
// to the version before its first event in scope.
type Scope struct {
	AggregateType string              `json:"aggregate_type,omitempty" yaml:"aggregate_type,omitempty"`
	AggregateID   string              `json:"aggregate_id,omitempty" yaml:"aggregate_id,omitempty"`
	FromVersion   int64               `json:"from_version,omitempty" yaml:"from_version,omitempty"`
	ToVersion     int64               `json:"to_version,omitempty" yaml:"to_version,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	From          time.Time           `json:"from,omitempty" yaml:"from,omitempty"`
	To            time.Time           `json:"to,omitempty" yaml:"to,omitempty"`
	EventTypes    []string            `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	Tags          map[string][]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Aggregate reports whether the scope is a single aggregate.
func (s Scope) Aggregate() bool { return s.AggregateID != "" }

// fetchFilter is the store filter for fetching. In aggregate scopes the
// type and tag fields select which events are folded, not which are read.
func (s Scope) fetchFilter() store.Filter {
	if s.Aggregate() {
		return store.Filter{
			AggregateType: s.AggregateType,
			AggregateID:   s.AggregateID,
			ToVersion:     s.ToVersion,
			To:            s.To,
		}
	}
	return store.Filter{
		AggregateType: s.AggregateType,
		CorrelationID: s.CorrelationID,
		EventTypes:    s.EventTypes,
		Tags:          s.Tags,
		From:          s.From,
		To:            s.To,
	}
}

// selection is the in-memory filter selective sessions fold by.
func (s Scope) selection() store.Filter {
	return store.Filter{EventTypes: s.EventTypes, Tags: s.Tags}
}

func (s Scope) validate(mode Mode) error {
	if !mode.Valid() {
		return fault.Invalidf("unknown replay mode %q", mode)
	}
	if (mode == ModeReverse || mode == ModeSelective) && !s.Aggregate() {
		return fault.Invalidf("%s replay needs an aggregate id", mode)
	}
	if (s.FromVersion != 0 || s.ToVersion != 0) && !s.Aggregate() {
		return fault.Invalidf("version bounds need an aggregate id")
	}
	if s.FromVersion < 0 || s.ToVersion < 0 {
		return fault.Invalidf("version bounds must be >= 0")
	}
	if s.ToVersion != 0 && s.FromVersion > s.ToVersion {
		return fault.Invalidf("from version %d is after to version %d", s.FromVersion, s.ToVersion)
	}
	if s.Aggregate() && mode != ModeSelective && (len(s.EventTypes) > 0 || len(s.Tags) > 0) {
		return fault.Invalidf("event type and tag filters on one aggregate need selective mode")
	}
	if s.Aggregate() && s.CorrelationID != "" {
		return fault.Invalidf("aggregate and correlation scopes are exclusive")
	}
	if err := s.fetchFilter().Validate(); err != nil {
		return err
	}
	return s.selection().Validate()
}

// Options tune a session.
type Options struct {
	// Interactive sessions yield one step per event and pause between steps.
	Interactive bool `json:"interactive,omitempty"`
	// Sandboxed sessions fold and run hooks inside a sandbox with Limits.
	Sandboxed bool           `json:"sandboxed,omitempty"`
	Limits    sandbox.Limits `json:"limits,omitempty"`
	// MaxBatchSize bounds events per fetch and per batch step.
	MaxBatchSize int `json:"max_batch_size,omitempty"`
	// SkipUnknown logs and skips events with no registered fold instead of
	// failing. Their versions are still tracked.
	SkipUnknown bool `json:"skip_unknown,omitempty"`
	// SnapshotCeiling restricts snapshot use to versions <= the ceiling.
	SnapshotCeiling  int64 `json:"snapshot_ceiling,omitempty"`
	DisableSnapshots bool  `json:"disable_snapshots,omitempty"`

	// Selector further restricts which events selective sessions fold.
	Selector func(event.Event) bool `json:"-"`
	// Transform rewrites each event before it is folded. The stored event
	// is never changed.
	Transform func(event.Event) (event.Event, error) `json:"-"`
}

// Step is one unit of replay progress.
type Step struct {
	// Index counts steps returned by the session, starting at 1.
	Index     int    `json:"index"`
	SessionID string `json:"session_id"`
	// Event is the event the step applied (the last one for batch steps).
	Event *event.Ref `json:"event,omitempty"`
	// Events is the number of events the step consumed; Applied of them
	// were folded.
	Events      int    `json:"events"`
	Applied     int    `json:"applied"`
	AggregateID string `json:"aggregate_id"`
	Version     int64  `json:"version"`
	Seq         int64  `json:"seq"`
	// State is the state of AggregateID after the step.
	State ir.Object `json:"state"`
	// Before and Diff are set for interactive and reverse steps.
	Before  ir.Object        `json:"before,omitempty"`
	Diff    *diff.Result     `json:"diff,omitempty"`
	Effects []sandbox.Effect `json:"effects,omitempty"`
}

// Pending is the next event a session will apply and the state of its
// aggregate before it.
type Pending struct {
	Event  event.Event `json:"event"`
	Before ir.Object   `json:"before"`
}

// AggregateState is a session's view of one aggregate.
type AggregateState struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	Seq           int64     `json:"seq"`
	State         ir.Object `json:"state"`
}

// Info describes a session.
type Info struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	Mode        Mode   `json:"mode"`
	Interactive bool   `json:"interactive"`
	Scope       Scope  `json:"scope"`
	Steps       int    `json:"steps"`
	Events      int    `json:"events"`
	Cursor      int64  `json:"cursor"`
	Sandbox     string `json:"sandbox,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReplayError reports why a session failed. PartialState is the state of
// the failing aggregate before the failing event.
type ReplayError struct {
	SessionID    string
	EventID      string
	AggregateID  string
	Version      int64
	PartialState ir.Object
	Cause        error
}

func (e *ReplayError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("replay %s failed: %v", e.SessionID, e.Cause)
	}
	return fmt.Sprintf("replay %s failed at event %s (%s v%d): %v",
		e.SessionID, e.EventID, e.AggregateID, e.Version, e.Cause)
}

func (e *ReplayError) Unwrap() error { return e.Cause }

// FaultCode implements fault.Coded.
func (e *ReplayError) FaultCode() fault.Code { return fault.Replay }

// IsReplayError reports whether err is a *ReplayError.
func IsReplayError(err error) bool {
	var re *ReplayError
	return errors.As(err, &re)
}
