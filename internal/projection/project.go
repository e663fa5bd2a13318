package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
)

// Project folds events onto snap (nil means empty state at version 0) and
// returns the resulting state. Events at or below the snapshot version are
// skipped; the rest must be strictly increasing in version and belong to
// the snapshot's aggregate.
//
// Project is pure: the same inputs always give byte-identical canonical
// output, and neither snap nor events are modified.
func Project(reg *Registry, snap *snapshot.Snapshot, events []event.Event) (ir.Object, error) {
	state := ir.Object{}
	var (
		version     int64
		aggregateID string
	)
	if snap != nil {
		state = cloneState(snap.State)
		version = snap.Version
		aggregateID = snap.AggregateID
	}

	for _, ev := range events {
		if aggregateID == "" {
			aggregateID = ev.AggregateID
		}
		if ev.AggregateID != aggregateID {
			return nil, fmt.Errorf("project: event %s belongs to %q, not %q", ev.ID, ev.AggregateID, aggregateID)
		}
		if snap != nil && ev.Version <= snap.Version {
			continue
		}
		if ev.Version <= version {
			return nil, fmt.Errorf("project: event %s version %d does not follow version %d", ev.ID, ev.Version, version)
		}
		next, err := reg.Apply(state, ev)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", ev.Ref(), err)
		}
		state = next
		version = ev.Version
	}
	return state, nil
}

// EventReader reads one aggregate's stream. *store.Store implements it.
type EventReader interface {
	ReadAggregate(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int64) ([]event.Event, error)
}

// State is a projected aggregate state and the position it reflects.
type State struct {
	AggregateType string
	AggregateID   string
	Version       int64
	Seq           int64
	State         ir.Object
	// SnapshotVersion is the version of the snapshot folding started from,
	// 0 if it started from the first event.
	SnapshotVersion int64
}

// Projector loads aggregate state through the snapshot manager and offers
// folded states back to it.
type Projector struct {
	reg    *Registry
	events EventReader
	snaps  *snapshot.Manager
	logger *slog.Logger
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = l }
}

// NewProjector creates a projector. snaps may be nil to disable snapshots.
func NewProjector(reg *Registry, events EventReader, snaps *snapshot.Manager, opts ...ProjectorOption) *Projector {
	if snaps == nil {
		snaps = snapshot.NewManager(nil, snapshot.WithThreshold(0))
	}
	p := &Projector{reg: reg, events: events, snaps: snaps, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the fold registry.
func (p *Projector) Registry() *Registry { return p.reg }

// Snapshots returns the snapshot manager.
func (p *Projector) Snapshots() *snapshot.Manager { return p.snaps }

// Load returns the state of an aggregate at version (0 means latest),
// starting from the newest snapshot at or below version.
func (p *Projector) Load(ctx context.Context, aggregateType, aggregateID string, version int64) (State, error) {
	snap, err := p.snaps.LatestSnapshot(ctx, aggregateID, version)
	if err != nil {
		return State{}, err
	}
	from := int64(1)
	if snap != nil {
		from = snap.Version + 1
	}
	if version > 0 && from > version {
		return stateFromSnapshot(snap), nil
	}

	events, err := p.events.ReadAggregate(ctx, aggregateType, aggregateID, from, version)
	if err != nil {
		return State{}, fmt.Errorf("load %s: %w", aggregateID, err)
	}
	if err := Contiguous(from, events); err != nil {
		return State{}, fmt.Errorf("load %s: %w", aggregateID, err)
	}

	state, err := Project(p.reg, snap, events)
	if err != nil {
		return State{}, err
	}
	out := stateFromSnapshot(snap)
	out.AggregateID = aggregateID
	out.State = state
	if n := len(events); n > 0 {
		last := events[n-1]
		out.AggregateType = last.AggregateType
		out.Version = last.Version
		out.Seq = last.Seq
	}
	if version > 0 && out.Version < version {
		return State{}, fmt.Errorf("load %s: %w", aggregateID, fault.NotFoundf("version %d does not exist (latest is %d)", version, out.Version))
	}
	p.Checkpoint(ctx, out)
	return out, nil
}

// Checkpoint offers st to the snapshot manager. Snapshot failures are
// logged, not returned: a missing snapshot only slows later loads.
func (p *Projector) Checkpoint(ctx context.Context, st State) bool {
	ok, err := p.snaps.MaybeSnapshot(ctx, st.AggregateType, st.AggregateID, st.Version, st.Seq, st.State)
	if err != nil {
		p.logger.Warn("snapshot failed", "aggregate_id", st.AggregateID, "version", st.Version, "error", err)
		return false
	}
	return ok
}

func stateFromSnapshot(snap *snapshot.Snapshot) State {
	if snap == nil {
		return State{State: ir.Object{}}
	}
	return State{
		AggregateType:   snap.AggregateType,
		AggregateID:     snap.AggregateID,
		Version:         snap.Version,
		Seq:             snap.Seq,
		State:           cloneState(snap.State),
		SnapshotVersion: snap.Version,
	}
}

// Contiguous verifies events carry versions from, from+1, ... and returns
// a *GapError at the first hole.
func Contiguous(from int64, events []event.Event) error {
	for i, ev := range events {
		if want := from + int64(i); ev.Version != want {
			return &GapError{AggregateID: ev.AggregateID, Expected: want, Got: ev.Version}
		}
	}
	return nil
}

// GapError reports a hole in an aggregate's version sequence.
type GapError struct {
	AggregateID string
	Expected    int64
	Got         int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("version gap in %s: expected version %d, got %d", e.AggregateID, e.Expected, e.Got)
}
