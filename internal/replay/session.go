package replay

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// session is one replay. Fields below step are owned by whoever holds
// step; fields below mu are also read by status and state accessors.
type session struct {
	id        string
	scope     Scope
	mode      Mode
	opts      Options
	selection store.Filter
	box       sandbox.Handle

	cancelRequested atomic.Bool

	step       sync.Mutex
	loaded     bool
	buf        []event.Event
	exhausted  bool
	skipped    bool // an event was skipped; the states are not checkpointable
	rev        *reverseState
	sizes      map[string]int64
	stateBytes int64

	mu          sync.Mutex
	status      Status
	failure     error
	index       int
	events      int
	cursor      int64
	effectsSeen int
	aggs        map[string]AggregateState
	fetch       *fetcher
}

func newSession(id string, scope Scope, mode Mode, opts Options) *session {
	return &session{
		id:        id,
		scope:     scope,
		mode:      mode,
		opts:      opts,
		selection: scope.selection(),
		status:    StatusCreated,
		aggs:      make(map[string]AggregateState),
		sizes:     make(map[string]int64),
	}
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		s.status = st
	}
}

func (s *session) aggregate(id string) (AggregateState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggs[id]
	return agg, ok
}

func (s *session) commit(agg AggregateState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggs[agg.AggregateID] = agg
}

func (s *session) stopFetch() {
	s.mu.Lock()
	f := s.fetch
	s.fetch = nil
	s.mu.Unlock()
	if f != nil {
		f.stop()
	}
}

// pop consumes the head of the buffer.
func (s *session) pop() {
	ev := s.buf[0]
	s.buf = s.buf[1:]
	s.mu.Lock()
	s.events++
	s.cursor = ev.Seq
	s.mu.Unlock()
}

func (s *session) fetcher() *fetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch
}

// snapshotsAllowed reports whether the session may start an aggregate from
// a snapshot. Selective sessions fold a subset of events, so no snapshot
// represents their state; transformed sessions need a ceiling below the
// first transformed event.
func (s *session) snapshotsAllowed() bool {
	if s.mode == ModeSelective || s.opts.DisableSnapshots {
		return false
	}
	return s.opts.Transform == nil || s.opts.SnapshotCeiling > 0
}

// capBound applies the snapshot ceiling to bound.
func (s *session) capBound(bound int64) int64 {
	if c := s.opts.SnapshotCeiling; c > 0 && bound > c {
		return c
	}
	return bound
}

// startBound returns the highest version the scoped aggregate may be
// loaded from a snapshot at; ok is false when folding must start at
// version 1.
func (s *session) startBound(hooks bool) (bound int64, ok bool) {
	if !s.snapshotsAllowed() {
		return 0, false
	}
	switch {
	case s.scope.FromVersion > 1:
		bound = s.scope.FromVersion - 1
	case s.scope.FromVersion == 0 && s.mode == ModeForward && !s.opts.Interactive && !hooks &&
		s.scope.From.IsZero() && s.scope.To.IsZero():
		// Nothing is inspected per event, so start as late as possible.
		bound = s.scope.ToVersion
		if bound == 0 {
			bound = math.MaxInt64
		}
	default:
		return 0, false
	}
	return s.capBound(bound), true
}

// checkpointable reports whether folded states may be offered to the
// snapshot manager: they must equal what a plain projection produces.
func (s *session) checkpointable() bool {
	return s.mode == ModeForward && s.box == "" && s.opts.Transform == nil && s.scope.Aggregate() && !s.skipped
}

// beforeStart reports whether ev precedes the scope's start and is folded
// without producing a step.
func (s *session) beforeStart(ev event.Event) bool {
	if ev.Version < s.scope.FromVersion {
		return true
	}
	from := s.scope.From
	return !from.IsZero() && ev.OccurredAt.Before(from.Truncate(time.Millisecond))
}

// selected reports whether a selective session folds ev.
func (s *session) selected(ev event.Event) bool {
	if !s.selection.Matches(ev) {
		return false
	}
	return s.opts.Selector == nil || s.opts.Selector(ev)
}

// page is one prefetched batch.
type page struct {
	events []event.Event
	last   bool
	err    error
}

// fetcher reads pages ahead of the folding loop on its own goroutine.
type fetcher struct {
	pages  chan page
	cancel context.CancelFunc
	done   chan struct{}
}

// startFetch starts prefetching events matching f from fromSeq. The
// goroutine is detached from any caller's context: it lives until the end
// of the stream or stop.
func (e *Engine) startFetch(s *session, f store.Filter, fromSeq int64) {
	ctx, cancel := context.WithCancel(context.Background())
	ft := &fetcher{pages: make(chan page, 1), cancel: cancel, done: make(chan struct{})}
	limit := s.opts.MaxBatchSize

	go func() {
		defer close(ft.done)
		cursor := fromSeq
		for {
			events, err := e.fetchPage(ctx, f, cursor, limit)
			p := page{events: events, err: err, last: err != nil || len(events) < limit}
			select {
			case ft.pages <- p:
			case <-ctx.Done():
				return
			}
			if p.last {
				return
			}
			cursor = events[len(events)-1].Seq + 1
		}
	}()

	s.mu.Lock()
	s.fetch = ft
	s.mu.Unlock()
}

func (e *Engine) fetchPage(ctx context.Context, f store.Filter, fromSeq int64, limit int) (events []event.Event, err error) {
	ctx, span := telemetry.Tracer("replay").Start(ctx, "replay.Fetch")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(telemetry.Int64("from_seq", fromSeq))

	return store.Retry(ctx, 0, func() ([]event.Event, error) {
		return e.source.Read(ctx, f, fromSeq, limit)
	})
}

// next returns the next page. It fails with ErrCancelled once the fetcher
// is stopped.
func (f *fetcher) next(ctx context.Context) (page, error) {
	select {
	case p := <-f.pages:
		return p, p.err
	case <-f.done:
		select {
		case p := <-f.pages:
			return p, p.err
		default:
		}
		return page{}, ErrCancelled
	case <-ctx.Done():
		return page{}, ctx.Err()
	}
}

func (f *fetcher) stop() {
	f.cancel()
	<-f.done
}

// peekEvent returns the next unconsumed event; ok is false at the end of
// the stream.
func (e *Engine) peekEvent(ctx context.Context, s *session) (ev event.Event, ok bool, err error) {
	for len(s.buf) == 0 {
		if s.exhausted {
			return event.Event{}, false, nil
		}
		f := s.fetcher()
		if f == nil {
			return event.Event{}, false, ErrCancelled
		}
		p, err := f.next(ctx)
		if err != nil {
			return event.Event{}, false, err
		}
		s.buf = p.events
		s.exhausted = p.last
	}
	return s.buf[0], true, nil
}

// atEnd reports whether every fetched event is consumed and no page is
// outstanding.
func (s *session) atEnd() bool {
	return s.exhausted && len(s.buf) == 0
}

// readRange reads versions from..to of one aggregate.
func (e *Engine) readRange(ctx context.Context, aggregateType, aggregateID string, from, to int64) ([]event.Event, error) {
	f := store.Filter{AggregateType: aggregateType, AggregateID: aggregateID, FromVersion: from, ToVersion: to}
	return store.Retry(ctx, 0, func() ([]event.Event, error) {
		return e.source.Read(ctx, f, 0, 0)
	})
}

// fromSnapshot returns the state of aggregateID from its newest snapshot at
// or below bound, or an empty state at version 0.
func (e *Engine) fromSnapshot(ctx context.Context, aggregateType, aggregateID string, bound int64) (AggregateState, error) {
	agg := AggregateState{AggregateType: aggregateType, AggregateID: aggregateID, State: ir.Object{}}
	snap, err := e.projector.Snapshots().LatestSnapshot(ctx, aggregateID, bound)
	if err != nil || snap == nil {
		return agg, err
	}
	if agg.AggregateType == "" {
		agg.AggregateType = snap.AggregateType
	}
	agg.Version = snap.Version
	agg.Seq = snap.Seq
	agg.State = snap.State
	return agg, nil
}
