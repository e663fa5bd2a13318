package replay

import (
	"context"
	"errors"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/store"
)

// A reverse session folds its range forward once, recording the state at
// every version, and then serves the versions from the top down. Each step
// moves from the state after an event to the state before it; no event is
// un-applied.
type reverseState struct {
	records []reverseRecord // ascending version
	pos     int             // records[pos-1] is served next
}

type reverseRecord struct {
	event  event.Event
	before AggregateState
	after  AggregateState
}

func (e *Engine) loadReverse(ctx context.Context, s *session) error {
	agg := AggregateState{AggregateType: s.scope.AggregateType, AggregateID: s.scope.AggregateID, State: ir.Object{}}
	if bound, ok := s.startBound(true); ok {
		var err error
		if agg, err = e.fromSnapshot(ctx, s.scope.AggregateType, s.scope.AggregateID, bound); err != nil {
			return err
		}
	}
	s.commit(agg)

	rev := &reverseState{}
	if s.scope.ToVersion == 0 || agg.Version < s.scope.ToVersion {
		f := s.scope.fetchFilter()
		f.FromVersion = agg.Version + 1
		events, err := store.Retry(ctx, 0, func() ([]event.Event, error) {
			return e.source.Read(ctx, f, 0, 0)
		})
		if err != nil {
			return err
		}
		if err := projection.Contiguous(agg.Version+1, events); err != nil {
			return err
		}
		for _, ev := range events {
			res, err := e.advance(ctx, s, ev, false)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.events++
			s.cursor = ev.Seq
			s.mu.Unlock()
			// The lowest state served is the one at FromVersion.
			if res.outcome == outcomeVisible && ev.Version > s.scope.FromVersion {
				rev.records = append(rev.records, reverseRecord{event: res.event, before: res.before, after: res.after})
			}
		}
	}
	rev.pos = len(rev.records)
	s.rev = rev
	s.loaded = true
	return nil
}

func (e *Engine) reverseStep(s *session) (Step, error) {
	if s.cancelRequested.Load() {
		e.finish(s, StatusCancelled, nil)
		return Step{}, ErrCancelled
	}
	rev := s.rev
	if rev.pos == 0 {
		e.finish(s, StatusCompleted, nil)
		return Step{}, ErrEndOfReplay
	}
	rec := rev.records[rev.pos-1]
	rev.pos--
	s.commit(rec.before)

	ref := rec.event.Ref()
	d := diff.States(rec.after.State, rec.before.State)
	s.mu.Lock()
	s.index++
	index := s.index
	s.mu.Unlock()
	if s.opts.Interactive {
		s.setStatus(StatusPaused)
	}
	return Step{
		Index:       index,
		SessionID:   s.id,
		Event:       &ref,
		Events:      1,
		Applied:     1,
		AggregateID: rec.before.AggregateID,
		Version:     rec.before.Version,
		Seq:         rec.before.Seq,
		State:       rec.before.State.Clone(),
		Before:      rec.after.State.Clone(),
		Diff:        &d,
	}, nil
}

func (e *Engine) reversePeek(s *session) (Pending, error) {
	rev := s.rev
	if rev.pos == 0 {
		e.finish(s, StatusCompleted, nil)
		return Pending{}, ErrEndOfReplay
	}
	rec := rev.records[rev.pos-1]
	return Pending{Event: rec.event.Clone(), Before: rec.after.State.Clone()}, nil
}

// Reverse replays scope backwards and returns every step, from the state
// at the upper bound down to the state at the lower bound.
func (e *Engine) Reverse(ctx context.Context, scope Scope, opts Options) ([]Step, error) {
	id, err := e.StartReplay(ctx, scope, ModeReverse, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.DisposeSession(id); err != nil {
			e.logger.Warn("dispose reverse session", "session_id", id, "error", err)
		}
	}()

	steps := []Step{}
	for {
		step, err := e.GetNextStep(ctx, id)
		if errors.Is(err, ErrEndOfReplay) {
			return steps, nil
		}
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
}

// StateAt returns the state of an aggregate at version (0 means latest),
// using snapshots.
func (e *Engine) StateAt(ctx context.Context, aggregateType, aggregateID string, version int64) (AggregateState, error) {
	st, err := e.projector.Load(ctx, aggregateType, aggregateID, version)
	if err != nil {
		return AggregateState{}, err
	}
	return AggregateState{
		AggregateType: st.AggregateType,
		AggregateID:   st.AggregateID,
		Version:       st.Version,
		Seq:           st.Seq,
		State:         st.State,
	}, nil
}
