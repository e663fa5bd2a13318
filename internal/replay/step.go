package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// outcome is how a session treats one event.
type outcome int

const (
	// outcomeSkipped events only advance version tracking.
	outcomeSkipped outcome = iota
	// outcomeSilent events are folded without producing a step.
	outcomeSilent
	// outcomeVisible events are folded and produce a step.
	outcomeVisible
)

func (o outcome) String() string {
	switch o {
	case outcomeSkipped:
		return "skipped"
	case outcomeSilent:
		return "silent"
	default:
		return "applied"
	}
}

// applied is the result of advancing over one event.
type applied struct {
	event   event.Event
	outcome outcome
	before  AggregateState
	after   AggregateState
}

// GetNextStep advances the session by one step: one visible event for
// interactive sessions, up to MaxBatchSize events otherwise. It returns
// ErrEndOfReplay once the scope is exhausted and ErrCancelled after Cancel.
// A failure moves the session to FAILED and is returned as a *ReplayError.
func (e *Engine) GetNextStep(ctx context.Context, id string) (step Step, err error) {
	s, err := e.get(id)
	if err != nil {
		return Step{}, err
	}
	s.step.Lock()
	defer s.step.Unlock()

	ctx, span := telemetry.Tracer("replay").Start(ctx, "replay.Step")
	defer func() {
		if errors.Is(err, ErrEndOfReplay) {
			telemetry.End(span, nil)
			return
		}
		telemetry.End(span, err)
	}()
	span.SetAttributes(telemetry.String("session_id", id))

	if err = e.enter(ctx, s); err != nil {
		return Step{}, err
	}
	s.setStatus(StatusRunning)
	switch {
	case s.mode == ModeReverse:
		return e.reverseStep(s)
	case s.opts.Interactive:
		return e.interactiveStep(ctx, s)
	default:
		return e.batchStep(ctx, s)
	}
}

// Peek returns the next event a step will apply and the state of its
// aggregate before it, without applying it. Events folded silently ahead
// of it are consumed.
func (e *Engine) Peek(ctx context.Context, id string) (Pending, error) {
	s, err := e.get(id)
	if err != nil {
		return Pending{}, err
	}
	s.step.Lock()
	defer s.step.Unlock()

	if err := e.enter(ctx, s); err != nil {
		return Pending{}, err
	}
	if s.mode == ModeReverse {
		return e.reversePeek(s)
	}
	for {
		if s.cancelRequested.Load() {
			e.finish(s, StatusCancelled, nil)
			return Pending{}, ErrCancelled
		}
		ev, ok, err := e.peekEvent(ctx, s)
		if err != nil {
			return Pending{}, e.fail(s, err)
		}
		if !ok {
			e.finish(s, StatusCompleted, nil)
			return Pending{}, ErrEndOfReplay
		}
		next, out, agg, err := e.prepare(ctx, s, ev)
		if err != nil {
			return Pending{}, e.fail(s, e.replayError(s, ev, agg.State, err))
		}
		if out == outcomeVisible {
			return Pending{Event: next.Clone(), Before: agg.State.Clone()}, nil
		}
		if _, err := e.advance(ctx, s, ev, true); err != nil {
			return Pending{}, e.fail(s, err)
		}
		s.pop()
	}
}

// Seek repositions an aggregate-scoped forward or selective session: its
// state becomes the aggregate's state at version and the next step applies
// the following event. Hooks do not run for the events folded to get
// there. A completed session becomes steppable again.
func (e *Engine) Seek(ctx context.Context, id string, version int64) (AggregateState, error) {
	s, err := e.get(id)
	if err != nil {
		return AggregateState{}, err
	}
	if s.mode == ModeReverse || !s.scope.Aggregate() {
		return AggregateState{}, fault.Invalidf("seek needs a forward or selective aggregate session")
	}
	if version < 0 || (s.scope.ToVersion != 0 && version > s.scope.ToVersion) {
		return AggregateState{}, fault.Invalidf("version %d is outside the session scope", version)
	}

	s.step.Lock()
	defer s.step.Unlock()
	if s.cancelRequested.Load() {
		e.finish(s, StatusCancelled, nil)
	}
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusFailed || status == StatusCancelled {
		return AggregateState{}, fault.Invalidf("session %s is %s", id, status)
	}

	aggType, aggID := s.scope.AggregateType, s.scope.AggregateID
	if version > 0 {
		probe, err := e.source.Read(ctx, store.Filter{AggregateType: aggType, AggregateID: aggID, FromVersion: version, ToVersion: version}, 0, 1)
		if err != nil {
			return AggregateState{}, fmt.Errorf("seek: %w", err)
		}
		if len(probe) == 0 {
			return AggregateState{}, fault.NotFoundf("version %d of %s", version, aggID)
		}
	}

	s.stopFetch()
	s.buf, s.exhausted, s.loaded = nil, false, true
	s.sizes, s.stateBytes = make(map[string]int64), 0
	s.mu.Lock()
	s.aggs = make(map[string]AggregateState)
	s.mu.Unlock()

	agg := AggregateState{AggregateType: aggType, AggregateID: aggID, State: ir.Object{}}
	if version > 0 && s.snapshotsAllowed() {
		if agg, err = e.fromSnapshot(ctx, aggType, aggID, s.capBound(version)); err != nil {
			return AggregateState{}, e.fail(s, &ReplayError{SessionID: s.id, AggregateID: aggID, Cause: err})
		}
	}
	if agg, err = e.catchUp(ctx, s, agg, false, version); err != nil {
		return AggregateState{}, e.fail(s, err)
	}
	e.resumeFetch(s, agg)

	s.mu.Lock()
	s.cursor = agg.Seq
	s.status = StatusRunning
	if s.opts.Interactive {
		s.status = StatusPaused
	}
	s.mu.Unlock()
	e.logger.Debug("replay session repositioned", "session_id", id, "version", agg.Version)

	agg.State = agg.State.Clone()
	return agg, nil
}

// enter checks that s can make progress and loads it on first use.
func (e *Engine) enter(ctx context.Context, s *session) error {
	if s.cancelRequested.Load() {
		e.finish(s, StatusCancelled, nil)
	}
	s.mu.Lock()
	status, failure := s.status, s.failure
	s.mu.Unlock()
	switch status {
	case StatusCancelled:
		return ErrCancelled
	case StatusFailed:
		return failure
	case StatusCompleted:
		return ErrEndOfReplay
	}
	if s.loaded {
		return nil
	}
	if err := e.load(ctx, s); err != nil {
		if isContextErr(err) {
			return err
		}
		return e.fail(s, &ReplayError{SessionID: s.id, AggregateID: s.scope.AggregateID, Cause: err})
	}
	return nil
}

// load resolves the starting snapshot of an aggregate scope and starts the
// prefetcher.
func (e *Engine) load(ctx context.Context, s *session) error {
	if s.mode == ModeReverse {
		return e.loadReverse(ctx, s)
	}
	if !s.scope.Aggregate() {
		e.startFetch(s, s.scope.fetchFilter(), 0)
		s.loaded = true
		return nil
	}

	agg := AggregateState{AggregateType: s.scope.AggregateType, AggregateID: s.scope.AggregateID, State: ir.Object{}}
	if bound, ok := s.startBound(len(e.hooks) > 0); ok {
		var err error
		if agg, err = e.fromSnapshot(ctx, s.scope.AggregateType, s.scope.AggregateID, bound); err != nil {
			return err
		}
		if agg.Version > 0 {
			e.logger.Debug("replay starting from snapshot", "session_id", s.id, "aggregate_id", agg.AggregateID, "version", agg.Version)
		}
	}
	s.commit(agg)
	s.mu.Lock()
	s.cursor = agg.Seq
	s.mu.Unlock()
	e.resumeFetch(s, agg)
	s.loaded = true
	return nil
}

// resumeFetch starts fetching the scoped aggregate after agg's version.
func (e *Engine) resumeFetch(s *session, agg AggregateState) {
	if s.scope.ToVersion != 0 && agg.Version >= s.scope.ToVersion {
		s.exhausted = true
		return
	}
	f := s.scope.fetchFilter()
	if agg.Version > 0 {
		f.FromVersion = agg.Version + 1
	}
	e.startFetch(s, f, 0)
}

func (e *Engine) interactiveStep(ctx context.Context, s *session) (Step, error) {
	consumed, folded := 0, 0
	for {
		if s.cancelRequested.Load() {
			e.finish(s, StatusCancelled, nil)
			return Step{}, ErrCancelled
		}
		ev, ok, err := e.peekEvent(ctx, s)
		if err != nil {
			return Step{}, e.fail(s, err)
		}
		if !ok {
			e.finish(s, StatusCompleted, nil)
			return Step{}, ErrEndOfReplay
		}
		res, err := e.advance(ctx, s, ev, true)
		if err != nil {
			return Step{}, e.fail(s, err)
		}
		s.pop()
		consumed++
		if res.outcome != outcomeSkipped {
			folded++
		}
		if res.outcome != outcomeVisible {
			continue
		}

		step, err := e.newStep(s, res, consumed, folded)
		if err != nil {
			return Step{}, e.fail(s, err)
		}
		d := diff.States(res.before.State, res.after.State)
		step.Before = res.before.State.Clone()
		step.Diff = &d
		s.setStatus(StatusPaused)
		return step, nil
	}
}

func (e *Engine) batchStep(ctx context.Context, s *session) (Step, error) {
	var (
		last             applied
		consumed, folded int
	)
	for consumed < s.opts.MaxBatchSize {
		if s.cancelRequested.Load() {
			e.finish(s, StatusCancelled, nil)
			return Step{}, ErrCancelled
		}
		ev, ok, err := e.peekEvent(ctx, s)
		if err != nil {
			return Step{}, e.fail(s, err)
		}
		if !ok {
			break
		}
		res, err := e.advance(ctx, s, ev, true)
		if err != nil {
			return Step{}, e.fail(s, err)
		}
		s.pop()
		consumed++
		if res.outcome != outcomeSkipped {
			folded++
		}
		last = res
	}
	if consumed == 0 {
		e.finish(s, StatusCompleted, nil)
		return Step{}, ErrEndOfReplay
	}

	step, err := e.newStep(s, last, consumed, folded)
	if err != nil {
		return Step{}, e.fail(s, err)
	}
	if s.atEnd() {
		e.finish(s, StatusCompleted, nil)
	}
	return step, nil
}

func (e *Engine) newStep(s *session, res applied, consumed, folded int) (Step, error) {
	ref := res.event.Ref()
	step := Step{
		SessionID:   s.id,
		Event:       &ref,
		Events:      consumed,
		Applied:     folded,
		AggregateID: res.after.AggregateID,
		Version:     res.after.Version,
		Seq:         res.after.Seq,
		State:       res.after.State.Clone(),
	}

	var effects []sandbox.Effect
	if s.box != "" {
		all, err := e.isolator.CaptureSideEffects(s.box)
		if err != nil {
			return Step{}, err
		}
		effects = all
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(effects) > s.effectsSeen {
		step.Effects = effects[s.effectsSeen:]
		s.effectsSeen = len(effects)
	}
	s.index++
	step.Index = s.index
	return step, nil
}

// prepare brings ev's aggregate up to ev's predecessor, applies the
// session's Transform and classifies the result.
func (e *Engine) prepare(ctx context.Context, s *session, ev event.Event) (event.Event, outcome, AggregateState, error) {
	agg, known := s.aggregate(ev.AggregateID)
	if !known {
		agg = AggregateState{AggregateType: ev.AggregateType, AggregateID: ev.AggregateID, State: ir.Object{}}
	}
	if !s.scope.Aggregate() && (!known || agg.Version < ev.Version-1) {
		var err error
		if agg, err = e.catchUp(ctx, s, agg, !known, ev.Version-1); err != nil {
			return ev, outcomeSkipped, agg, err
		}
	}
	if ev.Version != agg.Version+1 {
		return ev, outcomeSkipped, agg, &projection.GapError{AggregateID: ev.AggregateID, Expected: agg.Version + 1, Got: ev.Version}
	}

	if s.opts.Transform != nil {
		out, err := s.opts.Transform(ev.Clone())
		if err != nil {
			return ev, outcomeSkipped, agg, fmt.Errorf("transform %s: %w", ev.Ref(), err)
		}
		if out.AggregateID != ev.AggregateID || out.Version != ev.Version || out.Seq != ev.Seq {
			return ev, outcomeSkipped, agg, fault.Invalidf("transform of %s moved the event", ev.Ref())
		}
		ev = out
	}
	return ev, e.classify(s, ev), agg, nil
}

func (e *Engine) classify(s *session, ev event.Event) outcome {
	if s.mode == ModeSelective && !s.selected(ev) {
		return outcomeSkipped
	}
	if s.opts.SkipUnknown {
		if _, ok := e.projector.Registry().Lookup(ev.Type); !ok {
			return outcomeSkipped
		}
	}
	if s.beforeStart(ev) {
		return outcomeSilent
	}
	return outcomeVisible
}

// catchUp folds agg's events after its version up to version to without
// producing steps. fresh aggregates may start from a snapshot.
func (e *Engine) catchUp(ctx context.Context, s *session, agg AggregateState, fresh bool, to int64) (AggregateState, error) {
	if fresh && to > 0 && s.snapshotsAllowed() {
		snap, err := e.fromSnapshot(ctx, agg.AggregateType, agg.AggregateID, s.capBound(to))
		if err != nil {
			return agg, err
		}
		agg = snap
	}
	s.commit(agg)
	if agg.Version >= to {
		return agg, nil
	}

	events, err := e.readRange(ctx, agg.AggregateType, agg.AggregateID, agg.Version+1, to)
	if err != nil {
		return agg, err
	}
	if err := projection.Contiguous(agg.Version+1, events); err != nil {
		return agg, err
	}
	for _, ev := range events {
		res, err := e.advance(ctx, s, ev, false)
		if err != nil {
			return agg, err
		}
		agg = res.after
	}
	return agg, nil
}

// advance consumes ev. Hooks run for visible events when hooks is set.
// Nothing is committed when it fails.
func (e *Engine) advance(ctx context.Context, s *session, ev event.Event, hooks bool) (applied, error) {
	next, out, agg, err := e.prepare(ctx, s, ev)
	if err != nil {
		return applied{}, e.replayError(s, ev, agg.State, err)
	}
	res := applied{event: next, outcome: out, before: agg}

	if out == outcomeSkipped {
		s.skipped = true
		if _, ok := e.projector.Registry().Lookup(next.Type); !ok {
			e.logger.Warn("skipping event with no fold", "session_id", s.id, "event_id", next.ID, "type", next.Type)
		}
	} else {
		state, err := e.fold(ctx, s, next, agg.State, hooks && out == outcomeVisible)
		if err != nil {
			return applied{}, e.replayError(s, next, agg.State, err)
		}
		if s.box != "" {
			if err := e.trackSize(s, agg.AggregateID, state); err != nil {
				return applied{}, e.replayError(s, next, agg.State, err)
			}
		}
		agg.State = state
	}
	if agg.AggregateType == "" {
		agg.AggregateType = next.AggregateType
	}
	agg.Version = next.Version
	agg.Seq = next.Seq
	s.commit(agg)
	res.after = agg

	telemetry.ReplayEventsTotal.WithLabelValues(string(s.mode), out.String()).Inc()
	if out != outcomeSkipped && s.checkpointable() {
		e.projector.Checkpoint(ctx, projection.State{
			AggregateType: agg.AggregateType,
			AggregateID:   agg.AggregateID,
			Version:       agg.Version,
			Seq:           agg.Seq,
			State:         agg.State,
		})
	}
	return res, nil
}

// fold applies ev to state and runs the hooks, inside the session's
// sandbox if it has one.
func (e *Engine) fold(ctx context.Context, s *session, ev event.Event, state ir.Object, hooks bool) (ir.Object, error) {
	var next ir.Object
	run := func(ctx context.Context, fx sandbox.Effects) error {
		out, err := e.projector.Registry().Apply(state, ev)
		if err != nil {
			return err
		}
		if hooks {
			for _, h := range e.hooks {
				if err := h(ctx, ev.Clone(), out.Clone(), fx); err != nil {
					return fmt.Errorf("hook: %w", err)
				}
			}
		}
		next = out
		return nil
	}

	if s.box == "" {
		if err := run(ctx, sandbox.Passthrough(e.client)); err != nil {
			return nil, err
		}
		return next, nil
	}
	if err := e.isolator.Execute(ctx, s.box, run); err != nil {
		return nil, err
	}
	return next, nil
}

// trackSize charges the sandbox for the canonical size of every state the
// session holds.
func (e *Engine) trackSize(s *session, aggregateID string, state ir.Object) error {
	canonical, err := ir.MarshalCanonical(state)
	if err != nil {
		return err
	}
	n := int64(len(canonical))
	s.stateBytes += n - s.sizes[aggregateID]
	s.sizes[aggregateID] = n
	return e.isolator.SetStateBytes(s.box, s.stateBytes)
}

// replayError wraps err with the failing event. Context errors,
// cancellation and errors already wrapped pass through.
func (e *Engine) replayError(s *session, ev event.Event, partial ir.Object, err error) error {
	var re *ReplayError
	if errors.As(err, &re) || isContextErr(err) || errors.Is(err, ErrCancelled) {
		return err
	}
	return &ReplayError{
		SessionID:    s.id,
		EventID:      ev.ID,
		AggregateID:  ev.AggregateID,
		Version:      ev.Version,
		PartialState: partial.Clone(),
		Cause:        err,
	}
}

// fail records err on s. Context errors leave the session as it is so the
// caller can retry the step.
func (e *Engine) fail(s *session, err error) error {
	if isContextErr(err) {
		return err
	}
	if errors.Is(err, ErrCancelled) {
		e.finish(s, StatusCancelled, nil)
		return ErrCancelled
	}
	var re *ReplayError
	if !errors.As(err, &re) {
		re = &ReplayError{SessionID: s.id, Cause: err}
	}
	e.finish(s, StatusFailed, re)
	return re
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
