package debug

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
)

// StopReason says why ContinueToNextBreakpoint returned.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopEnd        StopReason = "end"
)

// Stop is where ContinueToNextBreakpoint returned control.
type Stop struct {
	Reason StopReason `json:"reason"`
	// Steps counts the steps taken; Step is the last of them.
	Steps int          `json:"steps"`
	Step  *replay.Step `json:"step,omitempty"`
	// Breakpoint and Pending are set when a breakpoint hit: Pending is the
	// event that was not applied and the state before it.
	Breakpoint *Breakpoint     `json:"breakpoint,omitempty"`
	Pending    *replay.Pending `json:"pending,omitempty"`
}

// Debugger drives one interactive session and records its steps.
type Debugger struct {
	m         *Manager
	sessionID string
	scope     replay.Scope

	mu    sync.Mutex
	steps []replay.Step
	// stoppedAt is the event a breakpoint stopped before. The next
	// continue applies it without re-evaluating breakpoints.
	stoppedAt string
}

// SessionID returns the debugged session's id.
func (d *Debugger) SessionID() string { return d.sessionID }

// StepForward applies the next event.
func (d *Debugger) StepForward(ctx context.Context) (replay.Step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step(ctx)
}

func (d *Debugger) step(ctx context.Context) (replay.Step, error) {
	step, err := d.m.engine.GetNextStep(ctx, d.sessionID)
	if err != nil {
		return replay.Step{}, err
	}
	d.steps = append(d.steps, step)
	d.stoppedAt = ""
	return step, nil
}

// StepBackward moves an aggregate session back one version by
// re-projecting the state before the current one. The next step
// re-applies the event that was undone.
func (d *Debugger) StepBackward(ctx context.Context) (replay.AggregateState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scope.Aggregate() {
		return replay.AggregateState{}, fault.Invalidf("stepping backward needs an aggregate session")
	}
	states, err := d.m.engine.States(d.sessionID)
	if err != nil {
		return replay.AggregateState{}, err
	}
	current := states[d.scope.AggregateID]
	if current.Version == 0 {
		return replay.AggregateState{}, fault.Invalidf("session %s is at the first version", d.sessionID)
	}
	st, err := d.m.engine.Seek(ctx, d.sessionID, current.Version-1)
	if err != nil {
		return replay.AggregateState{}, err
	}
	d.stoppedAt = ""
	return st, nil
}

// ContinueToNextBreakpoint steps until a breakpoint holds for the next
// event or the replay ends. On a hit the session is paused before the
// event is applied.
func (d *Debugger) ContinueToNextBreakpoint(ctx context.Context) (Stop, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var stop Stop
	for {
		pending, err := d.m.engine.Peek(ctx, d.sessionID)
		if errors.Is(err, replay.ErrEndOfReplay) {
			stop.Reason = StopEnd
			return stop, nil
		}
		if err != nil {
			return stop, err
		}
		if pending.Event.ID != d.stoppedAt {
			bp, err := d.m.match(d.sessionID, pending)
			if err != nil {
				return stop, err
			}
			if bp != nil {
				if err := d.m.engine.Pause(d.sessionID); err != nil {
					return stop, err
				}
				d.stoppedAt = pending.Event.ID
				stop.Reason, stop.Breakpoint, stop.Pending = StopBreakpoint, bp, &pending
				d.m.logger.Debug("breakpoint hit",
					"session_id", d.sessionID, "breakpoint_id", bp.ID, "event_id", pending.Event.ID)
				return stop, nil
			}
		}
		step, err := d.step(ctx)
		if err != nil {
			return stop, err
		}
		stop.Steps++
		stop.Step = &step
	}
}

// Steps returns the recorded steps.
func (d *Debugger) Steps() []replay.Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]replay.Step(nil), d.steps...)
}

// StateDiff compares the states after two recorded steps, by step index.
// Index 0 is the state before the first recorded step.
func (d *Debugger) StateDiff(fromStep, toStep int) (diff.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	from, err := d.stateAfter(fromStep)
	if err != nil {
		return diff.Result{}, err
	}
	to, err := d.stateAfter(toStep)
	if err != nil {
		return diff.Result{}, err
	}
	return diff.States(from, to), nil
}

func (d *Debugger) stateAfter(index int) (ir.Object, error) {
	if index == 0 {
		if len(d.steps) == 0 {
			return nil, fault.NotFoundf("no steps recorded")
		}
		return d.steps[0].Before, nil
	}
	for i := len(d.steps) - 1; i >= 0; i-- {
		if d.steps[i].Index == index {
			return d.steps[i].State, nil
		}
	}
	return nil, fault.NotFoundf("step %d was not recorded", index)
}
