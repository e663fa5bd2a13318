package harness

import (
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/whatif"
)

// Trace entry kinds.
const (
	TraceAppend = "append"
	TraceStep   = "step"
)

// TraceEvent is one trace entry: an append attempt or a replay step.
type TraceEvent struct {
	Kind string `json:"kind"`
	// Replay names the replay a step belongs to.
	Replay      string `json:"replay,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	EventType   string `json:"event_type"`
	AggregateID string `json:"aggregate_id"`
	Version     int64  `json:"version"`
	Seq         int64  `json:"seq"`
	// Changed lists the state paths a step changed.
	Changed []string `json:"changed,omitempty"`
	// Error is the fault code of a rejected append.
	Error string `json:"error,omitempty"`
}

// ReplayOutcome is how one scenario replay ended.
type ReplayOutcome struct {
	Name      string               `json:"name"`
	Status    replay.Status        `json:"status"`
	Steps     int                  `json:"steps"`
	States    map[string]ir.Object `json:"states"`
	StateHash string               `json:"state_hash"`
	Error     string               `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds appends and replay steps in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Replays []ReplayOutcome `json:"replays"`

	// WhatIf is set when the scenario ran modifications.
	WhatIf *whatif.Result `json:"whatif,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Replays: []ReplayOutcome{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Replay returns the named replay outcome, or the last one for an empty
// name.
func (r *Result) Replay(name string) (ReplayOutcome, bool) {
	if name == "" {
		if len(r.Replays) == 0 {
			return ReplayOutcome{}, false
		}
		return r.Replays[len(r.Replays)-1], true
	}
	for _, o := range r.Replays {
		if o.Name == name {
			return o, true
		}
	}
	return ReplayOutcome{}, false
}

// Steps returns the step entries of the named replay, or of every replay
// for an empty name.
func (r *Result) Steps(replayName string) []TraceEvent {
	var steps []TraceEvent
	for _, ev := range r.Trace {
		if ev.Kind == TraceStep && (replayName == "" || ev.Replay == replayName) {
			steps = append(steps, ev)
		}
	}
	return steps
}
