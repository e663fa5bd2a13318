package whatif

import (
	"sort"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/sandbox"
)

// Run is one drained replay: its steps and final aggregate states.
type Run struct {
	SessionID string                           `json:"session_id"`
	Steps     []replay.Step                    `json:"steps"`
	States    map[string]replay.AggregateState `json:"states"`
	Effects   []sandbox.Effect                 `json:"effects,omitempty"`
}

// Magnitude is the cumulative size of a divergence.
type Magnitude struct {
	ChangedPaths  int   `json:"changed_paths"`
	NumericDelta  int64 `json:"numeric_delta"`
	DivergedSteps int   `json:"diverged_steps"`
}

// Comparison reports how a modified run differs from the original.
//
// DivergenceStep is the 1-based index of the first step whose state
// differs, and DivergenceEvent the event it applied. Changes holds the
// final-state diff of each aggregate that ended up different.
type Comparison struct {
	Diverged        bool                   `json:"diverged"`
	DivergenceStep  int                    `json:"divergence_step,omitempty"`
	DivergenceEvent *event.Ref             `json:"divergence_event,omitempty"`
	Changes         map[string]diff.Result `json:"changes"`
	Magnitude       Magnitude              `json:"magnitude"`
}

// Compare compares two runs step by step and by final state. Runs of
// different length diverge at the first step only one of them has.
func Compare(original, modified Run) Comparison {
	c := Comparison{Changes: make(map[string]diff.Result)}

	n := max(len(original.Steps), len(modified.Steps))
	for i := range n {
		var a, b *replay.Step
		if i < len(original.Steps) {
			a = &original.Steps[i]
		}
		if i < len(modified.Steps) {
			b = &modified.Steps[i]
		}
		if a != nil && b != nil && a.AggregateID == b.AggregateID && ir.Equal(a.State, b.State) {
			continue
		}
		c.Magnitude.DivergedSteps++
		if c.DivergenceStep != 0 {
			continue
		}
		c.DivergenceStep = i + 1
		if first := pick(a, b); first.Event != nil {
			ref := *first.Event
			c.DivergenceEvent = &ref
		}
	}

	ids := make([]string, 0, len(original.States)+len(modified.States))
	for id := range original.States {
		ids = append(ids, id)
	}
	for id := range modified.States {
		if _, ok := original.States[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := diff.States(original.States[id].State, modified.States[id].State)
		if res.Empty() {
			continue
		}
		c.Changes[id] = res
		m := res.Magnitude()
		c.Magnitude.ChangedPaths += m.ChangedPaths
		c.Magnitude.NumericDelta += m.NumericDelta
	}

	c.Diverged = c.DivergenceStep != 0 || len(c.Changes) > 0
	return c
}

func pick(a, b *replay.Step) *replay.Step {
	if a != nil {
		return a
	}
	return b
}
