package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/rewind/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Steps for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s v%d %v\n", i+1, ev.EventType, ev.AggregateID, ev.Version, ev.Changed)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failures.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	steps := result.Steps(a.Replay)
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(steps, a)
	case AssertTraceOrder:
		return assertTraceOrder(steps, a)
	case AssertTraceCount:
		return assertTraceCount(steps, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	case AssertStepDiff:
		return assertStepDiff(steps, a)
	case AssertDivergence:
		return assertDivergence(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that a step applied an event of the type.
func assertTraceContains(steps []TraceEvent, a Assertion) error {
	for _, ev := range steps {
		if ev.EventType == a.EventType {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("a step applying %s", a.EventType),
		Actual:   "not found in trace",
		Trace:    steps,
	}
}

// assertTraceOrder checks that event types were first applied in the given
// order. Other steps may come in between.
func assertTraceOrder(steps []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range steps {
		if _, seen := positions[ev.EventType]; !seen {
			positions[ev.EventType] = i + 1
		}
	}

	for _, typ := range a.EventTypes {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all event types present: %v", a.EventTypes),
				Actual:   fmt.Sprintf("missing event type: %s", typ),
				Trace:    steps,
			}
		}
	}
	for i := 1; i < len(a.EventTypes); i++ {
		prev, curr := a.EventTypes[i-1], a.EventTypes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("event types in order: %v", a.EventTypes),
				Actual: fmt.Sprintf("%s (step %d) should be before %s (step %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: steps,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count steps applied the event type.
func assertTraceCount(steps []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range steps {
		if ev.EventType == a.EventType {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d steps applying %s", a.Count, a.EventType),
			Actual:   fmt.Sprintf("%d steps", count),
			Trace:    steps,
		}
	}
	return nil
}

// assertFinalState checks gjson paths of an aggregate's final state.
// Values compare by canonical JSON, so 3 and "3" differ.
func assertFinalState(result *Result, a Assertion) error {
	outcome, ok := result.Replay(a.Replay)
	if !ok {
		return fmt.Errorf("no replay %q", a.Replay)
	}
	state, ok := outcome.States[a.AggregateID]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state for %s", a.AggregateID),
			Actual:   "aggregate not replayed",
		}
	}
	doc, err := ir.MarshalCanonical(state)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(a.Expect))
	for path := range a.Expect {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var mismatches []string
	for _, path := range paths {
		want, err := expectedJSON(a.Expect[path])
		if err != nil {
			return fmt.Errorf("expect %s: %w", path, err)
		}
		got := gjson.GetBytes(doc, path)
		switch {
		case !got.Exists():
			mismatches = append(mismatches, fmt.Sprintf("%s: missing", path))
		case got.Raw != want:
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", path, want, got.Raw))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s matches %v", a.AggregateID, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

// assertStepDiff checks the paths one step changed.
func assertStepDiff(steps []TraceEvent, a Assertion) error {
	if a.Step > len(steps) {
		return &AssertionError{
			Type:     AssertStepDiff,
			Expected: fmt.Sprintf("step %d", a.Step),
			Actual:   fmt.Sprintf("%d steps", len(steps)),
			Trace:    steps,
		}
	}
	got := steps[a.Step-1].Changed
	if !slices.Equal(got, a.Paths) && (len(got) > 0 || len(a.Paths) > 0) {
		return &AssertionError{
			Type:     AssertStepDiff,
			Expected: fmt.Sprintf("step %d changes %v", a.Step, a.Paths),
			Actual:   fmt.Sprintf("changed %v", got),
			Trace:    steps,
		}
	}
	return nil
}

// assertDivergence checks the what-if comparison. Step 0 with no paths
// asserts that the runs did not diverge.
func assertDivergence(result *Result, a Assertion) error {
	if result.WhatIf == nil {
		return fmt.Errorf("whatif did not run")
	}
	c := result.WhatIf.Comparison
	if a.Step == 0 && len(a.Paths) == 0 {
		if c.Diverged {
			return &AssertionError{
				Type:     AssertDivergence,
				Expected: "no divergence",
				Actual:   fmt.Sprintf("diverged at step %d", c.DivergenceStep),
			}
		}
		return nil
	}
	if !c.Diverged || (a.Step != 0 && c.DivergenceStep != a.Step) {
		return &AssertionError{
			Type:     AssertDivergence,
			Expected: fmt.Sprintf("divergence at step %d", a.Step),
			Actual:   fmt.Sprintf("diverged=%t at step %d", c.Diverged, c.DivergenceStep),
		}
	}

	var got []string
	for aggID, d := range c.Changes {
		if a.AggregateID == "" || aggID == a.AggregateID {
			got = append(got, d.Paths()...)
		}
	}
	sort.Strings(got)
	want := slices.Sorted(slices.Values(a.Paths))
	if len(want) > 0 && !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertDivergence,
			Expected: fmt.Sprintf("changed paths %v", want),
			Actual:   fmt.Sprintf("changed paths %v", got),
		}
	}
	return nil
}

// expectedJSON renders a YAML value as canonical JSON.
func expectedJSON(v any) (string, error) {
	val, err := ir.FromAny(v)
	if err != nil {
		return "", err
	}
	b, err := ir.MarshalCanonical(val)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
