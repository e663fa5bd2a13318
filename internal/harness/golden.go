package harness

import (
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rewind/internal/ir"
)

// TraceSnapshot captures the deterministic parts of a scenario execution.
// State hashes are left out; the states themselves are compared.
type TraceSnapshot struct {
	ScenarioName string          `json:"scenario_name"`
	Trace        []TraceEvent    `json:"trace"`
	Replays      []ReplayOutcome `json:"replays"`
	Result       *Result         `json:"-"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"kind":         ev.Kind,
			"event_type":   ev.EventType,
			"aggregate_id": ev.AggregateID,
			"version":      ev.Version,
			"seq":          ev.Seq,
		}
		if ev.Replay != "" {
			m["replay"] = ev.Replay
		}
		if ev.EventID != "" {
			m["event_id"] = ev.EventID
		}
		if len(ev.Changed) > 0 {
			m["changed"] = stringList(ev.Changed)
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		traceList[i] = m
	}

	replays := make([]any, len(s.Replays))
	for i, r := range s.Replays {
		states := make(map[string]any, len(r.States))
		for aggID, st := range r.States {
			states[aggID] = st
		}
		m := map[string]any{
			"name":   r.Name,
			"status": string(r.Status),
			"steps":  r.Steps,
			"states": states,
		}
		if r.Error != "" {
			m["error"] = r.Error
		}
		replays[i] = m
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"replays":       replays,
	}
	if s.Result != nil && s.Result.WhatIf != nil {
		result["whatif"] = whatIfMap(s.Result)
	}
	return result
}

func whatIfMap(r *Result) map[string]any {
	c := r.WhatIf.Comparison
	changes := make(map[string]any, len(c.Changes))
	aggIDs := make([]string, 0, len(c.Changes))
	for aggID := range c.Changes {
		aggIDs = append(aggIDs, aggID)
	}
	sort.Strings(aggIDs)
	for _, aggID := range aggIDs {
		changes[aggID] = stringList(c.Changes[aggID].Paths())
	}
	m := map[string]any{
		"applied":  stringList(r.WhatIf.Applied),
		"diverged": c.Diverged,
		"changes":  changes,
		"magnitude": map[string]any{
			"changed_paths":  c.Magnitude.ChangedPaths,
			"numeric_delta":  c.Magnitude.NumericDelta,
			"diverged_steps": c.Magnitude.DivergedSteps,
		},
	}
	if c.DivergenceStep != 0 {
		m["divergence_step"] = c.DivergenceStep
	}
	if c.DivergenceEvent != nil {
		m["divergence_event"] = c.DivergenceEvent.ID
	}
	return m
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}

// Snapshot returns the canonical JSON golden files hold for result.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Replays:      result.Replays,
		Result:       result,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}
