package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/whatif"
)

// Scenario defines an event-store test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Projections is the projections file declaring folds and schemas.
	// Relative paths are resolved against the scenario file's directory.
	Projections string `yaml:"projections"`

	// SnapshotThreshold is the snapshot interval; 0 disables snapshots.
	SnapshotThreshold int64 `yaml:"snapshot_threshold,omitempty"`

	// Events are appended in order before any replay runs.
	Events []EventStep `yaml:"events"`

	// Replays run in order after the appends.
	Replays []ReplayStep `yaml:"replays,omitempty"`

	// WhatIf replays a scope with modifications after the replays.
	WhatIf *WhatIfStep `yaml:"whatif,omitempty"`

	// Assertions validate the final trace and states.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep is one append.
type EventStep struct {
	Type            string            `yaml:"type"`
	AggregateType   string            `yaml:"aggregate_type"`
	AggregateID     string            `yaml:"aggregate_id"`
	ExpectedVersion int64             `yaml:"expected_version"`
	Payload         map[string]any    `yaml:"payload"`
	CorrelationID   string            `yaml:"correlation_id,omitempty"`
	Tags            map[string]string `yaml:"tags,omitempty"`

	// ExpectError is the fault code the append must fail with
	// (e.g. CONCURRENCY_CONFLICT). Empty means it must succeed.
	ExpectError fault.Code `yaml:"expect_error,omitempty"`
}

// ReplayStep is one replay session, drained to its end.
type ReplayStep struct {
	Name        string       `yaml:"name"`
	Mode        replay.Mode  `yaml:"mode"`
	Scope       replay.Scope `yaml:"scope"`
	Interactive bool         `yaml:"interactive,omitempty"`
	Sandboxed   bool         `yaml:"sandboxed,omitempty"`
	SkipUnknown bool         `yaml:"skip_unknown,omitempty"`

	// ExpectError is the fault code the replay must fail with.
	ExpectError fault.Code `yaml:"expect_error,omitempty"`
}

// WhatIfStep replays Scope with Modifications applied.
type WhatIfStep struct {
	Scope         replay.Scope          `yaml:"scope"`
	Modifications []whatif.Modification `yaml:"modifications"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Replay selects a replay by name (trace and state assertions).
	Replay string `yaml:"replay,omitempty"`

	// EventType is used by trace_contains and trace_count.
	EventType string `yaml:"event_type,omitempty"`

	// EventTypes is the expected order (trace_order).
	EventTypes []string `yaml:"event_types,omitempty"`

	// Count is the expected number of steps (trace_count).
	Count int `yaml:"count,omitempty"`

	// AggregateID selects an aggregate (final_state, divergence).
	AggregateID string `yaml:"aggregate_id,omitempty"`

	// Expect maps gjson paths to expected values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Step is a 1-based step index (step_diff, divergence).
	Step int `yaml:"step,omitempty"`

	// Paths are the expected changed paths (step_diff, divergence).
	Paths []string `yaml:"paths,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStepDiff      = "step_diff"
	AssertDivergence    = "divergence"
)

// LoadScenario reads and parses a scenario YAML file. The projections
// path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses a scenario document. Unknown fields are rejected
// so typos like "assertion:" fail loudly.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Projections != "" && !filepath.IsAbs(scenario.Projections) && baseDir != "" {
		scenario.Projections = filepath.Join(baseDir, scenario.Projections)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Projections == "" {
		return fmt.Errorf("projections is required")
	}
	if _, err := os.Stat(s.Projections); os.IsNotExist(err) {
		return fmt.Errorf("projections file not found: %s", s.Projections)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.SnapshotThreshold < 0 {
		return fmt.Errorf("snapshot_threshold must be non-negative")
	}

	for i, ev := range s.Events {
		if err := event.ValidateType(ev.Type); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
		if ev.AggregateID == "" {
			return fmt.Errorf("events[%d]: aggregate_id is required", i)
		}
		if ev.Payload == nil {
			return fmt.Errorf("events[%d]: payload is required (use {} if empty)", i)
		}
	}

	names := make(map[string]bool)
	for i, r := range s.Replays {
		if r.Name == "" {
			return fmt.Errorf("replays[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("replays[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		if !r.Mode.Valid() {
			return fmt.Errorf("replays[%d]: unknown mode %q", i, r.Mode)
		}
	}

	if s.WhatIf != nil && len(s.WhatIf.Modifications) == 0 {
		return fmt.Errorf("whatif: modifications list is required and must be non-empty")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s, names); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, s *Scenario, replays map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Replay != "" && !replays[a.Replay] {
		return fmt.Errorf("assertions[%d]: unknown replay %q", index, a.Replay)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.EventType == "" {
			return fmt.Errorf("assertions[%d]: event_type is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.EventTypes) == 0 {
			return fmt.Errorf("assertions[%d]: event_types list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.EventType == "" {
			return fmt.Errorf("assertions[%d]: event_type is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.AggregateID == "" {
			return fmt.Errorf("assertions[%d]: aggregate_id is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		if len(s.Replays) == 0 {
			return fmt.Errorf("assertions[%d]: final_state needs a replay", index)
		}
	case AssertStepDiff:
		if a.Step <= 0 {
			return fmt.Errorf("assertions[%d]: step must be positive for step_diff", index)
		}
		if a.Replay == "" {
			return fmt.Errorf("assertions[%d]: replay is required for step_diff", index)
		}
	case AssertDivergence:
		if s.WhatIf == nil {
			return fmt.Errorf("assertions[%d]: divergence needs a whatif section", index)
		}
		if a.Step < 0 {
			return fmt.Errorf("assertions[%d]: step must be non-negative for divergence", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
