package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/rewind/internal/config"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/testutil"
	"github.com/roach88/rewind/internal/whatif"
)

// Harness holds the components one scenario runs against.
type Harness struct {
	store    *store.Store
	engine   *replay.Engine
	analyzer *whatif.Analyzer
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database in a temporary directory.
// Execution flow:
//  1. Load the projections file and build folds and schemas
//  2. Append the scenario's events, checking expected errors
//  3. Drain each replay, recording its steps
//  4. Run the what-if section, if any
//  5. Evaluate assertions
//
// Unexpected append or replay outcomes are recorded as result errors; an
// error is returned only when the scenario cannot be executed at all.
func Run(scenario *Scenario) (*Result, error) {
	projections, err := config.LoadProjections(scenario.Projections)
	if err != nil {
		return nil, err
	}
	folds, schemas, err := projections.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build projections: %w", err)
	}

	dir, err := os.MkdirTemp("", "rewind-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewDeterministicClock()
	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithIDGenerator(event.NewSequenceGenerator("evt")),
		store.WithClock(clock),
		store.WithValidator(schemas),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	snaps := snapshot.NewManager(st,
		snapshot.WithThreshold(scenario.SnapshotThreshold),
		snapshot.WithClock(clock),
		snapshot.WithLogger(logger),
	)
	proj := projection.NewProjector(folds, st, snaps, projection.WithLogger(logger))
	eng := replay.New(st, proj,
		replay.WithIsolator(sandbox.New(
			sandbox.WithIDGenerator(event.NewSequenceGenerator("sbx")),
			sandbox.WithLogger(logger),
		)),
		replay.WithIDGenerator(event.NewSequenceGenerator("replay")),
		replay.WithClock(clock),
		replay.WithLogger(logger),
	)
	h := &Harness{
		store:    st,
		engine:   eng,
		analyzer: whatif.New(eng, st, whatif.WithLogger(logger)),
		logger:   logger,
	}

	ctx := context.Background()
	result := NewResult()
	if err := h.executeAppends(ctx, scenario.Events, result); err != nil {
		return nil, fmt.Errorf("failed to execute appends: %w", err)
	}
	for _, r := range scenario.Replays {
		if err := h.executeReplay(ctx, r, result); err != nil {
			return nil, fmt.Errorf("failed to execute replay %s: %w", r.Name, err)
		}
	}
	if scenario.WhatIf != nil {
		res, err := h.analyzer.ReplayWithModifications(ctx, scenario.WhatIf.Modifications, scenario.WhatIf.Scope)
		if err != nil {
			result.AddError(fmt.Sprintf("whatif: %v", err))
		} else {
			result.WhatIf = &res
		}
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeAppends appends the scenario's events in order. A rejected append
// is traced with its fault code.
func (h *Harness) executeAppends(ctx context.Context, steps []EventStep, result *Result) error {
	for i, step := range steps {
		payload, err := ir.FromAny(step.Payload)
		if err != nil {
			return fmt.Errorf("events[%d]: convert payload: %w", i, err)
		}
		obj, ok := payload.(ir.Object)
		if !ok {
			return fmt.Errorf("events[%d]: payload must be an object", i)
		}
		aggregateType := step.AggregateType
		if aggregateType == "" {
			prefix, _ := event.SplitType(step.Type)
			aggregateType = strings.ToLower(prefix)
		}

		res, err := h.store.Append(ctx, store.AppendRequest{
			EventType:       step.Type,
			AggregateType:   aggregateType,
			AggregateID:     step.AggregateID,
			ExpectedVersion: step.ExpectedVersion,
			Payload:         obj,
			Metadata:        event.Metadata{CorrelationID: step.CorrelationID},
			Tags:            step.Tags,
		})
		code := fault.CodeOf(err)
		if err != nil && code == "" {
			return fmt.Errorf("events[%d]: %w", i, err)
		}

		result.Trace = append(result.Trace, TraceEvent{
			Kind:        TraceAppend,
			EventID:     res.EventID,
			EventType:   step.Type,
			AggregateID: step.AggregateID,
			Version:     res.Version,
			Seq:         res.Seq,
			Error:       string(code),
		})

		switch {
		case code != step.ExpectError && step.ExpectError == "":
			result.AddError(fmt.Sprintf("events[%d]: append %s failed: %v", i, step.Type, err))
		case code != step.ExpectError:
			result.AddError(fmt.Sprintf("events[%d]: expected %s, got %q", i, step.ExpectError, code))
		}
	}
	return nil
}

// executeReplay drains one replay session and records its steps and final
// states.
func (h *Harness) executeReplay(ctx context.Context, r ReplayStep, result *Result) error {
	id, err := h.engine.StartReplay(ctx, r.Scope, r.Mode, replay.Options{
		Interactive: r.Interactive,
		Sandboxed:   r.Sandboxed,
		SkipUnknown: r.SkipUnknown,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := h.engine.DisposeSession(id); err != nil {
			h.logger.Warn("dispose session", "session_id", id, "error", err)
		}
	}()

	var runErr error
	for {
		step, err := h.engine.GetNextStep(ctx, id)
		if errors.Is(err, replay.ErrEndOfReplay) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		result.Trace = append(result.Trace, stepTrace(r.Name, step))
	}

	outcome, err := h.outcome(r.Name, id)
	if err != nil {
		return err
	}
	if runErr != nil {
		outcome.Error = string(fault.CodeOf(runErr))
	}
	result.Replays = append(result.Replays, outcome)

	code := fault.CodeOf(runErr)
	switch {
	case runErr != nil && r.ExpectError == "":
		result.AddError(fmt.Sprintf("replay %s failed: %v", r.Name, runErr))
	case code != r.ExpectError:
		result.AddError(fmt.Sprintf("replay %s: expected %s, got %q", r.Name, r.ExpectError, code))
	}
	return nil
}

func (h *Harness) outcome(name, id string) (ReplayOutcome, error) {
	info, err := h.engine.Info(id)
	if err != nil {
		return ReplayOutcome{}, err
	}
	states, err := h.engine.States(id)
	if err != nil {
		return ReplayOutcome{}, err
	}
	state, err := h.engine.GetState(id)
	if err != nil {
		return ReplayOutcome{}, err
	}
	hash, err := ir.StateHash(state)
	if err != nil {
		return ReplayOutcome{}, err
	}
	out := ReplayOutcome{
		Name:      name,
		Status:    info.Status,
		Steps:     info.Steps,
		States:    make(map[string]ir.Object, len(states)),
		StateHash: hash,
	}
	for aggID, st := range states {
		out.States[aggID] = st.State
	}
	return out, nil
}

func stepTrace(replayName string, step replay.Step) TraceEvent {
	ev := TraceEvent{
		Kind:        TraceStep,
		Replay:      replayName,
		AggregateID: step.AggregateID,
		Version:     step.Version,
		Seq:         step.Seq,
	}
	if step.Event != nil {
		ev.EventID = step.Event.ID
		ev.EventType = step.Event.Type
	}
	if step.Diff != nil {
		ev.Changed = step.Diff.Paths()
	}
	return ev
}
