// Package whatif replays history with patched event payloads and compares
// the outcome with the original.
//
// Patches are applied while events are folded. Stored events are never
// touched, and both runs are sandboxed so no side effect of the alternate
// history escapes.
package whatif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/sandbox"
)

// EventLookup resolves modifications that name events by id.
type EventLookup interface {
	GetEvent(ctx context.Context, id string) (event.Event, error)
}

// Result holds both runs and their comparison.
type Result struct {
	Scope    replay.Scope `json:"scope"`
	Original Run          `json:"original"`
	Modified Run          `json:"modified"`
	// Applied lists the ids of events that were patched, in fold order.
	Applied    []string   `json:"applied"`
	Comparison Comparison `json:"comparison"`
}

// Analyzer runs what-if replays. The engine must have a sandbox isolator.
type Analyzer struct {
	engine *replay.Engine
	events EventLookup
	limits sandbox.Limits
	logger *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLimits sets the sandbox limits of both runs.
func WithLimits(l sandbox.Limits) Option {
	return func(a *Analyzer) { a.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an analyzer.
func New(engine *replay.Engine, events EventLookup, opts ...Option) *Analyzer {
	a := &Analyzer{
		engine: engine,
		events: events,
		limits: sandbox.DefaultLimits(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// target is the aggregate version a modification applies to.
type target struct {
	aggregateID string
	version     int64
}

// ReplayWithModifications replays scope twice, once as recorded and once
// with mods applied, and compares the two. Both runs are interactive and
// sandboxed and use the same snapshot ceiling, set below the earliest
// patched version so no snapshot hides a patch.
func (a *Analyzer) ReplayWithModifications(ctx context.Context, mods []Modification, scope replay.Scope) (Result, error) {
	if len(mods) == 0 {
		return Result{}, fault.Invalidf("no modifications")
	}
	targets := make([]target, 0, len(mods))
	for _, m := range mods {
		if err := m.Validate(); err != nil {
			return Result{}, err
		}
		t, err := a.resolve(ctx, m)
		if err != nil {
			return Result{}, err
		}
		targets = append(targets, t)
	}

	opts := replay.Options{Interactive: true, Sandboxed: true, Limits: a.limits}
	if ceiling, ok := snapshotCeiling(scope, targets); !ok {
		opts.DisableSnapshots = true
	} else {
		opts.SnapshotCeiling = ceiling
	}

	var (
		mu      sync.Mutex
		applied []string
		seen    = make(map[string]bool)
	)
	modified := opts
	modified.Transform = func(ev event.Event) (event.Event, error) {
		hit := false
		for _, m := range mods {
			if !m.Matches(ev) {
				continue
			}
			payload, err := m.Apply(ev.Payload)
			if err != nil {
				return ev, fmt.Errorf("modify %s: %w", ev.ID, err)
			}
			ev.Payload = payload
			hit = true
		}
		if hit {
			mu.Lock()
			if !seen[ev.ID] {
				seen[ev.ID] = true
				applied = append(applied, ev.ID)
			}
			mu.Unlock()
		}
		return ev, nil
	}

	res := Result{Scope: scope}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		run, err := a.run(gctx, scope, opts)
		if err != nil {
			return fmt.Errorf("original replay: %w", err)
		}
		res.Original = run
		return nil
	})
	g.Go(func() error {
		run, err := a.run(gctx, scope, modified)
		if err != nil {
			return fmt.Errorf("modified replay: %w", err)
		}
		res.Modified = run
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res.Applied = applied
	if res.Applied == nil {
		res.Applied = []string{}
	}
	if len(res.Applied) < len(mods) {
		a.logger.Warn("some modifications matched no event in scope",
			"modifications", len(mods), "applied", len(res.Applied))
	}
	res.Comparison = Compare(res.Original, res.Modified)
	a.logger.Info("what-if replay finished",
		"aggregate_id", scope.AggregateID,
		"diverged", res.Comparison.Diverged,
		"divergence_step", res.Comparison.DivergenceStep,
		"changed_paths", res.Comparison.Magnitude.ChangedPaths)
	return res, nil
}

func (a *Analyzer) resolve(ctx context.Context, m Modification) (target, error) {
	if m.EventID == "" {
		return target{aggregateID: m.AggregateID, version: m.Version}, nil
	}
	if a.events == nil {
		return target{}, fault.Invalidf("modification by event id needs an event lookup")
	}
	ev, err := a.events.GetEvent(ctx, m.EventID)
	if err != nil {
		return target{}, fmt.Errorf("resolve modification: %w", err)
	}
	return target{aggregateID: ev.AggregateID, version: ev.Version}, nil
}

// snapshotCeiling is the highest snapshot version both runs may start
// from. ok is false when no snapshot may be used at all.
func snapshotCeiling(scope replay.Scope, targets []target) (ceiling int64, ok bool) {
	lowest := int64(0)
	for _, t := range targets {
		if scope.Aggregate() && t.aggregateID != scope.AggregateID {
			continue
		}
		if lowest == 0 || t.version < lowest {
			lowest = t.version
		}
	}
	if lowest <= 1 {
		return 0, false
	}
	return lowest - 1, true
}

// run drains a forward session and disposes it.
func (a *Analyzer) run(ctx context.Context, scope replay.Scope, opts replay.Options) (Run, error) {
	id, err := a.engine.StartReplay(ctx, scope, replay.ModeForward, opts)
	if err != nil {
		return Run{}, err
	}
	defer func() {
		if err := a.engine.DisposeSession(id); err != nil {
			a.logger.Warn("dispose what-if session", "session_id", id, "error", err)
		}
	}()

	out := Run{SessionID: id, Steps: []replay.Step{}}
	for {
		step, err := a.engine.GetNextStep(ctx, id)
		if errors.Is(err, replay.ErrEndOfReplay) {
			break
		}
		if err != nil {
			return Run{}, err
		}
		out.Steps = append(out.Steps, step)
	}
	if out.States, err = a.engine.States(id); err != nil {
		return Run{}, err
	}
	if out.Effects, err = a.engine.Effects(id); err != nil {
		return Run{}, err
	}
	return out, nil
}
