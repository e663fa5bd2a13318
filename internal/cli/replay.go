package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/debug"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/sandbox"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	FilterFlags
	Mode        string
	Interactive bool
	Sandbox     bool
	SkipUnknown bool
	Steps       bool // print every step
	Resume      string
	Persist     bool

	BreakType    string
	BreakVersion int64
	BreakPath    string
	BreakEquals  string
}

// ReplayOutput is the JSON payload of the replay command.
type ReplayOutput struct {
	SessionID string                           `json:"session_id"`
	Status    replay.Status                    `json:"status"`
	Steps     []replay.Step                    `json:"steps,omitempty"`
	Stop      *debug.Stop                      `json:"stop,omitempty"`
	States    map[string]replay.AggregateState `json:"states"`
	StateHash string                           `json:"state_hash"`
	Effects   []sandbox.Effect                 `json:"effects,omitempty"`
	Persisted bool                             `json:"persisted,omitempty"`
	Error     string                           `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay events into state",
		Long: `Replay stored events through the configured folds.

Modes:
  forward    - apply events in order (default)
  reverse    - walk one aggregate backwards, from its latest state to empty
  selective  - fold only events matching --type/--tag on one aggregate

With a breakpoint flag the replay runs interactively and stops before the
first matching event. --persist saves the stopped session so a later
--resume continues it.

Exit codes:
  0 - Replay completed (or stopped at a breakpoint)
  1 - Replay failed (unknown event type, fold error, sandbox limit)
  2 - Command error (invalid scope, database not found, etc.)

Examples:
  rewind replay --aggregate order-42 --steps
  rewind replay --aggregate order-42 --mode reverse
  rewind replay --aggregate order-42 --mode selective --type ORDER.ITEM_ADDED
  rewind replay --aggregate order-42 --break-type ORDER.SHIPPED --persist
  rewind replay --resume 0190f1c2-...
  rewind replay --correlation req-7 --sandbox --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				return runReplay(ctx, app, out, opts)
			})
		},
	}

	opts.FilterFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Mode, "mode", string(replay.ModeForward), "replay mode (forward|reverse|selective)")
	cmd.Flags().BoolVar(&opts.Interactive, "interactive", false, "one step per event")
	cmd.Flags().BoolVar(&opts.Sandbox, "sandbox", false, "run folds and hooks in a sandbox and capture side effects")
	cmd.Flags().BoolVar(&opts.SkipUnknown, "skip-unknown", false, "skip events with no registered fold")
	cmd.Flags().BoolVar(&opts.Steps, "steps", false, "print every step")
	cmd.Flags().StringVar(&opts.Resume, "resume", "", "resume a persisted session")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "persist the session when it stops at a breakpoint")
	cmd.Flags().StringVar(&opts.BreakType, "break-type", "", "stop before the first event of this type")
	cmd.Flags().Int64Var(&opts.BreakVersion, "break-version", 0, "stop before the event at this version")
	cmd.Flags().StringVar(&opts.BreakPath, "break-path", "", "stop when this state path exists (gjson syntax)")
	cmd.Flags().StringVar(&opts.BreakEquals, "break-equals", "", "with --break-path: stop when the path has this value")

	return cmd
}

func (o *ReplayOptions) scope() (replay.Scope, error) {
	f, err := o.filter()
	if err != nil {
		return replay.Scope{}, err
	}
	return replay.Scope{
		AggregateType: f.AggregateType,
		AggregateID:   f.AggregateID,
		FromVersion:   f.FromVersion,
		ToVersion:     f.ToVersion,
		CorrelationID: f.CorrelationID,
		From:          f.From,
		To:            f.To,
		EventTypes:    f.EventTypes,
		Tags:          f.Tags,
	}, nil
}

func (o *ReplayOptions) condition() (debug.Condition, bool) {
	c := debug.Condition{
		EventType: o.BreakType,
		Version:   o.BreakVersion,
		StatePath: o.BreakPath,
		Equals:    o.BreakEquals,
	}
	set := c.EventType != "" || c.Version != 0 || c.StatePath != "" || c.Equals != ""
	return c, set
}

func runReplay(ctx context.Context, app *App, out *OutputFormatter, opts *ReplayOptions) error {
	cond, breaking := opts.condition()

	var id string
	if opts.Resume != "" {
		resumed, err := app.Engine.Resume(ctx, opts.Resume)
		if err != nil {
			return out.Fail("failed to resume session", err)
		}
		id = resumed
	} else {
		scope, err := opts.scope()
		if err != nil {
			return out.Fail("invalid scope", err)
		}
		started, err := app.Engine.StartReplay(ctx, scope, replay.Mode(opts.Mode), app.replayOptions(replay.Options{
			Interactive: opts.Interactive || breaking,
			Sandboxed:   opts.Sandbox,
			SkipUnknown: opts.SkipUnknown,
		}))
		if err != nil {
			return out.Fail("failed to start replay", err)
		}
		id = started
	}
	out.VerboseLog("Session: %s", id)

	result := ReplayOutput{SessionID: id}
	var runErr error
	if breaking {
		result.Stop, result.Steps, runErr = continueToBreakpoint(ctx, app, id, cond)
	} else {
		result.Steps, runErr = drain(ctx, app.Engine, id)
	}

	stopped := result.Stop != nil && result.Stop.Reason == debug.StopBreakpoint
	if stopped && opts.Persist {
		if err := app.Engine.Persist(ctx, id); err != nil {
			return out.Fail("failed to persist session", err)
		}
		result.Persisted = true
	}
	if opts.Resume != "" && !stopped {
		if err := app.Engine.Discard(ctx, id); err != nil {
			app.Logger.Warn("discard session", "session_id", id, "error", err)
		}
	}

	if err := summarizeReplay(app.Engine, &result); err != nil {
		return out.Fail("failed to summarize replay", err)
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if err := app.Engine.DisposeSession(id); err != nil {
		app.Logger.Warn("dispose session", "session_id", id, "error", err)
	}

	if out.JSON() {
		if runErr != nil {
			if err := out.encode(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: errorCode(runErr), Message: runErr.Error()},
			}); err != nil {
				return err
			}
			return WrapExitError(exitCodeFor(runErr), "replay failed", runErr)
		}
		return out.Success(result)
	}

	writeReplayText(out.Writer, result, opts.Steps || opts.Interactive)
	if runErr != nil {
		fmt.Fprintf(out.Writer, "✗ %v\n", runErr)
		return WrapExitError(exitCodeFor(runErr), "replay failed", runErr)
	}
	return nil
}

// drain steps the session to its end and returns every step.
func drain(ctx context.Context, engine *replay.Engine, id string) ([]replay.Step, error) {
	steps := []replay.Step{}
	for {
		step, err := engine.GetNextStep(ctx, id)
		if errors.Is(err, replay.ErrEndOfReplay) {
			return steps, nil
		}
		if err != nil {
			return steps, err
		}
		steps = append(steps, step)
	}
}

// continueToBreakpoint runs the session until cond holds for the next
// event or the replay ends.
func continueToBreakpoint(ctx context.Context, app *App, id string, cond debug.Condition) (*debug.Stop, []replay.Step, error) {
	if _, err := app.Debug.SetBreakpoint(id, cond); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := app.Debug.Detach(id); err != nil {
			app.Logger.Warn("detach debugger", "session_id", id, "error", err)
		}
	}()
	d, err := app.Debug.Debugger(id)
	if err != nil {
		return nil, nil, err
	}
	stop, err := d.ContinueToNextBreakpoint(ctx)
	return &stop, d.Steps(), err
}

func summarizeReplay(engine *replay.Engine, r *ReplayOutput) error {
	info, err := engine.Info(r.SessionID)
	if err != nil {
		return err
	}
	states, err := engine.States(r.SessionID)
	if err != nil {
		return err
	}
	state, err := engine.GetState(r.SessionID)
	if err != nil {
		return err
	}
	hash, err := ir.StateHash(state)
	if err != nil {
		return err
	}
	effects, err := engine.Effects(r.SessionID)
	if err != nil {
		return err
	}
	r.Status = info.Status
	r.States = states
	r.StateHash = hash
	r.Effects = effects
	return nil
}

func writeReplayText(w io.Writer, r ReplayOutput, steps bool) {
	if steps {
		for _, s := range r.Steps {
			writeStepLine(w, s)
		}
	}
	if r.Stop != nil && r.Stop.Reason == debug.StopBreakpoint {
		ev := r.Stop.Pending.Event
		fmt.Fprintf(w, "● Breakpoint %s before %s %s v%d (seq %d) after %d step(s)\n",
			r.Stop.Breakpoint.ID, ev.Type, ev.AggregateID, ev.Version, ev.Seq, r.Stop.Steps)
		fmt.Fprintf(w, "  state: %s\n", ir.MustMarshalCanonical(r.Stop.Pending.Before))
		if r.Persisted {
			fmt.Fprintf(w, "  session persisted: rewind replay --resume %s\n", r.SessionID)
		}
	}

	aggIDs := make([]string, 0, len(r.States))
	for aggID := range r.States {
		aggIDs = append(aggIDs, aggID)
	}
	sort.Strings(aggIDs)
	for _, aggID := range aggIDs {
		agg := r.States[aggID]
		fmt.Fprintf(w, "%s v%d: %s\n", aggID, agg.Version, ir.MustMarshalCanonical(agg.State))
	}
	for _, fx := range r.Effects {
		performed := "captured"
		if fx.Performed {
			performed = "performed"
		}
		fmt.Fprintf(w, "  effect %d %s %s %s (%s)\n", fx.Seq, fx.Kind, fx.Detail, fx.Target, performed)
	}
	if r.Error == "" {
		fmt.Fprintf(w, "✓ %s %s\n", r.Status, r.StateHash)
	}
}

func writeStepLine(w io.Writer, s replay.Step) {
	if s.Event == nil {
		fmt.Fprintf(w, "[%d] %d event(s)\n", s.Index, s.Events)
		return
	}
	line := fmt.Sprintf("[%d] %s %s v%d", s.Index, s.Event.Type, s.AggregateID, s.Version)
	if s.Events > 1 {
		line += fmt.Sprintf(" (%d events, %d applied)", s.Events, s.Applied)
	}
	if s.Diff != nil && !s.Diff.Empty() {
		line += " [" + strings.Join(s.Diff.Paths(), ", ") + "]"
	}
	fmt.Fprintln(w, line)
}
