package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/whatif"
)

// WhatIfOptions holds flags for the whatif command.
type WhatIfOptions struct {
	*RootOptions
	AggregateID   string
	AggregateType string
	EventID       string
	Version       int64
	Set           []string
	Remove        []string
}

// NewWhatIfCommand creates the whatif command.
func NewWhatIfCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WhatIfOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "whatif",
		Short: "Replay with a modified event and compare outcomes",
		Long: `Replay an aggregate twice, once as stored and once with one event's
payload patched, and report where and how far the outcomes diverge.

Both runs are sandboxed and the stored event is never changed. Values of
--set are JSON; paths use sjson syntax.

Examples:
  rewind whatif --aggregate order-42 --version 2 --set quantity=5
  rewind whatif --aggregate order-42 --event 0190f1c2-... --set 'sku="B-2"' --remove note
  rewind whatif --aggregate order-42 --version 2 --set quantity=5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				return runWhatIf(ctx, app, out, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().StringVar(&opts.AggregateType, "aggregate-type", "", "aggregate type")
	cmd.Flags().StringVar(&opts.EventID, "event", "", "id of the event to modify")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "version of the event to modify")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "payload change as path=json (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Remove, "remove", nil, "payload path to remove (repeatable)")
	_ = cmd.MarkFlagRequired("aggregate")

	return cmd
}

func (o *WhatIfOptions) modification() (whatif.Modification, error) {
	m := whatif.Modification{EventID: o.EventID}
	if o.EventID == "" {
		m.AggregateID, m.Version = o.AggregateID, o.Version
	}
	for _, s := range o.Set {
		path, raw, ok := strings.Cut(s, "=")
		if !ok || path == "" {
			return m, fault.Invalidf("--set %q: want path=json", s)
		}
		v, err := ir.Unmarshal([]byte(raw))
		if err != nil {
			return m, fault.Invalidf("--set %s: %v", path, err)
		}
		m.Ops = append(m.Ops, whatif.PatchOp{Op: whatif.OpSet, Path: path, Value: v})
	}
	for _, path := range o.Remove {
		m.Ops = append(m.Ops, whatif.PatchOp{Op: whatif.OpRemove, Path: path})
	}
	return m, m.Validate()
}

func runWhatIf(ctx context.Context, app *App, out *OutputFormatter, opts *WhatIfOptions) error {
	m, err := opts.modification()
	if err != nil {
		return out.Fail("invalid modification", err)
	}
	res, err := app.WhatIf.ReplayWithModifications(ctx, []whatif.Modification{m}, replay.Scope{
		AggregateType: opts.AggregateType,
		AggregateID:   opts.AggregateID,
	})
	if err != nil {
		return out.Fail("what-if failed", err)
	}

	if out.JSON() {
		return out.Success(res)
	}
	w := out.Writer
	c := res.Comparison
	if len(res.Applied) == 0 {
		fmt.Fprintln(w, "No event matched the modification.")
	}
	if !c.Diverged {
		fmt.Fprintln(w, "✓ No divergence")
		return nil
	}
	fmt.Fprintf(w, "Diverged at step %d", c.DivergenceStep)
	if c.DivergenceEvent != nil {
		fmt.Fprintf(w, " (%s %s v%d)", c.DivergenceEvent.Type, c.DivergenceEvent.AggregateID, c.DivergenceEvent.Version)
	}
	fmt.Fprintln(w)
	aggIDs := make([]string, 0, len(c.Changes))
	for aggID := range c.Changes {
		aggIDs = append(aggIDs, aggID)
	}
	sort.Strings(aggIDs)
	for _, aggID := range aggIDs {
		for _, ch := range c.Changes[aggID].Changes {
			fmt.Fprintf(w, "  %s %s: %s\n", aggID, ch.Path, changeText(ch.Old, ch.New))
		}
	}
	fmt.Fprintf(w, "Magnitude: %d path(s), numeric delta %d, %d step(s) diverged\n",
		c.Magnitude.ChangedPaths, c.Magnitude.NumericDelta, c.Magnitude.DivergedSteps)
	return nil
}

func changeText(from, to ir.Value) string {
	render := func(v ir.Value) string {
		if v == nil {
			return "∅"
		}
		return string(ir.MustMarshalCanonical(v))
	}
	return render(from) + " → " + render(to)
}
