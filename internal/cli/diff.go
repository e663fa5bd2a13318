package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
)

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	AggregateID   string
	AggregateType string
	From          int64
	To            int64 // 0 means the latest version
}

// DiffOutput is the JSON payload of the diff command.
type DiffOutput struct {
	AggregateID string      `json:"aggregate_id"`
	From        int64       `json:"from"`
	To          int64       `json:"to"`
	Diff        diff.Result `json:"diff"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff an aggregate's state between two versions",
		Long: `Show what changed in an aggregate's state between two versions.

Version 0 is the empty state before the first event. Without --to the
latest version is used.

Examples:
  rewind diff --aggregate order-42 --from 2 --to 3
  rewind diff --aggregate order-42 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				return runDiff(ctx, app, out, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().StringVar(&opts.AggregateType, "aggregate-type", "", "aggregate type")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "base version")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "target version (default latest)")
	_ = cmd.MarkFlagRequired("aggregate")

	return cmd
}

func runDiff(ctx context.Context, app *App, out *OutputFormatter, opts *DiffOptions) error {
	to := opts.To
	if to == 0 {
		latest, err := app.Store.AggregateVersion(ctx, opts.AggregateID)
		if err != nil {
			return out.Fail("failed to read aggregate version", err)
		}
		if latest == 0 {
			return out.Fail("diff failed", fault.NotFoundf("aggregate %q has no events", opts.AggregateID))
		}
		to = latest
	}

	// The session only anchors the diff to the aggregate; it is never stepped.
	id, err := app.Engine.StartReplay(ctx, replay.Scope{
		AggregateType: opts.AggregateType,
		AggregateID:   opts.AggregateID,
	}, replay.ModeForward, replay.Options{Interactive: true})
	if err != nil {
		return out.Fail("failed to start session", err)
	}
	defer func() {
		if err := app.Engine.DisposeSession(id); err != nil {
			app.Logger.Warn("dispose session", "session_id", id, "error", err)
		}
	}()

	d, err := app.Debug.Diff(ctx, id, opts.From, to)
	if err != nil {
		return out.Fail("diff failed", err)
	}

	if out.JSON() {
		return out.Success(DiffOutput{AggregateID: opts.AggregateID, From: opts.From, To: to, Diff: d})
	}
	w := out.Writer
	fmt.Fprintf(w, "%s v%d → v%d: %d added, %d modified, %d deleted\n",
		opts.AggregateID, opts.From, to, d.TotalAdded, d.TotalModified, d.TotalDeleted)
	for _, c := range d.Changes {
		switch c.Type {
		case diff.ChangeAdded:
			fmt.Fprintf(w, "  + %s: %s\n", c.Path, ir.MustMarshalCanonical(c.New))
		case diff.ChangeDeleted:
			fmt.Fprintf(w, "  - %s: %s\n", c.Path, ir.MustMarshalCanonical(c.Old))
		default:
			fmt.Fprintf(w, "  ~ %s: %s → %s\n", c.Path, ir.MustMarshalCanonical(c.Old), ir.MustMarshalCanonical(c.New))
		}
	}
	return nil
}
