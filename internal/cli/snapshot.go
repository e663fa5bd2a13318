package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/snapshot"
)

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	Seq           int64     `json:"seq"`
	Bytes         int       `json:"bytes"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"created_at"`
}

// PruneResult is the JSON payload of snapshot prune.
type PruneResult struct {
	AggregateID string `json:"aggregate_id"`
	Deleted     int64  `json:"deleted"`
	Kept        int    `json:"kept"`
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage aggregate snapshots",
	}
	cmd.AddCommand(newSnapshotListCommand(rootOpts))
	cmd.AddCommand(newSnapshotTakeCommand(rootOpts))
	cmd.AddCommand(newSnapshotPruneCommand(rootOpts))
	return cmd
}

func newSnapshotListCommand(rootOpts *RootOptions) *cobra.Command {
	var aggregateID string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List an aggregate's snapshots",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				records, err := app.Store.ListSnapshots(ctx, aggregateID)
				if err != nil {
					return out.Fail("failed to list snapshots", err)
				}
				infos := make([]SnapshotInfo, len(records))
				for i, rec := range records {
					infos[i] = SnapshotInfo{
						AggregateType: rec.AggregateType,
						AggregateID:   rec.AggregateID,
						Version:       rec.Version,
						Seq:           rec.Seq,
						Bytes:         len(rec.State),
						Checksum:      rec.Checksum,
						CreatedAt:     rec.CreatedAt,
					}
				}
				if out.JSON() {
					return out.Success(infos)
				}
				if len(infos) == 0 {
					fmt.Fprintln(out.Writer, "No snapshots found.")
					return nil
				}
				for _, s := range infos {
					fmt.Fprintf(out.Writer, "%s v%d  seq %d  %d bytes  %s\n",
						s.AggregateID, s.Version, s.Seq, s.Bytes, s.CreatedAt.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "aggregate id (required)")
	_ = cmd.MarkFlagRequired("aggregate")
	return cmd
}

func newSnapshotTakeCommand(rootOpts *RootOptions) *cobra.Command {
	var aggregateID, aggregateType string
	cmd := &cobra.Command{
		Use:           "take",
		Short:         "Snapshot an aggregate at its latest version",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				st, err := app.Engine.StateAt(ctx, aggregateType, aggregateID, 0)
				if err != nil {
					return out.Fail("failed to load state", err)
				}
				if st.Version == 0 {
					return out.Fail("snapshot failed", fault.NotFoundf("aggregate %q has no events", aggregateID))
				}
				if err := app.Snapshots.Save(ctx, st.AggregateType, st.AggregateID, st.Version, st.Seq, st.State); err != nil {
					return out.Fail("snapshot failed", err)
				}
				if out.JSON() {
					return out.Success(st)
				}
				fmt.Fprintf(out.Writer, "✓ Snapshot of %s at v%d\n", st.AggregateID, st.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().StringVar(&aggregateType, "aggregate-type", "", "aggregate type")
	_ = cmd.MarkFlagRequired("aggregate")
	return cmd
}

func newSnapshotPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		aggregateID string
		keep        int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots of an aggregate",
		Long: `Delete all but the newest snapshots of an aggregate.

Without --keep the configured snapshot.keep is used.

Examples:
  rewind snapshot prune --aggregate order-42
  rewind snapshot prune --aggregate order-42 --keep 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				snaps, kept := app.Snapshots, app.Config.Snapshot.Keep
				if cmd.Flags().Changed("keep") {
					if keep < 0 {
						return out.Fail("invalid flags", fault.Invalidf("--keep must be >= 0"))
					}
					snaps = snapshot.NewManager(app.Store, snapshot.WithKeep(keep), snapshot.WithLogger(app.Logger))
					kept = keep
				}
				n, err := snaps.Prune(ctx, aggregateID)
				if err != nil {
					return out.Fail("prune failed", err)
				}
				res := PruneResult{AggregateID: aggregateID, Deleted: n, Kept: kept}
				if out.JSON() {
					return out.Success(res)
				}
				fmt.Fprintf(out.Writer, "✓ Pruned %d snapshot(s) of %s (keeping %d)\n", n, aggregateID, kept)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().IntVar(&keep, "keep", 0, "snapshots to keep (overrides config)")
	_ = cmd.MarkFlagRequired("aggregate")
	return cmd
}
