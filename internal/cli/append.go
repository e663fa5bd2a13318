package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	EventType       string
	AggregateID     string
	AggregateType   string
	ExpectedVersion int64 // -1 appends at the current version
	Payload         string
	Tags            []string
	CorrelationID   string
	CausationID     string
	Source          string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event",
		Long: `Append one event to an aggregate.

The append is rejected with CONCURRENCY_CONFLICT when the aggregate's
current version is not --expected-version. Storage errors are retried
with exponential backoff.

Exit codes:
  0 - Event appended
  1 - Concurrency conflict
  2 - Command error (invalid payload, storage failure, etc.)

Examples:
  rewind append --type ORDER.CREATED --aggregate order-42 --expected-version 0 --payload '{"customer":"ada"}'
  rewind append --type ORDER.SHIPPED --aggregate order-42 --tag region=eu --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, true, func(ctx context.Context, app *App, out *OutputFormatter) error {
				return runAppend(ctx, app, out, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.EventType, "type", "", "event type, e.g. ORDER.CREATED (required)")
	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().StringVar(&opts.AggregateType, "aggregate-type", "", "aggregate type (defaults to the lowercased event type prefix)")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", -1, "expected current version (-1 for whatever is current)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as a JSON object")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id")
	cmd.Flags().StringVar(&opts.CausationID, "causation", "", "causation id")
	cmd.Flags().StringVar(&opts.Source, "source", "", "event source")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("aggregate")

	return cmd
}

func runAppend(ctx context.Context, app *App, out *OutputFormatter, opts *AppendOptions) error {
	req, err := opts.request()
	if err != nil {
		return out.Fail("invalid append", err)
	}
	if opts.ExpectedVersion < 0 {
		v, err := app.Store.AggregateVersion(ctx, req.AggregateID)
		if err != nil {
			return out.Fail("failed to read aggregate version", err)
		}
		req.ExpectedVersion = v
		out.VerboseLog("Expected version: %d", v)
	}

	res, err := store.Retry(ctx, store.DefaultRetryTries, func() (store.AppendResult, error) {
		return app.Store.Append(ctx, req)
	})
	if err != nil {
		return out.Fail("append failed", err)
	}

	if out.JSON() {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "✓ %s %s v%d (seq %d, id %s)\n",
		req.EventType, req.AggregateID, res.Version, res.Seq, res.EventID)
	return nil
}

func (o *AppendOptions) request() (store.AppendRequest, error) {
	payload, err := ir.UnmarshalObject([]byte(o.Payload))
	if err != nil {
		return store.AppendRequest{}, fault.Invalidf("payload: %v", err)
	}
	tags, err := parseTags(o.Tags)
	if err != nil {
		return store.AppendRequest{}, err
	}
	aggregateType := o.AggregateType
	if aggregateType == "" {
		prefix, _ := event.SplitType(o.EventType)
		aggregateType = strings.ToLower(prefix)
	}
	return store.AppendRequest{
		EventType:       o.EventType,
		AggregateType:   aggregateType,
		AggregateID:     o.AggregateID,
		ExpectedVersion: o.ExpectedVersion,
		Payload:         payload,
		Metadata: event.Metadata{
			CorrelationID: o.CorrelationID,
			CausationID:   o.CausationID,
			Source:        o.Source,
		},
		Tags: tags,
	}, nil
}

// parseTags parses key=value pairs. Nil when there are none.
func parseTags(pairs []string) (event.Tags, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(event.Tags, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fault.Invalidf("tag %q: want key=value", p)
		}
		tags[k] = v
	}
	return tags, nil
}
