package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

// FilterFlags are the event selection flags shared by query and replay.
type FilterFlags struct {
	AggregateID   string
	AggregateType string
	EventTypes    []string
	CorrelationID string
	Tags          []string
	From          string
	To            string
	FromVersion   int64
	ToVersion     int64
}

func (f *FilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.AggregateID, "aggregate", "", "aggregate id")
	cmd.Flags().StringVar(&f.AggregateType, "aggregate-type", "", "aggregate type")
	cmd.Flags().StringArrayVar(&f.EventTypes, "type", nil, "event type (repeatable, any may match)")
	cmd.Flags().StringVar(&f.CorrelationID, "correlation", "", "correlation id")
	cmd.Flags().StringArrayVar(&f.Tags, "tag", nil, "tag as key=value (repeatable; values of one key are alternatives)")
	cmd.Flags().StringVar(&f.From, "from", "", "earliest occurrence time (RFC 3339)")
	cmd.Flags().StringVar(&f.To, "to", "", "latest occurrence time (RFC 3339)")
	cmd.Flags().Int64Var(&f.FromVersion, "from-version", 0, "first aggregate version")
	cmd.Flags().Int64Var(&f.ToVersion, "to-version", 0, "last aggregate version")
}

// filter converts the flags to a store filter.
func (f *FilterFlags) filter() (store.Filter, error) {
	from, err := parseTime("from", f.From)
	if err != nil {
		return store.Filter{}, err
	}
	to, err := parseTime("to", f.To)
	if err != nil {
		return store.Filter{}, err
	}
	tags, err := parseTagSets(f.Tags)
	if err != nil {
		return store.Filter{}, err
	}
	filter := store.Filter{
		AggregateType: f.AggregateType,
		AggregateID:   f.AggregateID,
		EventTypes:    f.EventTypes,
		CorrelationID: f.CorrelationID,
		Tags:          tags,
		From:          from,
		To:            to,
		FromVersion:   f.FromVersion,
		ToVersion:     f.ToVersion,
	}
	return filter, filter.Validate()
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fault.Invalidf("--%s: %v", name, err)
	}
	return t, nil
}

// parseTagSets groups key=value pairs by key.
func parseTagSets(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	sets := make(map[string][]string)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fault.Invalidf("tag %q: want key=value", p)
		}
		sets[k] = append(sets[k], v)
	}
	return sets, nil
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	FilterFlags
	After int64
	Limit int
	All   bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events",
		Long: `Query stored events in sequence order.

Results are paginated: pass the printed cursor as --after to fetch the
next page, or use --all to follow every page.

Examples:
  rewind query --aggregate order-42
  rewind query --type ORDER.CREATED --type ORDER.SHIPPED --limit 50
  rewind query --tag region=eu --tag region=us --from 2024-01-01T00:00:00Z
  rewind query --correlation req-7 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(ctx context.Context, app *App, out *OutputFormatter) error {
				return runQuery(ctx, app, out, opts)
			})
		},
	}

	opts.FilterFlags.register(cmd)
	cmd.Flags().Int64Var(&opts.After, "after", 0, "return events with seq greater than this cursor")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultPageSize, fmt.Sprintf("page size (max %d)", store.MaxPageSize))
	cmd.Flags().BoolVar(&opts.All, "all", false, "follow the cursor through every page")

	return cmd
}

func runQuery(ctx context.Context, app *App, out *OutputFormatter, opts *QueryOptions) error {
	filter, err := opts.filter()
	if err != nil {
		return out.Fail("invalid filter", err)
	}

	page, err := app.Store.Query(ctx, filter, store.Page{After: opts.After, Limit: opts.Limit})
	if err != nil {
		return out.Fail("query failed", err)
	}
	for opts.All && page.HasMore {
		next, err := app.Store.Query(ctx, filter, store.Page{After: page.NextCursor, Limit: opts.Limit})
		if err != nil {
			return out.Fail("query failed", err)
		}
		page.Events = append(page.Events, next.Events...)
		page.NextCursor = next.NextCursor
		page.HasMore = next.HasMore
	}

	if out.JSON() {
		return out.Success(page)
	}
	w := out.Writer
	if len(page.Events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}
	for _, ev := range page.Events {
		writeEventLine(out, ev)
	}
	if page.HasMore {
		fmt.Fprintf(w, "\nMore events available: --after %d\n", page.NextCursor)
	}
	return nil
}

func writeEventLine(out *OutputFormatter, ev event.Event) {
	fmt.Fprintf(out.Writer, "%6d  %-24s %s v%d  %s\n",
		ev.Seq, ev.Type, ev.AggregateID, ev.Version, ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	if out.Verbose {
		fmt.Fprintf(out.Writer, "        id=%s payload=%s\n", ev.ID, ir.MustMarshalCanonical(ev.Payload))
	}
}
