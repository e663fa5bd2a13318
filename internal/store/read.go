package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/telemetry"
)

// Query page limits.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Page requests one page of a query: events with seq > After.
type Page struct {
	After int64
	Limit int
}

// EventPage is one page of query results. NextCursor is the After value
// for the following page.
type EventPage struct {
	Events     []event.Event `json:"events"`
	NextCursor int64         `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// Read returns events with seq >= fromSeq matching f, in ascending seq
// order. limit <= 0 means no limit.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Read(ctx context.Context, f Filter, fromSeq int64, limit int) (events []event.Event, err error) {
	ctx, span := telemetry.Tracer("store").Start(ctx, "store.Read")
	defer func() { telemetry.End(span, err) }()
	timer := prometheus.NewTimer(telemetry.ReadDuration.WithLabelValues("read"))
	defer timer.ObserveDuration()

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	where, args := f.where(fromSeq)
	args = append(args, limit)
	rows, err := s.reader.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		WHERE `+where+`
		ORDER BY e.seq ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("read: %w", wrapIO("query events", err))
	}
	defer rows.Close()

	events = []event.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("read: %w", wrapIO("scan event", err))
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", wrapIO("iterate events", err))
	}
	span.SetAttributes(telemetry.Int64("result_count", int64(len(events))))
	return events, nil
}

// ReadAggregate returns an aggregate's events in ascending version order,
// with no gaps. Zero bounds are open. aggregateType may be empty.
func (s *Store) ReadAggregate(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int64) ([]event.Event, error) {
	if aggregateID == "" {
		return nil, fault.Invalidf("aggregate id is required")
	}
	return s.Read(ctx, Filter{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
	}, 0, 0)
}

// Query is the paginated query API.
func (s *Store) Query(ctx context.Context, f Filter, page Page) (EventPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	events, err := s.Read(ctx, f, page.After+1, limit+1)
	if err != nil {
		return EventPage{}, err
	}

	result := EventPage{Events: events, NextCursor: page.After}
	if len(events) > limit {
		result.Events = events[:limit]
		result.HasMore = true
	}
	if n := len(result.Events); n > 0 {
		result.NextCursor = result.Events[n-1].Seq
	}
	return result, nil
}

// GetEvent returns the event with the given id.
func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		WHERE e.id = ?
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fault.NotFoundf("event %q", id)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event: %w", wrapIO("query event", err))
	}
	return ev, nil
}

// AggregateVersion returns the current version of an aggregate, 0 if it
// has no events.
func (s *Store) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version sql.NullInt64
	err := s.reader.QueryRowContext(ctx, `
		SELECT MAX(aggregate_version) FROM events WHERE aggregate_id = ?
	`, aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("aggregate version: %w", wrapIO("query version", err))
	}
	return version.Int64, nil
}

// LastSeq returns the highest assigned sequence number, 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", wrapIO("query seq", err))
	}
	return seq, nil
}
