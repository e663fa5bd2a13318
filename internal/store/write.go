package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/telemetry"
)

// AppendRequest describes one event to append.
//
// ExpectedVersion is the aggregate version the caller believes is current
// (0 for a new aggregate). The event is stored at ExpectedVersion+1.
type AppendRequest struct {
	EventType       string
	AggregateType   string
	AggregateID     string
	ExpectedVersion int64
	Payload         ir.Object
	Metadata        event.Metadata
	Tags            event.Tags
	// OccurredAt defaults to the store clock. Stored with millisecond precision.
	OccurredAt time.Time
}

// AppendResult reports the identity assigned to an appended event.
type AppendResult struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq"`
	Version int64  `json:"version"`
}

type preparedEvent struct {
	req        AppendRequest
	payload    string
	tags       string
	occurredAt int64
}

// Append durably appends one event.
//
// Fails with *ConflictError if the aggregate's current version is not
// req.ExpectedVersion. Of two concurrent appends with the same expected
// version exactly one succeeds.
func (s *Store) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	results, err := s.AppendBatch(ctx, []AppendRequest{req})
	if err != nil {
		return AppendResult{}, err
	}
	return results[0], nil
}

// AppendBatch appends several events for one aggregate in a single
// transaction. Request i must expect version reqs[0].ExpectedVersion+i.
// Either every event is appended or none is.
func (s *Store) AppendBatch(ctx context.Context, reqs []AppendRequest) (results []AppendResult, err error) {
	ctx, span := telemetry.Tracer("store").Start(ctx, "store.Append")
	defer func() { telemetry.End(span, err) }()
	timer := prometheus.NewTimer(telemetry.AppendDuration)
	defer timer.ObserveDuration()

	prepared, err := s.prepareBatch(reqs)
	if err != nil {
		telemetry.AppendsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("append: %w", err)
	}
	first := reqs[0]
	span.SetAttributes(
		telemetry.String("aggregate_id", first.AggregateID),
		telemetry.Int64("expected_version", first.ExpectedVersion),
	)

	results, err = s.appendTx(ctx, prepared)
	switch {
	case err == nil:
		telemetry.AppendsTotal.WithLabelValues("ok").Inc()
	case IsConflict(err):
		telemetry.AppendsTotal.WithLabelValues("conflict").Inc()
		s.logger.Debug("append conflict", "aggregate_id", first.AggregateID, "error", err)
	case fault.IsInvalid(err):
		telemetry.AppendsTotal.WithLabelValues("invalid").Inc()
	default:
		telemetry.AppendsTotal.WithLabelValues("error").Inc()
		s.logger.Error("append failed", "aggregate_id", first.AggregateID, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	return results, nil
}

// prepareBatch validates requests and serializes payloads outside the
// write transaction.
func (s *Store) prepareBatch(reqs []AppendRequest) ([]preparedEvent, error) {
	if len(reqs) == 0 {
		return nil, fault.Invalidf("no events to append")
	}
	first := reqs[0]
	prepared := make([]preparedEvent, 0, len(reqs))
	for i, req := range reqs {
		if req.AggregateID != first.AggregateID || req.AggregateType != first.AggregateType {
			return nil, fault.Invalidf("batch mixes aggregates: %s/%s and %s/%s",
				first.AggregateType, first.AggregateID, req.AggregateType, req.AggregateID)
		}
		if req.ExpectedVersion != first.ExpectedVersion+int64(i) {
			return nil, fault.Invalidf("batch event %d expects version %d, want %d",
				i, req.ExpectedVersion, first.ExpectedVersion+int64(i))
		}
		p, err := s.prepare(req)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}
	return prepared, nil
}

func (s *Store) prepare(req AppendRequest) (preparedEvent, error) {
	if err := event.ValidateType(req.EventType); err != nil {
		return preparedEvent{}, err
	}
	if req.AggregateType == "" || req.AggregateID == "" {
		return preparedEvent{}, fault.Invalidf("aggregate type and id are required")
	}
	if req.ExpectedVersion < 0 {
		return preparedEvent{}, fault.Invalidf("expected version must be >= 0, got %d", req.ExpectedVersion)
	}
	if req.Metadata.SchemaVersion == 0 {
		req.Metadata.SchemaVersion = 1
	}
	if err := req.Metadata.Validate(); err != nil {
		return preparedEvent{}, err
	}
	if req.Payload == nil {
		req.Payload = ir.Object{}
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.EventType, req.Payload); err != nil {
			return preparedEvent{}, err
		}
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return preparedEvent{}, fault.Invalidf("%v", err)
	}
	tags, err := marshalTags(req.Tags)
	if err != nil {
		return preparedEvent{}, fault.Invalidf("%v", err)
	}
	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock.Now()
	}
	return preparedEvent{req: req, payload: payload, tags: tags, occurredAt: toMillis(occurred)}, nil
}

func (s *Store) appendTx(ctx context.Context, batch []preparedEvent) ([]AppendResult, error) {
	first := batch[0].req

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapIO("begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	var (
		boundType sql.NullString
		current   sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT aggregate_type, MAX(aggregate_version)
		FROM events
		WHERE aggregate_id = ?
	`, first.AggregateID).Scan(&boundType, &current)
	if err != nil {
		return nil, wrapIO("read aggregate version", err)
	}
	if boundType.Valid && boundType.String != first.AggregateType {
		return nil, fault.Invalidf("aggregate %q has type %q, not %q",
			first.AggregateID, boundType.String, first.AggregateType)
	}
	if current.Int64 != first.ExpectedVersion {
		return nil, &ConflictError{AggregateID: first.AggregateID, Expected: first.ExpectedVersion, Actual: current.Int64}
	}

	var lastSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&lastSeq); err != nil {
		return nil, wrapIO("read last seq", err)
	}

	recordedAt := toMillis(s.clock.Now())
	results := make([]AppendResult, 0, len(batch))
	for i, p := range batch {
		seq := lastSeq + int64(i) + 1
		version := p.req.ExpectedVersion + 1
		id := s.ids.NewID()

		_, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(seq, id, event_type, aggregate_type, aggregate_id, aggregate_version, payload,
			 correlation_id, causation_id, source, schema_version, tags, occurred_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			seq, id, p.req.EventType, p.req.AggregateType, p.req.AggregateID, version, p.payload,
			p.req.Metadata.CorrelationID, p.req.Metadata.CausationID, p.req.Metadata.Source,
			p.req.Metadata.SchemaVersion, p.tags, p.occurredAt, recordedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &ConflictError{AggregateID: p.req.AggregateID, Expected: p.req.ExpectedVersion, Actual: version}
			}
			return nil, wrapIO("insert event", err)
		}

		for _, k := range sortedTagKeys(p.req.Tags) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO event_tags (tag_key, tag_value, seq) VALUES (?, ?, ?)
			`, k, p.req.Tags[k], seq); err != nil {
				return nil, wrapIO("index tag", err)
			}
		}
		results = append(results, AppendResult{EventID: id, Seq: seq, Version: version})
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapIO("commit", err)
	}
	return results, nil
}
