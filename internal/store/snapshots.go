package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SnapshotRecord is a stored snapshot. State is canonical JSON; Checksum is
// computed and verified by the snapshot manager, not by the store.
type SnapshotRecord struct {
	AggregateType string
	AggregateID   string
	Version       int64
	Seq           int64
	State         []byte
	Checksum      string
	CreatedAt     time.Time
}

// SaveSnapshot stores a snapshot. Saving the same (aggregate, version)
// twice is a no-op: a snapshot at a given version never changes.
func (s *Store) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, seq, state, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO NOTHING
	`,
		rec.AggregateID, rec.AggregateType, rec.Version, rec.Seq, string(rec.State), rec.Checksum, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", wrapIO("insert snapshot", err))
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of an aggregate with
// version <= atOrBefore (0 means no bound), or nil if there is none.
func (s *Store) LatestSnapshot(ctx context.Context, aggregateID string, atOrBefore int64) (*SnapshotRecord, error) {
	bound := atOrBefore
	if bound <= 0 {
		bound = 1<<63 - 1
	}
	row := s.reader.QueryRowContext(ctx, `
		SELECT aggregate_type, aggregate_id, version, seq, state, checksum, created_at
		FROM snapshots
		WHERE aggregate_id = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, aggregateID, bound)

	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", wrapIO("query snapshot", err))
	}
	return &rec, nil
}

// ListSnapshots returns an aggregate's snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, aggregateID string) ([]SnapshotRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT aggregate_type, aggregate_id, version, seq, state, checksum, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", wrapIO("query snapshots", err))
	}
	defer rows.Close()

	records := []SnapshotRecord{}
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", wrapIO("scan snapshot", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", wrapIO("iterate snapshots", err))
	}
	return records, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of an aggregate
// and returns how many were deleted.
func (s *Store) PruneSnapshots(ctx context.Context, aggregateID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE aggregate_id = ? AND version NOT IN (
			SELECT version FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT ?
		)
	`, aggregateID, aggregateID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", wrapIO("delete snapshots", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", wrapIO("rows affected", err))
	}
	return n, nil
}

// DeleteSnapshots removes every snapshot of an aggregate.
func (s *Store) DeleteSnapshots(ctx context.Context, aggregateID string) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID); err != nil {
		return fmt.Errorf("delete snapshots: %w", wrapIO("delete snapshots", err))
	}
	return nil
}

func scanSnapshot(sc scanner) (SnapshotRecord, error) {
	var (
		rec       SnapshotRecord
		state     string
		createdAt int64
	)
	if err := sc.Scan(&rec.AggregateType, &rec.AggregateID, &rec.Version, &rec.Seq, &state, &rec.Checksum, &createdAt); err != nil {
		return SnapshotRecord{}, err
	}
	rec.State = []byte(state)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}
