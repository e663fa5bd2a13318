package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/fault"
)

// SessionRecord is a persisted replay session. Data is the engine's
// serialized session state; the store treats it as opaque JSON.
type SessionRecord struct {
	ID        string
	Status    string
	Mode      string
	Data      []byte
	UpdatedAt time.Time
}

// SaveSession inserts or replaces a persisted replay session.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO replay_sessions (id, status, mode, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			mode = excluded.mode,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Status, rec.Mode, string(rec.Data), toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session: %w", wrapIO("upsert session", err))
	}
	return nil
}

// LoadSession returns a persisted session.
func (s *Store) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT id, status, mode, data, updated_at FROM replay_sessions WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fault.NotFoundf("replay session %q", id)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session: %w", wrapIO("query session", err))
	}
	return rec, nil
}

// ListSessions returns persisted sessions ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, status, mode, data, updated_at FROM replay_sessions ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapIO("query sessions", err))
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", wrapIO("scan session", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapIO("iterate sessions", err))
	}
	return records, nil
}

// DeleteSession removes a persisted session. Deleting a missing session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM replay_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", wrapIO("delete session", err))
	}
	return nil
}

func scanSession(sc scanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		data      string
		updatedAt int64
	)
	if err := sc.Scan(&rec.ID, &rec.Status, &rec.Mode, &data, &updatedAt); err != nil {
		return SessionRecord{}, err
	}
	rec.Data = []byte(data)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
