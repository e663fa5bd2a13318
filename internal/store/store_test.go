package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"events", "event_tags", "snapshots", "replay_sessions"} {
		var name string
		err := s.reader.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, verifyPragma(s.writer, "journal_mode", "wal"))
	assert.NoError(t, verifyPragma(s.writer, "synchronous", "2")) // FULL
	assert.NoError(t, verifyPragma(s.writer, "busy_timeout", "5000"))
	assert.NoError(t, verifyPragma(s.writer, "foreign_keys", "1"))
	assert.NoError(t, verifyPragma(s.reader, "query_only", "1"))
	assert.NoError(t, verifyPragma(s.reader, "journal_mode", "wal"))
}

func TestOpen_ReaderCannotWrite(t *testing.T) {
	s := createTestStore(t)

	_, err := s.reader.Exec(`INSERT INTO replay_sessions (id, status, mode, data, updated_at) VALUES ('x', 'CREATED', 'forward', '{}', 0)`)
	assert.Error(t, err)
}

func TestOpen_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.writer.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	seedOrder(t, s, "order-1")
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.ReadAggregate(ctx, "order", "order-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
