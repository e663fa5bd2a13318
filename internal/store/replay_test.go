package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/testutil"
)

func TestSessions_SaveLoadUpsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{ID: "rs-1", Status: "PAUSED", Mode: "forward", Data: []byte(`{"cursor":3}`), UpdatedAt: testutil.Epoch}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.LoadSession(ctx, "rs-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Status = "COMPLETED"
	rec.Data = []byte(`{"cursor":9}`)
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err = s.LoadSession(ctx, "rs-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.JSONEq(t, `{"cursor":9}`, string(got.Data))
}

func TestSessions_ListAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"rs-b", "rs-a"} {
		require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: id, Status: "CREATED", Mode: "forward", Data: []byte(`{}`)}))
	}

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "rs-a", list[0].ID)

	require.NoError(t, s.DeleteSession(ctx, "rs-a"))
	require.NoError(t, s.DeleteSession(ctx, "rs-a"))

	_, err = s.LoadSession(ctx, "rs-a")
	assert.True(t, fault.IsNotFound(err))

	list, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
