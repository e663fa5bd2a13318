package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/testutil"
)

func snapshotAt(version int64) SnapshotRecord {
	return SnapshotRecord{
		AggregateType: "order",
		AggregateID:   "order-1",
		Version:       version,
		Seq:           version * 2,
		State:         []byte(`{"v":1}`),
		Checksum:      "sum",
		CreatedAt:     testutil.Epoch,
	}
}

func TestSnapshots_LatestAtOrBefore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, v := range []int64{100, 200, 300} {
		require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(v)))
	}

	tests := []struct {
		name  string
		bound int64
		want  int64
	}{
		{"unbounded", 0, 300},
		{"exact", 200, 200},
		{"between", 299, 200},
		{"before first", 99, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.LatestSnapshot(ctx, "order-1", tt.bound)
			require.NoError(t, err)
			if tt.want == 0 {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Version)
			assert.Equal(t, tt.want*2, rec.Seq)
		})
	}
}

func TestSnapshots_SaveIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := snapshotAt(100)
	require.NoError(t, s.SaveSnapshot(ctx, first))
	second := snapshotAt(100)
	second.Checksum = "other"
	require.NoError(t, s.SaveSnapshot(ctx, second))

	rec, err := s.LatestSnapshot(ctx, "order-1", 0)
	require.NoError(t, err)
	assert.Equal(t, first, *rec)
}

func TestSnapshots_PruneKeepsNewest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, v := range []int64{100, 200, 300, 400} {
		require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(v)))
	}

	n, err := s.PruneSnapshots(ctx, "order-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := s.ListSnapshots(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(300), list[0].Version)
	assert.Equal(t, int64(400), list[1].Version)

	require.NoError(t, s.DeleteSnapshots(ctx, "order-1"))
	list, err = s.ListSnapshots(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
