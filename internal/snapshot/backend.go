package snapshot

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/roach88/rewind/internal/store"
)

// Backend persists snapshot records. *store.Store implements it.
type Backend interface {
	SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) error
	LatestSnapshot(ctx context.Context, aggregateID string, atOrBefore int64) (*store.SnapshotRecord, error)
	PruneSnapshots(ctx context.Context, aggregateID string, keep int) (int64, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = NoopBackend{}
)

// MemoryBackend keeps snapshots in memory. Safe for concurrent use.
type MemoryBackend struct {
	mu   sync.Mutex
	recs map[string][]store.SnapshotRecord // ascending version
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{recs: make(map[string][]store.SnapshotRecord)}
}

// SaveSnapshot stores rec unless a snapshot at the same version exists.
func (b *MemoryBackend) SaveSnapshot(_ context.Context, rec store.SnapshotRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.recs[rec.AggregateID]
	i, found := slices.BinarySearchFunc(list, rec.Version, func(r store.SnapshotRecord, v int64) int {
		return cmp.Compare(r.Version, v)
	})
	if found {
		return nil
	}
	rec.State = slices.Clone(rec.State)
	b.recs[rec.AggregateID] = slices.Insert(list, i, rec)
	return nil
}

// LatestSnapshot returns the newest snapshot with version <= atOrBefore
// (0 means unbounded), or nil.
func (b *MemoryBackend) LatestSnapshot(_ context.Context, aggregateID string, atOrBefore int64) (*store.SnapshotRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.recs[aggregateID]
	for i := len(list) - 1; i >= 0; i-- {
		if atOrBefore <= 0 || list[i].Version <= atOrBefore {
			rec := list[i]
			rec.State = slices.Clone(rec.State)
			return &rec, nil
		}
	}
	return nil, nil
}

// PruneSnapshots keeps the newest keep snapshots.
func (b *MemoryBackend) PruneSnapshots(_ context.Context, aggregateID string, keep int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.recs[aggregateID]
	if keep < 0 {
		keep = 0
	}
	if len(list) <= keep {
		return 0, nil
	}
	removed := len(list) - keep
	b.recs[aggregateID] = slices.Clone(list[removed:])
	return int64(removed), nil
}

// Corrupt overwrites the stored state of a snapshot without updating its
// checksum. Test helper for exercising corruption handling.
func (b *MemoryBackend) Corrupt(aggregateID string, version int64, state []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rec := range b.recs[aggregateID] {
		if rec.Version == version {
			b.recs[aggregateID][i].State = slices.Clone(state)
			return true
		}
	}
	return false
}

// NoopBackend stores nothing; every lookup misses.
type NoopBackend struct{}

func (NoopBackend) SaveSnapshot(context.Context, store.SnapshotRecord) error { return nil }

func (NoopBackend) LatestSnapshot(context.Context, string, int64) (*store.SnapshotRecord, error) {
	return nil, nil
}

func (NoopBackend) PruneSnapshots(context.Context, string, int) (int64, error) { return 0, nil }
