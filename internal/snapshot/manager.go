package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// Defaults for NewManager.
const (
	DefaultThreshold = 100
	DefaultKeep      = 3
)

// ErrCorruptSnapshot is returned when a stored snapshot fails checksum
// verification or cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Snapshot is a decoded, verified checkpoint of one aggregate.
type Snapshot struct {
	AggregateType string
	AggregateID   string
	Version       int64
	Seq           int64
	State         ir.Object
	Checksum      string
	CreatedAt     time.Time
}

// Manager decides when to checkpoint and verifies checkpoints on load.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	backend   Backend
	threshold int64
	keep      int
	clock     event.Clock
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]int64 // aggregate id -> version of newest snapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold sets how many versions must pass between snapshots. A
// snapshot is due as soon as the gap reaches n, so with n = 100 the
// snapshots land at versions 100, 200 and so on. A threshold <= 0 disables
// automatic snapshots.
func WithThreshold(n int64) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithKeep sets how many snapshots per aggregate Prune retains.
func WithKeep(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(c event.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over backend. A nil backend behaves like
// NoopBackend.
func NewManager(backend Backend, opts ...Option) *Manager {
	if backend == nil {
		backend = NoopBackend{}
	}
	m := &Manager{
		backend:   backend,
		threshold: DefaultThreshold,
		keep:      DefaultKeep,
		clock:     event.SystemClock{},
		logger:    slog.Default(),
		last:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the configured snapshot interval.
func (m *Manager) Threshold() int64 { return m.threshold }

// MaybeSnapshot persists state as the snapshot of aggregateID at version
// if version minus the newest snapshot's version is >= Threshold.
// It reports whether a snapshot was written.
func (m *Manager) MaybeSnapshot(ctx context.Context, aggregateType, aggregateID string, version, seq int64, state ir.Object) (bool, error) {
	if m.threshold <= 0 || version <= 0 {
		return false, nil
	}
	last, err := m.lastVersion(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	if version-last < m.threshold {
		return false, nil
	}
	if err := m.Save(ctx, aggregateType, aggregateID, version, seq, state); err != nil {
		return false, err
	}
	return true, nil
}

// Save unconditionally persists a snapshot.
func (m *Manager) Save(ctx context.Context, aggregateType, aggregateID string, version, seq int64, state ir.Object) error {
	canonical, err := ir.MarshalCanonical(stateOrEmpty(state))
	if err != nil {
		return fmt.Errorf("snapshot %s v%d: %w", aggregateID, version, err)
	}
	rec := store.SnapshotRecord{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		Seq:           seq,
		State:         canonical,
		Checksum:      ir.SnapshotChecksum(canonical),
		CreatedAt:     m.clock.Now(),
	}
	if err := m.backend.SaveSnapshot(ctx, rec); err != nil {
		return fmt.Errorf("snapshot %s v%d: %w", aggregateID, version, err)
	}

	m.mu.Lock()
	if version > m.last[aggregateID] {
		m.last[aggregateID] = version
	}
	m.mu.Unlock()

	telemetry.SnapshotsWritten.Inc()
	m.logger.Debug("snapshot written", "aggregate_id", aggregateID, "version", version, "bytes", len(canonical))
	return nil
}

// LatestSnapshot returns the newest verified snapshot with version <=
// atOrBefore (0 means unbounded), or nil if there is none.
func (m *Manager) LatestSnapshot(ctx context.Context, aggregateID string, atOrBefore int64) (*Snapshot, error) {
	rec, err := m.backend.LatestSnapshot(ctx, aggregateID, atOrBefore)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return decode(rec)
}

// Prune deletes all but the newest Keep snapshots of aggregateID.
func (m *Manager) Prune(ctx context.Context, aggregateID string) (int64, error) {
	n, err := m.backend.PruneSnapshots(ctx, aggregateID, m.keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if n > 0 {
		m.logger.Info("snapshots pruned", "aggregate_id", aggregateID, "deleted", n, "kept", m.keep)
	}
	return n, nil
}

// Forget drops the cached newest-snapshot version for aggregateID so the
// next MaybeSnapshot re-reads it from the backend.
func (m *Manager) Forget(aggregateID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, aggregateID)
}

func (m *Manager) lastVersion(ctx context.Context, aggregateID string) (int64, error) {
	m.mu.Lock()
	v, ok := m.last[aggregateID]
	m.mu.Unlock()
	if ok {
		return v, nil
	}

	rec, err := m.backend.LatestSnapshot(ctx, aggregateID, 0)
	if err != nil {
		return 0, fmt.Errorf("seed snapshot version: %w", err)
	}
	if rec != nil {
		v = rec.Version
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.last[aggregateID]; ok && cur > v {
		return cur, nil
	}
	m.last[aggregateID] = v
	return v, nil
}

func decode(rec *store.SnapshotRecord) (*Snapshot, error) {
	if got := ir.SnapshotChecksum(rec.State); got != rec.Checksum {
		return nil, fmt.Errorf("%w: %s v%d: checksum %s, want %s",
			ErrCorruptSnapshot, rec.AggregateID, rec.Version, got, rec.Checksum)
	}
	state, err := ir.UnmarshalObject(rec.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %s v%d: %v", ErrCorruptSnapshot, rec.AggregateID, rec.Version, err)
	}
	return &Snapshot{
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Version:       rec.Version,
		Seq:           rec.Seq,
		State:         state,
		Checksum:      rec.Checksum,
		CreatedAt:     rec.CreatedAt,
	}, nil
}

func stateOrEmpty(state ir.Object) ir.Object {
	if state == nil {
		return ir.Object{}
	}
	return state
}
