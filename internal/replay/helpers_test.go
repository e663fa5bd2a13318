package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/testutil"
)

type fixture struct {
	store  *store.Store
	snaps  *snapshot.Manager
	proj   *projection.Projector
	engine *Engine
}

// newFixture builds an engine over a fresh store that also keeps the
// snapshots. threshold 0 disables snapshotting.
func newFixture(t *testing.T, threshold int64, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, threshold, opts...)
}

// newFixtureWith is newFixture with a separate snapshot backend.
func newFixtureWith(t *testing.T, backend snapshot.Backend, threshold int64, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "replay.db"),
		store.WithIDGenerator(event.NewSequenceGenerator("evt")),
		store.WithClock(testutil.NewDeterministicClock()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if backend == nil {
		backend = st
	}
	reg := projection.NewRegistry()
	for typ, fold := range testutil.OrderFolds() {
		require.NoError(t, reg.Register(typ, fold))
	}
	snaps := snapshot.NewManager(backend, snapshot.WithThreshold(threshold))
	proj := projection.NewProjector(reg, st, snaps)

	opts = append([]Option{WithIDGenerator(event.NewSequenceGenerator("replay"))}, opts...)
	return &fixture{store: st, snaps: snaps, proj: proj, engine: New(st, proj, opts...)}
}

func (f *fixture) append(t *testing.T, req store.AppendRequest) store.AppendResult {
	t.Helper()
	if req.AggregateType == "" {
		req.AggregateType = "order"
	}
	res, err := f.store.Append(context.Background(), req)
	require.NoError(t, err)
	return res
}

// seedOrder42 appends created, one item (qty 2 x 50) and shipped.
func (f *fixture) seedOrder42(t *testing.T) {
	t.Helper()
	f.seedOrder(t, "order-42", testutil.ItemPayload("A-1", 2, 50))
}

// seedOrder appends created, the given items and shipped.
func (f *fixture) seedOrder(t *testing.T, aggregateID string, items ...ir.Object) {
	t.Helper()
	f.append(t, store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: aggregateID, Payload: testutil.CreatedPayload("ada")})
	for i, item := range items {
		f.append(t, store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: aggregateID, ExpectedVersion: int64(i + 1), Payload: item})
	}
	f.append(t, store.AppendRequest{EventType: testutil.OrderShipped, AggregateID: aggregateID, ExpectedVersion: int64(len(items) + 1), Payload: testutil.ShippedPayload()})
}

// seedItems appends created followed by n items of 1 x 10.
func (f *fixture) seedItems(t *testing.T, aggregateID string, n int) {
	t.Helper()
	f.append(t, store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: aggregateID, Payload: testutil.CreatedPayload("ada")})
	for i := range n {
		f.append(t, store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: aggregateID, ExpectedVersion: int64(i + 1), Payload: testutil.ItemPayload("SKU", 1, 10)})
	}
}

func (f *fixture) start(t *testing.T, scope Scope, mode Mode, opts Options) string {
	t.Helper()
	id, err := f.engine.StartReplay(context.Background(), scope, mode, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.engine.DisposeSession(id) })
	return id
}

// drain steps the session to its end.
func drain(t *testing.T, e *Engine, id string) []Step {
	t.Helper()
	var steps []Step
	for {
		step, err := e.GetNextStep(context.Background(), id)
		if errors.Is(err, ErrEndOfReplay) {
			return steps
		}
		require.NoError(t, err)
		steps = append(steps, step)
	}
}

func order42Shipped() ir.Object {
	return ir.Object{
		"order_id": ir.String("order-42"),
		"customer": ir.String("ada"),
		"items": ir.Array{ir.Object{
			"sku": ir.String("A-1"), "quantity": ir.Int(2), "price": ir.Int(50),
		}},
		"total":   ir.Int(100),
		"shipped": ir.Bool(true),
	}
}

// flakySource fails the first failures reads with a storage error.
type flakySource struct {
	EventSource
	failures int64
	calls    atomic.Int64
	err      error
}

func (s *flakySource) Read(ctx context.Context, f store.Filter, fromSeq int64, limit int) ([]event.Event, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, s.err
	}
	return s.EventSource.Read(ctx, f, fromSeq, limit)
}

// droppingSource hides one version of every aggregate.
type droppingSource struct {
	EventSource
	drop int64
}

func (s *droppingSource) Read(ctx context.Context, f store.Filter, fromSeq int64, limit int) ([]event.Event, error) {
	events, err := s.EventSource.Read(ctx, f, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	kept := events[:0]
	for _, ev := range events {
		if ev.Version != s.drop {
			kept = append(kept, ev)
		}
	}
	return kept, nil
}
