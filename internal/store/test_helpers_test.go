package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/testutil"
)

// createTestStore opens a store in a temp dir with deterministic ids
// (evt-1, evt-2, ...) and timestamps.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{
		WithIDGenerator(event.NewSequenceGenerator("evt")),
		WithClock(testutil.NewDeterministicClock()),
	}, opts...)
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// orderReq builds an append request for an order aggregate.
func orderReq(aggregateID string, expected int64, eventType string, payload ir.Object) AppendRequest {
	return AppendRequest{
		EventType:       eventType,
		AggregateType:   "order",
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		Payload:         payload,
	}
}

// seedOrder appends created, item added and shipped for one order.
func seedOrder(t *testing.T, s *Store, aggregateID string) []AppendResult {
	t.Helper()
	ctx := context.Background()
	var results []AppendResult
	for i, req := range []AppendRequest{
		orderReq(aggregateID, 0, testutil.OrderCreated, testutil.CreatedPayload("ada")),
		orderReq(aggregateID, 1, testutil.OrderItemAdded, testutil.ItemPayload("A-1", 1, 100)),
		orderReq(aggregateID, 2, testutil.OrderShipped, testutil.ShippedPayload()),
	} {
		res, err := s.Append(ctx, req)
		require.NoError(t, err, "append %d", i)
		results = append(results, res)
	}
	return results
}
