package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/testutil"
)

// seedMixed appends events across two orders with tags and correlation
// ids. Occurrence times are Epoch+seq minutes.
//
//	seq 1 order-1 CREATED     tenant=acme  corr-a
//	seq 2 order-2 CREATED     tenant=globex corr-b
//	seq 3 order-1 ITEM_ADDED  tenant=acme  corr-a
//	seq 4 order-2 ITEM_ADDED  tenant=globex corr-b
//	seq 5 order-1 SHIPPED     tenant=acme  corr-a
func seedMixed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	type row struct {
		agg, typ, tenant, corr string
		expected               int64
		payload                ir.Object
	}
	rows := []row{
		{"order-1", testutil.OrderCreated, "acme", "corr-a", 0, testutil.CreatedPayload("ada")},
		{"order-2", testutil.OrderCreated, "globex", "corr-b", 0, testutil.CreatedPayload("bob")},
		{"order-1", testutil.OrderItemAdded, "acme", "corr-a", 1, testutil.ItemPayload("A", 2, 10)},
		{"order-2", testutil.OrderItemAdded, "globex", "corr-b", 1, testutil.ItemPayload("B", 1, 7)},
		{"order-1", testutil.OrderShipped, "acme", "corr-a", 2, testutil.ShippedPayload()},
	}
	for i, r := range rows {
		req := orderReq(r.agg, r.expected, r.typ, r.payload)
		req.Tags = event.Tags{"tenant": r.tenant}
		req.Metadata.CorrelationID = r.corr
		req.OccurredAt = testutil.Epoch.Add(time.Duration(i+1) * time.Minute)
		_, err := s.Append(ctx, req)
		require.NoError(t, err)
	}
}

func seqsOf(events []event.Event) []int64 {
	seqs := make([]int64, len(events))
	for i, ev := range events {
		seqs[i] = ev.Seq
	}
	return seqs
}

func TestReadAggregate_VersionRanges(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to int64
		want     []int64
	}{
		{"whole stream", 0, 0, []int64{1, 2, 3}},
		{"from version", 2, 0, []int64{2, 3}},
		{"to version", 0, 2, []int64{1, 2}},
		{"single version", 3, 3, []int64{3}},
		{"past the end", 4, 0, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.ReadAggregate(ctx, "order", "order-1", tt.from, tt.to)
			require.NoError(t, err)
			versions := make([]int64, len(events))
			for i, ev := range events {
				versions[i] = ev.Version
				assert.Equal(t, "order-1", ev.AggregateID)
			}
			assert.Equal(t, tt.want, versions)
		})
	}
}

func TestReadAggregate_UnknownAggregateIsEmpty(t *testing.T) {
	s := createTestStore(t)

	events, err := s.ReadAggregate(context.Background(), "", "nope", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestReadAggregate_RequiresID(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadAggregate(context.Background(), "order", "", 0, 0)
	assert.True(t, fault.IsInvalid(err))
}

func TestRead_Filters(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{"everything", Filter{}, []int64{1, 2, 3, 4, 5}},
		{"aggregate type", Filter{AggregateType: "order"}, []int64{1, 2, 3, 4, 5}},
		{"other aggregate type", Filter{AggregateType: "invoice"}, []int64{}},
		{"event types", Filter{EventTypes: []string{testutil.OrderCreated, testutil.OrderShipped}}, []int64{1, 2, 5}},
		{"correlation", Filter{CorrelationID: "corr-b"}, []int64{2, 4}},
		{"tag exact", Filter{Tags: map[string][]string{"tenant": {"acme"}}}, []int64{1, 3, 5}},
		{"tag set", Filter{Tags: map[string][]string{"tenant": {"acme", "globex"}}}, []int64{1, 2, 3, 4, 5}},
		{"missing tag key", Filter{Tags: map[string][]string{"region": {"eu"}}}, []int64{}},
		{"time range", Filter{
			From: testutil.Epoch.Add(2 * time.Minute),
			To:   testutil.Epoch.Add(4 * time.Minute),
		}, []int64{2, 3, 4}},
		{"combined", Filter{
			AggregateID: "order-1",
			EventTypes:  []string{testutil.OrderItemAdded, testutil.OrderShipped},
			Tags:        map[string][]string{"tenant": {"acme"}},
		}, []int64{3, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Read(ctx, tt.filter, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, seqsOf(events))
		})
	}
}

func TestRead_FromSeqAndLimit(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx := context.Background()

	events, err := s.Read(ctx, Filter{}, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, seqsOf(events))

	events, err = s.Read(ctx, Filter{AggregateID: "order-2"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqsOf(events))
}

func TestRead_InvalidFilter(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Read(context.Background(), Filter{FromVersion: 2}, 0, 0)
	assert.True(t, fault.IsInvalid(err))

	_, err = s.Read(context.Background(), Filter{EventTypes: []string{"lower.case"}}, 0, 0)
	assert.True(t, fault.IsInvalid(err))
}

func TestRead_CanceledContext(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Read(ctx, Filter{}, 0, 0)
	require.Error(t, err)
	assert.False(t, IsStorageIO(err))
}

func TestQuery_Pagination(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx := context.Background()

	var (
		pages [][]int64
		page  = Page{Limit: 2}
	)
	for {
		res, err := s.Query(ctx, Filter{}, page)
		require.NoError(t, err)
		pages = append(pages, seqsOf(res.Events))
		if !res.HasMore {
			assert.Equal(t, int64(5), res.NextCursor)
			break
		}
		page.After = res.NextCursor
	}
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, pages)
}

func TestQuery_EmptyPageKeepsCursor(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)

	res, err := s.Query(context.Background(), Filter{}, Page{After: 5, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.False(t, res.HasMore)
	assert.Equal(t, int64(5), res.NextCursor)
}

func TestGetEvent(t *testing.T) {
	s := createTestStore(t)
	seedMixed(t, s)
	ctx := context.Background()

	ev, err := s.GetEvent(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, testutil.ItemPayload("A", 2, 10), ev.Payload)
	assert.Equal(t, event.Tags{"tenant": "acme"}, ev.Tags)
	assert.Equal(t, "corr-a", ev.Metadata.CorrelationID)

	_, err = s.GetEvent(ctx, "evt-99")
	assert.True(t, fault.IsNotFound(err))
}

func TestAggregateVersionAndLastSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	seedMixed(t, s)

	v1, err := s.AggregateVersion(ctx, "order-1")
	require.NoError(t, err)
	v2, err := s.AggregateVersion(ctx, "order-2")
	require.NoError(t, err)
	none, err := s.AggregateVersion(ctx, "order-3")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 0}, []int64{v1, v2, none})

	last, err = s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestRead_PayloadRoundTripIsCanonical(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	payload := ir.Object{
		"zeta":   ir.String("café"),
		"alpha":  ir.Array{ir.Int(1), ir.Bool(false), ir.Object{"b": ir.Int(2), "a": ir.Int(1)}},
		"nested": ir.Object{},
	}

	_, err := s.Append(ctx, orderReq("order-1", 0, testutil.OrderCreated, payload))
	require.NoError(t, err)

	ev, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ir.Equal(payload, ev.Payload))

	var stored string
	require.NoError(t, s.reader.QueryRow(`SELECT payload FROM events WHERE seq = 1`).Scan(&stored))
	want, err := ir.MarshalCanonical(payload)
	require.NoError(t, err)
	assert.Equal(t, string(want), stored)
}
