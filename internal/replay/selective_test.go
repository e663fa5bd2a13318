package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/testutil"
)

func seedTagged(t *testing.T, f *fixture) {
	t.Helper()
	f.append(t, store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: "order-1", Payload: testutil.CreatedPayload("ada")})
	f.append(t, store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: "order-1", ExpectedVersion: 1,
		Payload: testutil.ItemPayload("A-1", 1, 10), Tags: event.Tags{"warehouse": "north"}})
	f.append(t, store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: "order-1", ExpectedVersion: 2,
		Payload: testutil.ItemPayload("B-1", 2, 7), Tags: event.Tags{"warehouse": "south"}})
	f.append(t, store.AppendRequest{EventType: testutil.OrderShipped, AggregateID: "order-1", ExpectedVersion: 3, Payload: ir.Object{}})
}

func TestSelective_FoldsMatchingEventsOnly(t *testing.T) {
	f := newFixture(t, 1)
	seedTagged(t, f)
	ctx := context.Background()

	id := f.start(t, Scope{AggregateID: "order-1", EventTypes: []string{testutil.OrderItemAdded}}, ModeSelective, Options{})
	step, err := f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, step.Events)
	assert.Equal(t, 2, step.Applied)

	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(24), state["total"])
	assert.NotContains(t, state, "customer")
	assert.NotContains(t, state, "shipped")

	version, err := f.engine.ExpectedVersion(id, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	// The tracked version is usable for the next append.
	_, err = f.store.Append(ctx, store.AppendRequest{
		EventType: testutil.OrderShipped, AggregateType: "order", AggregateID: "order-1",
		ExpectedVersion: version, Payload: ir.Object{},
	})
	require.NoError(t, err)

	snap, err := f.snaps.LatestSnapshot(ctx, "order-1", 0)
	require.NoError(t, err)
	assert.Nil(t, snap, "selective states are partial and never snapshotted")
}

func TestSelective_TagsAndSelector(t *testing.T) {
	f := newFixture(t, 0)
	seedTagged(t, f)
	ctx := context.Background()

	byTag := f.start(t, Scope{AggregateID: "order-1", Tags: map[string][]string{"warehouse": {"south"}}}, ModeSelective, Options{Interactive: true})
	steps := drain(t, f.engine, byTag)
	require.Len(t, steps, 1)
	assert.Equal(t, int64(3), steps[0].Version)
	assert.Equal(t, 3, steps[0].Events, "skipped events are consumed by the step that follows them")
	assert.Equal(t, ir.Int(14), steps[0].State["total"])

	bySelector := f.start(t, Scope{AggregateID: "order-1"}, ModeSelective, Options{
		Interactive: true,
		Selector: func(ev event.Event) bool {
			return ev.Type != testutil.OrderItemAdded || ev.Payload["sku"] == ir.String("A-1")
		},
	})
	steps = drain(t, f.engine, bySelector)
	require.Len(t, steps, 3)
	state, err := f.engine.GetState(bySelector)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(10), state["total"])
	assert.Equal(t, ir.Bool(true), state["shipped"])

	version, err := f.engine.ExpectedVersion(bySelector, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
}
