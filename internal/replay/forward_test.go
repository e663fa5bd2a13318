package replay

import (
	"context"
	"errors"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
	"github.com/roach88/rewind/internal/testutil"
)

func TestForward_InteractiveOrder42(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)
	ctx := context.Background()
	completed := promtest.ToFloat64(telemetry.ReplaySessionsFinished.WithLabelValues(string(StatusCompleted)))

	id := f.start(t, Scope{AggregateType: "order", AggregateID: "order-42"}, ModeForward, Options{Interactive: true})
	assert.Equal(t, "replay-1", id)
	status, err := f.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status)

	step, err := f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, step.Index)
	assert.Equal(t, "evt-1", step.Event.ID)
	assert.Equal(t, int64(1), step.Version)
	assert.Equal(t, ir.Bool(false), step.State["shipped"])
	assert.Equal(t, ir.Int(0), step.State["total"])
	assert.Empty(t, step.Before)
	require.NotNil(t, step.Diff)
	assert.False(t, step.Diff.Empty())
	assert.Zero(t, step.Diff.TotalDeleted)

	status, _ = f.engine.Status(id)
	assert.Equal(t, StatusPaused, status)

	step, err = f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), step.Version)
	assert.Equal(t, ir.Bool(false), step.State["shipped"])
	assert.Equal(t, ir.Int(100), step.State["total"])

	step, err = f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), step.Version)
	assert.Equal(t, order42Shipped(), step.State)
	assert.Equal(t, []diff.Change{{
		Path: "shipped", Type: diff.ChangeModified, Old: ir.Bool(false), New: ir.Bool(true),
	}}, step.Diff.Changes)

	_, err = f.engine.GetNextStep(ctx, id)
	assert.ErrorIs(t, err, ErrEndOfReplay)
	status, _ = f.engine.Status(id)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, completed+1, promtest.ToFloat64(telemetry.ReplaySessionsFinished.WithLabelValues(string(StatusCompleted))))

	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, order42Shipped(), state)

	// Terminal sessions stay terminal.
	_, err = f.engine.GetNextStep(ctx, id)
	assert.ErrorIs(t, err, ErrEndOfReplay)
}

func TestForward_FromVersionFoldsEarlierEventsSilently(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42", FromVersion: 2}, ModeForward, Options{Interactive: true})
	steps := drain(t, f.engine, id)
	require.Len(t, steps, 2)

	assert.Equal(t, int64(2), steps[0].Version)
	assert.Equal(t, 2, steps[0].Events)
	assert.Equal(t, 2, steps[0].Applied)
	assert.Equal(t, ir.String("ada"), steps[0].Before["customer"])
	assert.Equal(t, ir.Int(100), steps[0].State["total"])
	assert.Equal(t, int64(3), steps[1].Version)
	assert.Equal(t, 1, steps[1].Events)
}

func TestForward_ToVersionStopsEarly(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42", ToVersion: 2}, ModeForward, Options{Interactive: true})
	steps := drain(t, f.engine, id)
	require.Len(t, steps, 2)
	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, ir.Bool(false), state["shipped"])
}

func TestForward_BatchSteps(t *testing.T) {
	f := newFixture(t, 0)
	f.seedItems(t, "order-1", 5)
	ctx := context.Background()

	id := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{MaxBatchSize: 4})

	step, err := f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, step.Events)
	assert.Equal(t, 4, step.Applied)
	assert.Equal(t, int64(4), step.Version)
	assert.Equal(t, "evt-4", step.Event.ID)
	assert.Nil(t, step.Before)
	assert.Nil(t, step.Diff)
	status, _ := f.engine.Status(id)
	assert.Equal(t, StatusRunning, status)

	step, err = f.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, step.Events)
	assert.Equal(t, int64(6), step.Version)
	assert.Equal(t, ir.Int(50), step.State["total"])
	status, _ = f.engine.Status(id)
	assert.Equal(t, StatusCompleted, status)

	_, err = f.engine.GetNextStep(ctx, id)
	assert.ErrorIs(t, err, ErrEndOfReplay)

	info, err := f.engine.Info(id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Steps)
	assert.Equal(t, 6, info.Events)
	assert.Equal(t, int64(6), info.Cursor)
}

func TestForward_EmptyAggregateEndsImmediately(t *testing.T) {
	f := newFixture(t, 0)
	id := f.start(t, Scope{AggregateID: "nobody"}, ModeForward, Options{})

	_, err := f.engine.GetNextStep(context.Background(), id)
	assert.ErrorIs(t, err, ErrEndOfReplay)
	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, ir.Object{}, state)
}

func TestForward_ReplayIsDeterministic(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)
	f.seedItems(t, "order-7", 12)
	ctx := context.Background()

	var hashes []string
	for range 2 {
		for _, interactive := range []bool{false, true} {
			id := f.start(t, Scope{AggregateID: "order-7"}, ModeForward, Options{Interactive: interactive, MaxBatchSize: 5})
			res, err := f.engine.Run(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, res.Status)
			hashes = append(hashes, res.StateHash)
		}
	}
	for _, h := range hashes[1:] {
		assert.Equal(t, hashes[0], h)
	}

	st, err := f.engine.StateAt(ctx, "order", "order-7", 0)
	require.NoError(t, err)
	assert.Equal(t, hashes[0], ir.MustStateHash(st.State))
}

func TestForward_CheckpointsSnapshots(t *testing.T) {
	f := newFixture(t, 2)
	f.seedItems(t, "order-1", 6)
	ctx := context.Background()

	id := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{Interactive: true})
	drain(t, f.engine, id)

	snap, err := f.snaps.LatestSnapshot(ctx, "order-1", 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(6), snap.Version)

	older, err := f.snaps.LatestSnapshot(ctx, "order-1", 5)
	require.NoError(t, err)
	require.NotNil(t, older)
	assert.Equal(t, int64(4), older.Version)
}

func TestForward_SnapshotsAreTransparent(t *testing.T) {
	f := newFixture(t, 2)
	f.seedItems(t, "order-1", 6)
	ctx := context.Background()

	// Writes snapshots at 2, 4 and 6.
	drain(t, f.engine, f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{Interactive: true}))

	fast := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{})
	fastRes, err := f.engine.Run(ctx, fast)
	require.NoError(t, err)

	full := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{DisableSnapshots: true})
	fullRes, err := f.engine.Run(ctx, full)
	require.NoError(t, err)

	assert.Equal(t, 1, fastRes.Events, "starts from the snapshot at version 6")
	assert.Equal(t, 7, fullRes.Events)
	assert.Equal(t, fullRes.StateHash, fastRes.StateHash)

	// An interactive session starting at 5 loads the snapshot at 4.
	mid := f.start(t, Scope{AggregateID: "order-1", FromVersion: 5}, ModeForward, Options{Interactive: true})
	step, err := f.engine.GetNextStep(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, int64(5), step.Version)
	assert.Equal(t, 1, step.Events)
	assert.Equal(t, ir.Int(40), step.State["total"])

	// The ceiling forces an older snapshot.
	capped := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{SnapshotCeiling: 3})
	cappedRes, err := f.engine.Run(ctx, capped)
	require.NoError(t, err)
	assert.Equal(t, 5, cappedRes.Events)
	assert.Equal(t, fullRes.StateHash, cappedRes.StateHash)
}

func TestForward_CorruptSnapshotFailsSession(t *testing.T) {
	mem := snapshot.NewMemoryBackend()
	f := newFixtureWith(t, mem, 2)
	f.seedItems(t, "order-1", 3)
	ctx := context.Background()

	drain(t, f.engine, f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{Interactive: true}))
	require.True(t, mem.Corrupt("order-1", 4, []byte(`{"total":1}`)))

	id := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{})
	_, err := f.engine.GetNextStep(ctx, id)
	require.Error(t, err)
	assert.True(t, IsReplayError(err))
	assert.ErrorIs(t, err, snapshot.ErrCorruptSnapshot)
	assert.Equal(t, fault.Replay, fault.CodeOf(err))

	info, err := f.engine.Info(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
	assert.NotEmpty(t, info.Error)

	_, again := f.engine.GetNextStep(ctx, id)
	assert.Equal(t, err, again, "failed sessions are never retried")
}

func TestForward_UnknownEventTypeFails(t *testing.T) {
	f := newFixture(t, 0)
	f.append(t, store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: "order-1", Payload: testutil.CreatedPayload("ada")})
	f.append(t, store.AppendRequest{EventType: "ORDER.REFUNDED", AggregateID: "order-1", ExpectedVersion: 1, Payload: ir.Object{}})
	f.append(t, store.AppendRequest{EventType: testutil.OrderShipped, AggregateID: "order-1", ExpectedVersion: 2, Payload: ir.Object{}})

	id := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{})
	_, err := f.engine.GetNextStep(context.Background(), id)
	require.Error(t, err)

	var re *ReplayError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, id, re.SessionID)
	assert.Equal(t, "evt-2", re.EventID)
	assert.Equal(t, "order-1", re.AggregateID)
	assert.Equal(t, int64(2), re.Version)
	assert.Equal(t, ir.String("ada"), re.PartialState["customer"])
	assert.True(t, projection.IsUnknownEventType(err))

	status, _ := f.engine.Status(id)
	assert.Equal(t, StatusFailed, status)
}

func TestForward_SkipUnknownKeepsVersionTracking(t *testing.T) {
	f := newFixture(t, 0)
	f.append(t, store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: "order-1", Payload: testutil.CreatedPayload("ada")})
	f.append(t, store.AppendRequest{EventType: "ORDER.REFUNDED", AggregateID: "order-1", ExpectedVersion: 1, Payload: ir.Object{}})
	f.append(t, store.AppendRequest{EventType: testutil.OrderShipped, AggregateID: "order-1", ExpectedVersion: 2, Payload: ir.Object{}})

	id := f.start(t, Scope{AggregateID: "order-1"}, ModeForward, Options{SkipUnknown: true})
	res, err := f.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, int64(3), res.States["order-1"].Version)
	assert.Equal(t, ir.Bool(true), res.States["order-1"].State["shipped"])
}

func TestForward_VersionGapFails(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)
	ctx := context.Background()

	// A source that drops version 2.
	src := &droppingSource{EventSource: f.store, drop: 2}
	e := New(src, f.proj)
	id, err := e.StartReplay(ctx, Scope{AggregateID: "order-42"}, ModeForward, Options{})
	require.NoError(t, err)
	defer e.DisposeSession(id)

	_, err = e.GetNextStep(ctx, id)
	var gap *projection.GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, int64(2), gap.Expected)
	assert.Equal(t, int64(3), gap.Got)
	assert.True(t, IsReplayError(err))
}

func TestForward_RetriesStorageErrors(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)
	ctx := context.Background()

	src := &flakySource{EventSource: f.store, failures: 2, err: &store.IOError{Op: "read", Err: errors.New("disk busy")}}
	e := New(src, f.proj)
	id, err := e.StartReplay(ctx, Scope{AggregateID: "order-42"}, ModeForward, Options{})
	require.NoError(t, err)
	defer e.DisposeSession(id)

	res, err := e.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(3), src.calls.Load())
}

func TestForward_PermanentReadErrorFails(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)
	ctx := context.Background()

	src := &flakySource{EventSource: f.store, failures: 100, err: fault.Invalidf("bad filter")}
	e := New(src, f.proj)
	id, err := e.StartReplay(ctx, Scope{AggregateID: "order-42"}, ModeForward, Options{})
	require.NoError(t, err)
	defer e.DisposeSession(id)

	_, err = e.GetNextStep(ctx, id)
	require.Error(t, err)
	assert.True(t, IsReplayError(err))
	assert.True(t, fault.IsInvalid(errors.Unwrap(err)))
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestForward_Transform(t *testing.T) {
	f := newFixture(t, 1)
	f.seedOrder42(t)
	ctx := context.Background()

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{
		Transform: func(ev event.Event) (event.Event, error) {
			if ev.Type == testutil.OrderItemAdded {
				ev.Payload["quantity"] = ir.Int(3)
			}
			return ev, nil
		},
	})
	res, err := f.engine.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(150), res.States["order-42"].State["total"])

	stored, err := f.store.GetEvent(ctx, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(2), stored.Payload["quantity"])

	snap, err := f.snaps.LatestSnapshot(ctx, "order-42", 0)
	require.NoError(t, err)
	assert.Nil(t, snap, "modified replays never write snapshots")
}

func TestForward_TransformMustNotMoveEvents(t *testing.T) {
	f := newFixture(t, 0)
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{
		Transform: func(ev event.Event) (event.Event, error) {
			ev.Version++
			return ev, nil
		},
	})
	_, err := f.engine.GetNextStep(context.Background(), id)
	require.Error(t, err)
	assert.True(t, fault.IsInvalid(errors.Unwrap(err)))
}

func TestCorrelationScope_CatchesUpSkippedVersions(t *testing.T) {
	f := newFixture(t, 0)
	withCorr := func(req store.AppendRequest, corr string) store.AppendRequest {
		req.Metadata = event.Metadata{CorrelationID: corr}
		return req
	}
	f.append(t, withCorr(store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: "order-1", Payload: testutil.CreatedPayload("ada")}, "corr-a"))
	f.append(t, withCorr(store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: "order-1", ExpectedVersion: 1, Payload: testutil.ItemPayload("A-1", 1, 10)}, "corr-b"))
	f.append(t, withCorr(store.AppendRequest{EventType: testutil.OrderCreated, AggregateID: "order-2", Payload: testutil.CreatedPayload("bob")}, "corr-a"))
	f.append(t, withCorr(store.AppendRequest{EventType: testutil.OrderItemAdded, AggregateID: "order-1", ExpectedVersion: 2, Payload: testutil.ItemPayload("B-1", 1, 5)}, "corr-a"))
	ctx := context.Background()

	id := f.start(t, Scope{CorrelationID: "corr-a"}, ModeForward, Options{})
	res, err := f.engine.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, int64(3), res.States["order-1"].Version)
	assert.Equal(t, ir.Int(15), res.States["order-1"].State["total"])
	assert.Equal(t, int64(1), res.States["order-2"].Version)

	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(15), state["order-1"].(ir.Object)["total"])

	// A scope starting mid-stream loads the history before it.
	late := f.start(t, Scope{CorrelationID: "corr-b"}, ModeForward, Options{Interactive: true})
	step, err := f.engine.GetNextStep(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, int64(2), step.Version)
	assert.Equal(t, ir.String("ada"), step.Before["customer"])
	assert.Equal(t, ir.Int(10), step.State["total"])
}

func TestStartReplay_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	tests := []struct {
		name  string
		scope Scope
		mode  Mode
		opts  Options
	}{
		{"unknown mode", Scope{AggregateID: "a"}, Mode("sideways"), Options{}},
		{"reverse needs aggregate", Scope{CorrelationID: "c"}, ModeReverse, Options{}},
		{"selective needs aggregate", Scope{}, ModeSelective, Options{}},
		{"versions need aggregate", Scope{FromVersion: 2}, ModeForward, Options{}},
		{"inverted versions", Scope{AggregateID: "a", FromVersion: 3, ToVersion: 2}, ModeForward, Options{}},
		{"types on aggregate need selective", Scope{AggregateID: "a", EventTypes: []string{testutil.OrderShipped}}, ModeForward, Options{}},
		{"aggregate and correlation", Scope{AggregateID: "a", CorrelationID: "c"}, ModeForward, Options{}},
		{"bad event type", Scope{EventTypes: []string{"shipped"}}, ModeForward, Options{}},
		{"selector outside selective", Scope{AggregateID: "a"}, ModeForward, Options{Selector: func(event.Event) bool { return true }}},
		{"sandbox without isolator", Scope{AggregateID: "a"}, ModeForward, Options{Sandboxed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartReplay(ctx, tt.scope, tt.mode, tt.opts)
			assert.True(t, fault.IsInvalid(err), "got %v", err)
		})
	}
}
