package replay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/testutil"
)

// notifyHook posts every shipped order to url and writes a receipt to dir.
func notifyHook(url, dir string) Hook {
	return func(ctx context.Context, ev event.Event, state ir.Object, fx sandbox.Effects) error {
		if ev.Type != testutil.OrderShipped {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/notify", strings.NewReader(ev.AggregateID))
		if err != nil {
			return err
		}
		resp, err := fx.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return fx.WriteFile(filepath.Join(dir, ev.AggregateID+".txt"), []byte("shipped"), 0o644)
	}
}

func hitServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSandboxedReplay_CapturesHookEffects(t *testing.T) {
	srv, hits := hitServer(t)
	dir := t.TempDir()
	iso := sandbox.New(sandbox.WithIDGenerator(event.NewSequenceGenerator("sbx")))
	f := newFixture(t, 1, WithIsolator(iso), WithHook(notifyHook(srv.URL, dir)))
	f.seedOrder42(t)
	f.seedOrder(t, "order-43")
	ctx := context.Background()

	id := f.start(t, Scope{AggregateType: "order"}, ModeForward, Options{Interactive: true, Sandboxed: true})
	info, err := f.engine.Info(id)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", info.Sandbox)

	steps := drain(t, f.engine, id)
	require.Len(t, steps, 5)
	assert.Empty(t, steps[0].Effects)
	require.Len(t, steps[2].Effects, 2)
	assert.Equal(t, sandbox.EffectHTTP, steps[2].Effects[0].Kind)
	assert.False(t, steps[2].Effects[0].Performed)
	assert.Equal(t, sandbox.EffectFile, steps[2].Effects[1].Kind)
	require.Len(t, steps[4].Effects, 2)

	effects, err := f.engine.Effects(id)
	require.NoError(t, err)
	assert.Len(t, effects, 4)
	assert.Zero(t, hits.Load(), "intercepted requests never reach the server")
	_, err = os.Stat(filepath.Join(dir, "order-42.txt"))
	assert.True(t, os.IsNotExist(err))

	usage, err := iso.Usage(sandbox.Handle(info.Sandbox))
	require.NoError(t, err)
	assert.Positive(t, usage.MemoryBytes)

	snap, err := f.snaps.LatestSnapshot(ctx, "order-42", 0)
	require.NoError(t, err)
	assert.Nil(t, snap, "sandboxed replays never write snapshots")

	require.NoError(t, f.engine.DisposeSession(id))
	_, err = iso.Usage(sandbox.Handle(info.Sandbox))
	assert.True(t, fault.IsNotFound(err), "disposing destroys the sandbox")
}

func TestUnsandboxedReplay_PerformsHookEffects(t *testing.T) {
	srv, hits := hitServer(t)
	dir := t.TempDir()
	f := newFixture(t, 0, WithHook(notifyHook(srv.URL, dir)))
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{Interactive: true})
	steps := drain(t, f.engine, id)
	require.Len(t, steps, 3)
	assert.Nil(t, steps[2].Effects)
	assert.Equal(t, int64(1), hits.Load())

	data, err := os.ReadFile(filepath.Join(dir, "order-42.txt"))
	require.NoError(t, err)
	assert.Equal(t, "shipped", string(data))
}

func TestSandboxedReplay_MemoryLimit(t *testing.T) {
	iso := sandbox.New()
	f := newFixture(t, 0, WithIsolator(iso))
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{
		Sandboxed: true,
		Limits:    sandbox.Limits{MaxMemoryBytes: 16},
	})
	_, err := f.engine.GetNextStep(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsReplayError(err))
	assert.True(t, sandbox.IsLimitError(err))
	assert.Equal(t, fault.Replay, fault.CodeOf(err))

	var re *ReplayError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "evt-1", re.EventID)
	assert.Equal(t, ir.Object{}, re.PartialState)

	status, _ := f.engine.Status(id)
	assert.Equal(t, StatusFailed, status)
}

func TestSandboxedReplay_WallClockLimit(t *testing.T) {
	iso := sandbox.New()
	stall := func(ctx context.Context, ev event.Event, _ ir.Object, _ sandbox.Effects) error {
		if ev.Version == 2 {
			<-ctx.Done()
		}
		return nil
	}
	f := newFixture(t, 0, WithIsolator(iso), WithHook(stall))
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{
		Interactive: true,
		Sandboxed:   true,
		Limits:      sandbox.Limits{MaxWallClock: 50 * time.Millisecond},
	})
	_, err := f.engine.GetNextStep(context.Background(), id)
	require.NoError(t, err)

	_, err = f.engine.GetNextStep(context.Background(), id)
	var le *sandbox.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, sandbox.LimitWallClock, le.Limit)

	state, err := f.engine.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(0), state["total"], "the failed event was not committed")
}

func TestHookErrorFailsSession(t *testing.T) {
	boom := errors.New("boom")
	f := newFixture(t, 0, WithHook(func(context.Context, event.Event, ir.Object, sandbox.Effects) error {
		return boom
	}))
	f.seedOrder42(t)

	id := f.start(t, Scope{AggregateID: "order-42"}, ModeForward, Options{})
	_, err := f.engine.GetNextStep(context.Background(), id)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsReplayError(err))
}
