package replay

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/projection"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// EventSource reads the event log. *store.Store implements it.
type EventSource interface {
	Read(ctx context.Context, f store.Filter, fromSeq int64, limit int) ([]event.Event, error)
}

// SessionStore persists sessions for Persist and Resume. *store.Store
// implements it.
type SessionStore interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	LoadSession(ctx context.Context, id string) (store.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
}

// Hook runs after each visible event is folded. In sandboxed sessions fx
// intercepts side effects; otherwise it performs them.
type Hook func(ctx context.Context, ev event.Event, state ir.Object, fx sandbox.Effects) error

// Engine runs replay sessions.
//
// Thread-safety: all methods are safe for concurrent use. Calls on the same
// session are serialized; calls on different sessions run in parallel.
type Engine struct {
	source    EventSource
	projector *projection.Projector
	isolator  *sandbox.Isolator
	sessions  SessionStore
	ids       event.IDGenerator
	clock     event.Clock
	hooks     []Hook
	batchSize int
	workers   int
	client    *http.Client
	logger    *slog.Logger

	mu   sync.Mutex
	live map[string]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithIsolator enables sandboxed sessions.
func WithIsolator(i *sandbox.Isolator) Option {
	return func(e *Engine) { e.isolator = i }
}

// WithSessionStore enables Persist and Resume.
func WithSessionStore(s SessionStore) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithIDGenerator sets the session id generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock sets the clock used for persisted session timestamps.
func WithClock(c event.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithHook registers a step hook. Hooks run in registration order.
func WithHook(h Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// WithBatchSize sets the default batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithWorkers bounds how many sessions RunAll runs at once. n <= 0 means
// one per available CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithHTTPClient sets the client hooks use in unsandboxed sessions.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine reading from source and folding with projector.
// Snapshots are read and written through the projector's manager.
func New(source EventSource, projector *projection.Projector, opts ...Option) *Engine {
	e := &Engine{
		source:    source,
		projector: projector,
		ids:       event.UUIDv7Generator{},
		clock:     event.SystemClock{},
		batchSize: DefaultBatchSize,
		client:    http.DefaultClient,
		logger:    slog.Default(),
		live:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// StartReplay creates a session. No events are read until the first step.
func (e *Engine) StartReplay(ctx context.Context, scope Scope, mode Mode, opts Options) (string, error) {
	_, span := telemetry.Tracer("replay").Start(ctx, "replay.Start")
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = scope.validate(mode); err != nil {
		return "", err
	}
	if opts.Selector != nil && mode != ModeSelective {
		err = fault.Invalidf("a selector needs selective mode")
		return "", err
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = e.batchSize
	}
	if opts.MaxBatchSize > store.MaxPageSize {
		opts.MaxBatchSize = store.MaxPageSize
	}

	s := newSession(e.ids.NewID(), scope, mode, opts)
	if opts.Sandboxed {
		if e.isolator == nil {
			err = fault.Invalidf("sandboxed replay needs an isolator")
			return "", err
		}
		if s.box, err = e.isolator.Create(opts.Limits); err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	e.live[s.id] = s
	e.mu.Unlock()
	telemetry.ReplaySessionsActive.Inc()

	span.SetAttributes(telemetry.String("session_id", s.id), telemetry.String("mode", string(mode)))
	e.logger.Info("replay session started", "session_id", s.id, "mode", mode,
		"aggregate_id", scope.AggregateID, "interactive", opts.Interactive, "sandboxed", opts.Sandboxed)
	return s.id, nil
}

// DisposeSession stops the session's prefetcher, destroys its sandbox and
// forgets it.
func (e *Engine) DisposeSession(id string) error {
	e.mu.Lock()
	s, ok := e.live[id]
	delete(e.live, id)
	e.mu.Unlock()
	if !ok {
		return fault.NotFoundf("replay session %q", id)
	}

	s.stopFetch()
	if s.box != "" {
		if err := e.isolator.Destroy(s.box); err != nil && !fault.IsNotFound(err) {
			return err
		}
	}
	telemetry.ReplaySessionsActive.Dec()
	e.logger.Debug("replay session disposed", "session_id", id)
	return nil
}

// Cancel stops the session at the next event boundary.
func (e *Engine) Cancel(id string) error {
	s, err := e.get(id)
	if err != nil {
		return err
	}
	s.cancelRequested.Store(true)
	s.stopFetch()
	if !s.step.TryLock() {
		// A step is in flight; it finishes the cancellation at the next event.
		return nil
	}
	defer s.step.Unlock()
	e.finish(s, StatusCancelled, nil)
	return nil
}

// Pause pauses an interactive session between steps.
func (e *Engine) Pause(id string) error {
	s, err := e.get(id)
	if err != nil {
		return err
	}
	if !s.opts.Interactive {
		return fault.Invalidf("only interactive sessions can pause")
	}
	s.step.Lock()
	defer s.step.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return fault.Invalidf("session %s is %s", id, s.status)
	}
	s.status = StatusPaused
	return nil
}

// Status returns the session's status.
func (e *Engine) Status(id string) (Status, error) {
	s, err := e.get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Info describes the session.
func (e *Engine) Info(id string) (Info, error) {
	s, err := e.get(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:          s.id,
		Status:      s.status,
		Mode:        s.mode,
		Interactive: s.opts.Interactive,
		Scope:       s.scope,
		Steps:       s.index,
		Events:      s.events,
		Cursor:      s.cursor,
		Sandbox:     string(s.box),
	}
	if s.failure != nil {
		info.Error = s.failure.Error()
	}
	return info, nil
}

// Sessions returns the ids of live sessions, sorted.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetState returns the session's current state. For aggregate scopes it is
// the aggregate's state; otherwise an object keyed by aggregate id.
func (e *Engine) GetState(id string) (ir.Object, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scope.Aggregate() {
		if agg, ok := s.aggs[s.scope.AggregateID]; ok {
			return agg.State.Clone(), nil
		}
		return ir.Object{}, nil
	}
	out := make(ir.Object, len(s.aggs))
	for aggID, agg := range s.aggs {
		out[aggID] = agg.State.Clone()
	}
	return out, nil
}

// States returns every aggregate the session has touched.
func (e *Engine) States(id string) (map[string]AggregateState, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AggregateState, len(s.aggs))
	for aggID, agg := range s.aggs {
		agg.State = agg.State.Clone()
		out[aggID] = agg
	}
	return out, nil
}

// ExpectedVersion returns the last version of aggregateID the session has
// seen, folded or not. It is the ExpectedVersion for a follow-up append.
func (e *Engine) ExpectedVersion(id, aggregateID string) (int64, error) {
	s, err := e.get(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggs[aggregateID].Version, nil
}

// Effects returns every side effect the session's sandbox captured.
func (e *Engine) Effects(id string) ([]sandbox.Effect, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if s.box == "" {
		return []sandbox.Effect{}, nil
	}
	return e.isolator.CaptureSideEffects(s.box)
}

func (e *Engine) get(id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.live[id]
	if !ok {
		return nil, fault.NotFoundf("replay session %q", id)
	}
	return s, nil
}

// finish moves s to a terminal status. Must be called with s.step held.
func (e *Engine) finish(s *session, status Status, failure error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.failure = failure
	s.mu.Unlock()

	s.stopFetch()
	telemetry.ReplaySessionsFinished.WithLabelValues(string(status)).Inc()
	if failure != nil {
		e.logger.Warn("replay session failed", "session_id", s.id, "error", failure)
		return
	}
	e.logger.Info("replay session finished", "session_id", s.id, "status", status, "steps", s.index, "events", s.events)
}
