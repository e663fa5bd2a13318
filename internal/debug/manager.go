// Package debug layers breakpoints, stepping and state diffs over replay
// sessions.
//
// A Debugger refers to its session by id only. The replay engine knows
// nothing about debuggers; detaching leaves the session as it is.
package debug

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/rewind/internal/diff"
	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/replay"
)

// Breakpoint is a condition attached to a session.
type Breakpoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Condition Condition `json:"condition"`
	Hits      int       `json:"hits"`
}

// Manager tracks debuggers and their breakpoints.
//
// Thread-safety: all methods are safe for concurrent use. A single
// Debugger serializes its own operations.
type Manager struct {
	engine *replay.Engine
	ids    event.IDGenerator
	logger *slog.Logger

	mu          sync.Mutex
	debuggers   map[string]*Debugger
	breakpoints map[string]*Breakpoint
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator sets the breakpoint id generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over engine.
func NewManager(engine *replay.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:      engine,
		ids:         event.UUIDv7Generator{},
		logger:      slog.Default(),
		debuggers:   make(map[string]*Debugger),
		breakpoints: make(map[string]*Breakpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach returns the debugger for an interactive session, creating it on
// first use.
func (m *Manager) Attach(sessionID string) (*Debugger, error) {
	info, err := m.engine.Info(sessionID)
	if err != nil {
		return nil, err
	}
	if !info.Interactive {
		return nil, fault.Invalidf("session %s is not interactive", sessionID)
	}
	if info.Status.Terminal() {
		return nil, fault.Invalidf("session %s is %s", sessionID, info.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.debuggers[sessionID]; ok {
		return d, nil
	}
	d := &Debugger{m: m, sessionID: sessionID, scope: info.Scope}
	m.debuggers[sessionID] = d
	m.logger.Debug("debugger attached", "session_id", sessionID)
	return d, nil
}

// Debugger returns the attached debugger of a session.
func (m *Manager) Debugger(sessionID string) (*Debugger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.debuggers[sessionID]
	if !ok {
		return nil, fault.NotFoundf("no debugger attached to session %q", sessionID)
	}
	return d, nil
}

// Detach drops the session's debugger and breakpoints. The session itself
// is not disposed.
func (m *Manager) Detach(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.debuggers[sessionID]; !ok {
		return fault.NotFoundf("no debugger attached to session %q", sessionID)
	}
	delete(m.debuggers, sessionID)
	for id, bp := range m.breakpoints {
		if bp.SessionID == sessionID {
			delete(m.breakpoints, id)
		}
	}
	m.logger.Debug("debugger detached", "session_id", sessionID)
	return nil
}

// SetBreakpoint attaches to the session if needed and adds a breakpoint.
func (m *Manager) SetBreakpoint(sessionID string, c Condition) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if _, err := m.Attach(sessionID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.ids.NewID()
	m.breakpoints[id] = &Breakpoint{ID: id, SessionID: sessionID, Condition: c}
	m.logger.Debug("breakpoint set", "session_id", sessionID, "breakpoint_id", id)
	return id, nil
}

// RemoveBreakpoint deletes a breakpoint.
func (m *Manager) RemoveBreakpoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakpoints[id]; !ok {
		return fault.NotFoundf("breakpoint %q", id)
	}
	delete(m.breakpoints, id)
	return nil
}

// Breakpoints returns copies of a session's breakpoints ordered by id.
func (m *Manager) Breakpoints(sessionID string) []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Breakpoint{}
	for _, bp := range m.breakpoints {
		if bp.SessionID == sessionID {
			out = append(out, *bp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Diff compares the session aggregate's state at two versions. It
// re-projects both states from the store and does not move the session.
func (m *Manager) Diff(ctx context.Context, sessionID string, fromVersion, toVersion int64) (diff.Result, error) {
	info, err := m.engine.Info(sessionID)
	if err != nil {
		return diff.Result{}, err
	}
	if !info.Scope.Aggregate() {
		return diff.Result{}, fault.Invalidf("diff needs an aggregate session")
	}
	if fromVersion < 0 || toVersion < 0 {
		return diff.Result{}, fault.Invalidf("versions must be >= 0")
	}
	from, err := m.stateAt(ctx, info.Scope, fromVersion)
	if err != nil {
		return diff.Result{}, err
	}
	to, err := m.stateAt(ctx, info.Scope, toVersion)
	if err != nil {
		return diff.Result{}, err
	}
	return diff.States(from.State, to.State), nil
}

func (m *Manager) stateAt(ctx context.Context, scope replay.Scope, version int64) (replay.AggregateState, error) {
	if version == 0 {
		return replay.AggregateState{AggregateID: scope.AggregateID}, nil
	}
	st, err := m.engine.StateAt(ctx, scope.AggregateType, scope.AggregateID, version)
	if err != nil {
		return replay.AggregateState{}, fmt.Errorf("diff: %w", err)
	}
	return st, nil
}

// match returns the first breakpoint of sessionID that holds for p, and
// counts the hit. Breakpoints are tried in id order.
func (m *Manager) match(sessionID string, p replay.Pending) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.breakpoints))
	for id, bp := range m.breakpoints {
		if bp.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		bp := m.breakpoints[id]
		if !bp.Condition.At.IsZero() && bp.Hits > 0 {
			continue
		}
		ok, err := bp.Condition.Matches(p.Event, p.Before)
		if err != nil {
			return nil, fmt.Errorf("breakpoint %s: %w", id, err)
		}
		if ok {
			bp.Hits++
			hit := *bp
			return &hit, nil
		}
	}
	return nil, nil
}
