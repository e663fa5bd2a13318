package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/telemetry"
)

// record is the persisted form of a session.
type record struct {
	Scope      Scope                     `json:"scope"`
	Mode       Mode                      `json:"mode"`
	Options    Options                   `json:"options"`
	Status     Status                    `json:"status"`
	Error      string                    `json:"error,omitempty"`
	Loaded     bool                      `json:"loaded"`
	Steps      int                       `json:"steps"`
	Events     int                       `json:"events"`
	Cursor     int64                     `json:"cursor"`
	Skipped    bool                      `json:"skipped,omitempty"`
	Aggregates map[string]AggregateState `json:"aggregates"`
}

// Persist saves the session so Resume can continue it later, possibly in
// another process. Only forward and selective sessions without Selector or
// Transform functions can be persisted. Sandbox effect logs are not saved.
func (e *Engine) Persist(ctx context.Context, id string) error {
	if e.sessions == nil {
		return fault.Invalidf("no session store configured")
	}
	s, err := e.get(id)
	if err != nil {
		return err
	}
	if s.mode == ModeReverse {
		return fault.Invalidf("reverse sessions cannot be persisted")
	}
	if s.opts.Selector != nil || s.opts.Transform != nil {
		return fault.Invalidf("sessions with selector or transform functions cannot be persisted")
	}

	s.step.Lock()
	defer s.step.Unlock()
	s.mu.Lock()
	rec := record{
		Scope:      s.scope,
		Mode:       s.mode,
		Options:    s.opts,
		Status:     s.status,
		Loaded:     s.loaded,
		Steps:      s.index,
		Events:     s.events,
		Cursor:     s.cursor,
		Skipped:    s.skipped,
		Aggregates: make(map[string]AggregateState, len(s.aggs)),
	}
	for aggID, agg := range s.aggs {
		rec.Aggregates[aggID] = agg
	}
	if s.failure != nil {
		rec.Error = s.failure.Error()
	}
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	if err := e.sessions.SaveSession(ctx, store.SessionRecord{
		ID:        id,
		Status:    string(rec.Status),
		Mode:      string(rec.Mode),
		Data:      data,
		UpdatedAt: e.clock.Now(),
	}); err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	e.logger.Info("replay session persisted", "session_id", id, "status", rec.Status, "cursor", rec.Cursor)
	return nil
}

// Resume restores a persisted session under its original id. It continues
// after the last event the session consumed.
func (e *Engine) Resume(ctx context.Context, id string) (string, error) {
	if e.sessions == nil {
		return "", fault.Invalidf("no session store configured")
	}
	if _, err := e.get(id); err == nil {
		return "", fault.Invalidf("replay session %s is already live", id)
	}
	stored, err := e.sessions.LoadSession(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resume %s: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(stored.Data, &rec); err != nil {
		return "", fmt.Errorf("resume %s: decode: %w", id, err)
	}
	if err := rec.Scope.validate(rec.Mode); err != nil {
		return "", fmt.Errorf("resume %s: %w", id, err)
	}

	s := newSession(id, rec.Scope, rec.Mode, rec.Options)
	s.status = rec.Status
	s.index = rec.Steps
	s.events = rec.Events
	s.cursor = rec.Cursor
	s.skipped = rec.Skipped
	for aggID, agg := range rec.Aggregates {
		s.aggs[aggID] = agg
	}
	if rec.Error != "" {
		s.failure = &ReplayError{SessionID: id, Cause: errors.New(rec.Error)}
	}
	if rec.Options.Sandboxed {
		if e.isolator == nil {
			return "", fault.Invalidf("sandboxed replay needs an isolator")
		}
		if s.box, err = e.isolator.Create(rec.Options.Limits); err != nil {
			return "", err
		}
	}
	if rec.Loaded && !rec.Status.Terminal() {
		e.restartFetch(s)
	}

	e.mu.Lock()
	if _, live := e.live[id]; live {
		e.mu.Unlock()
		s.stopFetch()
		if s.box != "" {
			_ = e.isolator.Destroy(s.box)
		}
		return "", fault.Invalidf("replay session %s is already live", id)
	}
	e.live[id] = s
	e.mu.Unlock()
	telemetry.ReplaySessionsActive.Inc()

	e.logger.Info("replay session resumed", "session_id", id, "status", rec.Status, "cursor", rec.Cursor)
	return id, nil
}

// restartFetch continues fetching after the session's cursor.
func (e *Engine) restartFetch(s *session) {
	s.loaded = true
	if s.scope.Aggregate() {
		e.resumeFetch(s, s.aggs[s.scope.AggregateID])
		return
	}
	e.startFetch(s, s.scope.fetchFilter(), s.cursor+1)
}

// Discard deletes a persisted session.
func (e *Engine) Discard(ctx context.Context, id string) error {
	if e.sessions == nil {
		return fault.Invalidf("no session store configured")
	}
	return e.sessions.DeleteSession(ctx, id)
}
