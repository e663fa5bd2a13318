// Package replay reconstructs and steps through historical state.
//
// An Engine owns replay sessions. A session has a Scope (which events), a
// Mode (forward, reverse or selective) and Options, and moves through
//
//	CREATED -> RUNNING -> {PAUSED, COMPLETED, FAILED, CANCELLED}
//
// PAUSED is only reachable in interactive sessions, which pause after every
// step and resume on the next one. Sessions do not hold locks between
// calls; any number of sessions run concurrently.
//
// Forward replay starts from the newest usable snapshot and folds events
// fetched in batches by a prefetching goroutine. Interactive sessions yield
// one Step per event, batch sessions one Step per batch. Reverse replay
// folds forward once, records the state at every version, and then serves
// steps from the newest version down; no event is ever un-applied.
// Selective replay folds only matching events but tracks the version of
// every event so ExpectedVersion stays usable for appends.
//
// Any fold failure, unknown event type (unless SkipUnknown), version gap or
// corrupted snapshot fails the session with a *ReplayError. Failed sessions
// are never retried.
package replay
