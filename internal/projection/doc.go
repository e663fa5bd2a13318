// Package projection reconstructs aggregate state by folding events.
//
// A fold is a pure function (state, event) -> state registered per event
// type. Project folds a stream on top of an optional snapshot; the input
// state is cloned before every fold so a fold that mutates its argument
// cannot corrupt snapshots, recorded step states or the caller's copy.
//
// Folds must be deterministic: no clock reads, no randomness, no I/O.
// Builds tagged rewinddebug (or registries created with
// WithDeterminismProbe) run every fold twice at registration and reject
// folds whose outputs differ.
//
// Folds can also be declared as data (see Op) and compiled with
// CompileOps; those are deterministic by construction.
package projection
