// Package snapshot checkpoints projected aggregate state so replays can
// start from a recent version instead of the first event.
//
// Snapshots are an optimization only. A replay with no snapshots, or with
// every snapshot deleted, reaches the same state. A snapshot whose checksum
// does not match its state is reported as ErrCorruptSnapshot and is never
// folded from.
//
// Backends:
//   - *store.Store: the SQLite snapshots table (production)
//   - MemoryBackend: process-local map (tests, ephemeral tools)
//   - NoopBackend: discards everything (snapshot-less deployments)
package snapshot
