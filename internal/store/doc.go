// Package store provides SQLite-backed durable storage for the event log.
//
// The store holds:
//   - Events: the append-only log, one row per event, keyed by global seq
//   - Event tags: an inverted (key, value) -> seq index for tag queries
//   - Snapshots: derived checkpoints of aggregate state
//   - Replay sessions: persisted session state, resumable by id
//
// # Ordering and Identity
//
//   - seq is assigned inside the append transaction as MAX(seq)+1, so
//     sequence numbers are strictly increasing and gap-free
//   - UNIQUE(aggregate_id, aggregate_version) backs optimistic concurrency
//   - All event queries ORDER BY seq ASC; within an aggregate that is also
//     ascending version order
//   - Triggers reject UPDATE and DELETE on events
//
// # Serialization
//
// Payloads and snapshot state are stored as RFC 8785 canonical JSON
// (internal/ir), so reading and re-encoding an event yields identical bytes.
//
// # Errors
//
// Version mismatches surface as *ConflictError. Every other driver failure is
// wrapped in *IOError, which fault.Retryable reports as retryable; Retry
// applies exponential backoff to such operations.
package store
