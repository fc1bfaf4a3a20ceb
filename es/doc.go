// Package es provides the core types of the living-record event store.
//
// # Overview
//
// Every mutation of an entity (a contact, a company, ...) is recorded as an
// immutable Event with a per-entity Sequence. A read-optimized projection of the
// current state is updated in the same transaction as the append, snapshots bound
// replay cost, and point-in-time state is rebuilt by folding events through a
// handler registry.
//
// This package defines:
//   - Event, PersistedEvent, Stream: immutable facts and their ordered history
//   - EntityRef: type-tagged entity identifiers
//   - ExpectedVersion: optimistic expectations checked on append
//   - DBTX, TxBeginner: database abstractions (implemented by *sql.DB and *sql.Tx)
//   - Logger: optional structured logging
//   - the error taxonomy shared by all components
//
// # Transaction Control
//
// Store methods take a DBTX and never manage transactions themselves. The domain
// service (package crm) owns transaction boundaries so that an event append and
// the matching view update commit or roll back together.
//
// # Ordering
//
// Sequences are allocated under a per-entity row lock and are contiguous from 1.
// A unique constraint on (entity_type, entity_id, sequence) is the backstop;
// a violation surfaces as ErrOrderingConflict, which write paths retry.
//
// # Error Taxonomy
//
//   - ErrOrderingConflict: retryable, never surfaced to ordinary writers
//   - ErrReplayGap: fatal corruption, reconstruction refuses to guess
//   - unknown event types during replay: warning + no-op (see package handler)
//   - merge/split partial state: prevented by transactions
//   - compliance erasure: the only destructive path, audited without payloads
package es
