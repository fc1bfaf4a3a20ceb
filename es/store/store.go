// Package store defines the storage contracts of the event store.
// Implementations live under es/adapters.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
)

// Head is the locked allocation state of one entity.
type Head struct {
	Ref es.EntityRef

	// Sequence is the last allocated sequence (0 = no events)
	Sequence int64

	// LastOccurredAt is the OccurredAt of the event at Sequence
	LastOccurredAt time.Time
}

// SequenceAllocator hands out strictly increasing per-entity sequences.
// Both methods must run inside the write transaction; the lock is held until it ends,
// which serializes writers to the same entity and leaves other entities untouched.
type SequenceAllocator interface {
	// Lock creates the head row if needed and locks it.
	Lock(ctx context.Context, tx es.DBTX, ref es.EntityRef) (Head, error)

	// NextSequence locks the head and returns the next sequence for the entity.
	NextSequence(ctx context.Context, tx es.DBTX, ref es.EntityRef) (int64, error)
}

// EventLog is the append-only event storage.
type EventLog interface {
	// Append atomically appends events for a single entity within tx.
	// Sequences and OccurredAt are assigned under the entity lock. Events whose
	// DedupKey is already stored are returned with Deduplicated set and not rewritten.
	//
	// Returns es.ErrVersionMismatch if expected does not hold,
	// es.ErrOrderingConflict on a sequence collision, es.ErrNoEvents for an empty slice.
	Append(ctx context.Context, tx es.DBTX, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error)

	// ReadRange returns events with sequence > fromSequence and occurred_at <= to
	// in ascending sequence order. A zero to means no time bound.
	ReadRange(ctx context.Context, db es.DBTX, ref es.EntityRef, fromSequence int64, to time.Time) ([]es.PersistedEvent, error)

	// ReadStream returns the entity's events between the optional inclusive bounds.
	ReadStream(ctx context.Context, db es.DBTX, ref es.EntityRef, fromSequence, toSequence *int64) (es.Stream, error)

	// Head returns the committed head without locking. A missing entity yields Sequence 0.
	Head(ctx context.Context, db es.DBTX, ref es.EntityRef) (Head, error)
}

// EventReader reads the global log for asynchronous consumers.
type EventReader interface {
	// ReadEvents returns up to limit events with global_position > fromPosition, ascending.
	ReadEvents(ctx context.Context, db es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}

// CheckpointStore tracks consumer progress through the global log.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, db es.DBTX, consumer string) (int64, error)
	UpdateCheckpoint(ctx context.Context, db es.DBTX, consumer string, position int64) error
}

// View statuses.
const (
	ViewActive  = "active"
	ViewMerged  = "merged"
	ViewDeleted = "deleted"
)

// View is a materialized current-state row.
type View struct {
	UpdatedAt  time.Time
	Ref        es.EntityRef
	Status     string
	State      []byte
	Sequence   int64
	MergedInto uuid.NullUUID
}

// Listable reports whether the view appears in listings.
func (v *View) Listable() bool {
	return v.Status == ViewActive
}

// IdentifierKey is one indexed identifier of a materialized entity.
type IdentifierKey struct {
	Kind  string
	Value string
}

// ViewStore persists materialized rows and their identifier index.
type ViewStore interface {
	// LoadView returns the view or es.ErrNotFound.
	LoadView(ctx context.Context, db es.DBTX, ref es.EntityRef) (View, error)

	// SaveView upserts the view.
	SaveView(ctx context.Context, tx es.DBTX, view *View) error

	// ReplaceIdentifiers rewrites the identifier index of an entity.
	ReplaceIdentifiers(ctx context.Context, tx es.DBTX, ref es.EntityRef, keys []IdentifierKey) error

	// FindByIdentifier returns the ids of entities carrying the identifier.
	FindByIdentifier(ctx context.Context, db es.DBTX, entityType string, key IdentifierKey) ([]uuid.UUID, error)

	// ListViews returns listable views ordered by entity id, after the given id.
	ListViews(ctx context.Context, db es.DBTX, entityType string, after uuid.UUID, limit int) ([]View, error)

	// ListEntityIDs returns all entity ids of a type (any status), ordered, after the given id.
	ListEntityIDs(ctx context.Context, db es.DBTX, entityType string, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// Snapshot is an advisory checkpoint of projected state.
type Snapshot struct {
	TakenAt        time.Time
	AsOfOccurredAt time.Time
	Ref            es.EntityRef
	State          []byte
	AsOfSequence   int64
}

// SnapshotStore persists snapshots. Snapshots are inserted, never updated.
type SnapshotStore interface {
	// SaveSnapshot inserts a snapshot; an existing snapshot at the same sequence is kept.
	SaveSnapshot(ctx context.Context, db es.DBTX, snap *Snapshot) error

	// LatestSnapshot returns the newest snapshot with as_of_occurred_at <= before
	// (zero before = no bound), or es.ErrNotFound.
	LatestSnapshot(ctx context.Context, db es.DBTX, ref es.EntityRef, before time.Time) (Snapshot, error)

	// LatestSnapshotAtOrBefore returns the newest snapshot with as_of_sequence <= sequence, or es.ErrNotFound.
	LatestSnapshotAtOrBefore(ctx context.Context, db es.DBTX, ref es.EntityRef, sequence int64) (Snapshot, error)

	// PruneSnapshots deletes all but the newest keep snapshots and returns how many were removed.
	PruneSnapshots(ctx context.Context, db es.DBTX, ref es.EntityRef, keep int) (int64, error)

	// DeleteSnapshots removes every snapshot of the entity.
	DeleteSnapshots(ctx context.Context, db es.DBTX, ref es.EntityRef) (int64, error)
}

// Candidate statuses.
const (
	CandidatePending    = "pending"
	CandidateApproved   = "approved"
	CandidateRejected   = "rejected"
	CandidateAutoMerged = "auto_merged"
)

// MatchCandidate is a proposed identity consolidation of two entities.
type MatchCandidate struct {
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ReviewedAt    *time.Time
	EntityType    string
	Status        string
	Signals       []byte
	ID            uuid.UUID
	EntityA       uuid.NullUUID
	EntityB       uuid.NullUUID
	SurvivorID    uuid.NullUUID
	DuplicateID   uuid.NullUUID
	SplitEntityID uuid.NullUUID
	ReviewedBy    uuid.NullUUID
	Confidence    float64
}

// MatchStore persists match candidates.
type MatchStore interface {
	InsertCandidate(ctx context.Context, tx es.DBTX, c *MatchCandidate) error

	// GetCandidate returns the candidate or es.ErrNotFound. With forUpdate the row is locked.
	GetCandidate(ctx context.Context, db es.DBTX, id uuid.UUID, forUpdate bool) (MatchCandidate, error)

	UpdateCandidate(ctx context.Context, tx es.DBTX, c *MatchCandidate) error

	// ListCandidates returns candidates with the given status (all when empty), oldest first.
	ListCandidates(ctx context.Context, db es.DBTX, status string, limit int) ([]MatchCandidate, error)
}

// Erasure is the metadata-only audit record of a compliance erasure.
type Erasure struct {
	ErasedAt         time.Time
	Ref              es.EntityRef
	Reason           string
	ID               uuid.UUID
	ActorID          uuid.NullUUID
	EventsDeleted    int64
	SnapshotsDeleted int64
}

// ErasureLog performs and audits hard deletes.
type ErasureLog interface {
	// EraseEntity hard-deletes the entity's events, snapshots, head, view and identifiers,
	// nullifies references to it, and returns the deleted counts.
	EraseEntity(ctx context.Context, tx es.DBTX, ref es.EntityRef) (events, snapshots int64, err error)

	RecordErasure(ctx context.Context, tx es.DBTX, e *Erasure) error
}

// Backend bundles the contracts implemented by a complete storage backend.
type Backend interface {
	SequenceAllocator
	EventLog
	EventReader
	CheckpointStore
	ViewStore
	SnapshotStore
	MatchStore
	ErasureLog

	// TxOptions returns options for write transactions that lock more than one entity.
	TxOptions() *sql.TxOptions

	// IsRetryable reports whether a failed write transaction may be retried from scratch.
	IsRetryable(err error) bool
}
