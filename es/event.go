package es

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of one state change to one entity.
// Sequence and OccurredAt are finalized by the event log on append.
type Event struct {
	// OccurredAt is when the change happened. The log clamps it so that it never
	// goes backwards within an entity's stream. Zero means "now".
	OccurredAt time.Time

	// EntityType is the type tag of the entity ("contact", "company", ...)
	EntityType string

	// EventType identifies the change, drawn from a closed catalog
	EventType string

	// DedupKey makes retried appends idempotent when set.
	// It is unique per entity.
	DedupKey string

	// Payload is the JSON encoded event body; its shape depends on EventType
	Payload []byte

	// Metadata carries transport context (request ids, source system) as JSON
	Metadata []byte

	// EventVersion is the schema version of the payload
	EventVersion int

	// Sequence is the per-entity position, assigned by the allocator
	Sequence int64

	// ActorID is the user that caused the change; invalid means a system event
	ActorID uuid.NullUUID

	// CorrelationID links events produced by the same operation (e.g. both sides of a merge)
	CorrelationID uuid.NullUUID

	// CausationID identifies the command or event that caused this one
	CausationID uuid.NullUUID

	// EventID is a unique identifier for this event
	EventID uuid.UUID

	// EntityID identifies the entity instance
	EntityID uuid.UUID
}

// Ref returns the type-tagged reference of the entity the event belongs to.
//
//nolint:gocritic // hugeParam: value receiver keeps events immutable
func (e Event) Ref() EntityRef {
	return EntityRef{Type: e.EntityType, ID: e.EntityID}
}

// IsSystem reports whether the event has no human actor.
//
//nolint:gocritic // hugeParam: value receiver keeps events immutable
func (e Event) IsSystem() bool {
	return !e.ActorID.Valid
}

// PersistedEvent is an event that has been committed to the log.
type PersistedEvent struct {
	Event

	// RecordedAt is the wall clock time of the append
	RecordedAt time.Time

	// GlobalPosition orders events across all entities in append order
	GlobalPosition int64

	// Deduplicated is set by Append when the event was already stored under its DedupKey
	Deduplicated bool
}

// Stream is the ordered event history of one entity.
type Stream struct {
	Ref    EntityRef
	Events []PersistedEvent
}

// Sequence returns the sequence of the last event in the stream, or 0 if empty.
func (s Stream) Sequence() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Sequence
}

// IsEmpty reports whether the stream holds no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	// Events are the stored events in sequence order, including deduplicated ones
	Events []PersistedEvent

	// Head is the entity sequence after the append
	Head int64
}

// Appended returns only the events that were newly written by this append.
func (r AppendResult) Appended() []PersistedEvent {
	out := make([]PersistedEvent, 0, len(r.Events))
	for i := range r.Events {
		if !r.Events[i].Deduplicated {
			out = append(out, r.Events[i])
		}
	}
	return out
}

// FromSequence returns the first newly written sequence, or 0 when nothing was appended.
func (r AppendResult) FromSequence() int64 {
	for i := range r.Events {
		if !r.Events[i].Deduplicated {
			return r.Events[i].Sequence
		}
	}
	return 0
}
