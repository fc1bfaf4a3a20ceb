// Package relay forwards committed events to a downstream queue for
// eventually-consistent consumers such as the graph mirror.
//
// The relay runs as a projection.Projection, so delivery is at-least-once and
// ordered per entity. Every message carries the event id; queues and consumers
// use it to discard redeliveries.
package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
)

// Message is the queue representation of one committed event.
type Message struct {
	OccurredAt     time.Time     `json:"occurred_at"`
	EntityType     string        `json:"entity_type"`
	EventType      string        `json:"event_type"`
	Payload        []byte        `json:"payload"`
	Sequence       int64         `json:"sequence"`
	GlobalPosition int64         `json:"global_position"`
	ActorID        uuid.NullUUID `json:"actor_id"`
	EventID        uuid.UUID     `json:"event_id"`
	EntityID       uuid.UUID     `json:"entity_id"`
}

// Ref returns the entity reference of the message.
func (m *Message) Ref() es.EntityRef {
	return es.EntityRef{Type: m.EntityType, ID: m.EntityID}
}

// NewMessage builds the message for a persisted event.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to match event processing pattern
func NewMessage(event es.PersistedEvent) Message {
	return Message{
		OccurredAt:     event.OccurredAt,
		EntityType:     event.EntityType,
		EventType:      event.EventType,
		Payload:        event.Payload,
		Sequence:       event.Sequence,
		GlobalPosition: event.GlobalPosition,
		ActorID:        event.ActorID,
		EventID:        event.EventID,
		EntityID:       event.EntityID,
	}
}

// Fields flattens the message into string fields, in a stable order.
func (m *Message) Fields() []string {
	actor := ""
	if m.ActorID.Valid {
		actor = m.ActorID.UUID.String()
	}
	return []string{
		"event_id", m.EventID.String(),
		"entity_type", m.EntityType,
		"entity_id", m.EntityID.String(),
		"event_type", m.EventType,
		"sequence", strconv.FormatInt(m.Sequence, 10),
		"global_position", strconv.FormatInt(m.GlobalPosition, 10),
		"occurred_at", m.OccurredAt.UTC().Format(time.RFC3339Nano),
		"actor_id", actor,
		"payload", string(m.Payload),
	}
}

// Queue is the downstream transport. Publish must be safe to call again with the
// same message after a failure.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
}
