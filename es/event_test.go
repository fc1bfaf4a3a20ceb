package es

import (
	"testing"

	"github.com/google/uuid"
)

func TestStream_Sequence(t *testing.T) {
	tests := []struct {
		name   string
		stream Stream
		want   int64
	}{
		{
			name:   "empty stream returns 0",
			stream: Stream{Events: []PersistedEvent{}},
			want:   0,
		},
		{
			name: "single event",
			stream: Stream{Events: []PersistedEvent{
				{Event: Event{Sequence: 1}},
			}},
			want: 1,
		},
		{
			name: "returns last event's sequence",
			stream: Stream{Events: []PersistedEvent{
				{Event: Event{Sequence: 1}},
				{Event: Event{Sequence: 2}},
				{Event: Event{Sequence: 3}},
			}},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stream.Sequence(); got != tt.want {
				t.Errorf("Stream.Sequence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStream_IsEmptyAndLen(t *testing.T) {
	var s Stream
	if !s.IsEmpty() {
		t.Error("nil events should be empty")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}

	s.Events = append(s.Events, PersistedEvent{Event: Event{Sequence: 1}})
	if s.IsEmpty() {
		t.Error("stream with one event should not be empty")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestAppendResult_Appended(t *testing.T) {
	r := AppendResult{
		Events: []PersistedEvent{
			{Event: Event{Sequence: 4}, Deduplicated: true},
			{Event: Event{Sequence: 7}},
			{Event: Event{Sequence: 8}},
		},
		Head: 8,
	}

	got := r.Appended()
	if len(got) != 2 {
		t.Fatalf("Expected 2 appended events, got %d", len(got))
	}
	if r.FromSequence() != 7 {
		t.Errorf("FromSequence() = %d, want 7", r.FromSequence())
	}

	allDup := AppendResult{Events: []PersistedEvent{{Deduplicated: true}}}
	if allDup.FromSequence() != 0 {
		t.Errorf("FromSequence() = %d, want 0 when everything was deduplicated", allDup.FromSequence())
	}
}

func TestEvent_RefAndSystem(t *testing.T) {
	id := uuid.New()
	e := Event{EntityType: "contact", EntityID: id}

	if e.Ref() != (EntityRef{Type: "contact", ID: id}) {
		t.Errorf("unexpected ref %v", e.Ref())
	}
	if !e.IsSystem() {
		t.Error("event without actor should be a system event")
	}

	e.ActorID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	if e.IsSystem() {
		t.Error("event with actor should not be a system event")
	}
}
