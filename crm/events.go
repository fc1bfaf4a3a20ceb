package crm

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event types of the closed catalog.
const (
	EventCreated              = "Created"
	EventUpdated              = "Updated"
	EventFieldsCleared        = "FieldsCleared"
	EventIdentifierAdded      = "IdentifierAdded"
	EventIdentifierRemoved    = "IdentifierRemoved"
	EventContactMethodAdded   = "ContactMethodAdded"
	EventContactMethodRemoved = "ContactMethodRemoved"
	EventAffiliationAdded     = "AffiliationAdded"
	EventAffiliationRemoved   = "AffiliationRemoved"
	EventProvenanceRecorded   = "ProvenanceRecorded"
	EventMerged               = "Merged"
	EventSplit                = "Split"
	EventDeleted              = "Deleted"
	EventRestored             = "Restored"
)

// Merge roles.
const (
	RoleSurvivor  = "survivor"
	RoleDuplicate = "duplicate"
)

// Change is the payload of one catalog event.
type Change interface {
	EventType() string
}

// Created starts a record.
type Created struct {
	Fields         map[string]string `json:"fields,omitempty"`
	Identifiers    []Identifier      `json:"identifiers,omitempty"`
	ContactMethods []ContactMethod   `json:"contact_methods,omitempty"`
	Affiliations   []Affiliation     `json:"affiliations,omitempty"`
	Provenance     []Provenance      `json:"provenance,omitempty"`
	SplitFrom      uuid.NullUUID     `json:"split_from"`
	CandidateID    uuid.NullUUID     `json:"candidate_id"`
}

// Updated sets fields. An empty value is stored as is; use FieldsCleared to remove.
type Updated struct {
	Fields map[string]string `json:"fields"`
}

// FieldsCleared removes fields.
type FieldsCleared struct {
	Keys []string `json:"keys"`
}

// IdentifierAdded adds an identifier.
type IdentifierAdded struct {
	Identifier
}

// IdentifierRemoved removes every identifier with the kind and value.
type IdentifierRemoved struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ContactMethodAdded adds a contact method.
type ContactMethodAdded struct {
	ContactMethod
}

// ContactMethodRemoved removes a contact method.
type ContactMethodRemoved struct {
	ID uuid.UUID `json:"id"`
}

// AffiliationAdded links the record to another entity.
type AffiliationAdded struct {
	Affiliation
}

// AffiliationRemoved removes a link.
type AffiliationRemoved struct {
	ID uuid.UUID `json:"id"`
}

// ProvenanceRecorded registers a source record.
type ProvenanceRecorded struct {
	Provenance
}

// Moved is the data a merge moves from the duplicate to the survivor.
type Moved struct {
	Identifiers    []Identifier    `json:"identifiers,omitempty"`
	ContactMethods []ContactMethod `json:"contact_methods,omitempty"`
	Affiliations   []Affiliation   `json:"affiliations,omitempty"`
	Provenance     []Provenance    `json:"provenance,omitempty"`
}

func (m *Moved) empty() bool {
	return len(m.Identifiers) == 0 && len(m.ContactMethods) == 0 && len(m.Affiliations) == 0 && len(m.Provenance) == 0
}

// Merged is appended to both sides of a merge.
type Merged struct {
	Signals     json.RawMessage `json:"signals,omitempty"`
	Role        string          `json:"role"`
	Moved       *Moved          `json:"moved,omitempty"`
	Confidence  float64         `json:"confidence"`
	Counterpart uuid.UUID       `json:"counterpart"`
	CandidateID uuid.UUID       `json:"candidate_id"`
}

// Split is appended to the entity that gives data back to a new entity.
type Split struct {
	ProvenanceIDs  []uuid.UUID `json:"provenance_ids"`
	NewEntityID    uuid.UUID   `json:"new_entity_id"`
	OriginEntityID uuid.UUID   `json:"origin_entity_id"`
	CandidateID    uuid.UUID   `json:"candidate_id"`
}

// Deleted soft-deletes the record. The row stays, but is no longer listable.
type Deleted struct {
	Reason string `json:"reason,omitempty"`
}

// Restored reactivates a deleted record.
type Restored struct{}

func (Created) EventType() string              { return EventCreated }
func (Updated) EventType() string              { return EventUpdated }
func (FieldsCleared) EventType() string        { return EventFieldsCleared }
func (IdentifierAdded) EventType() string      { return EventIdentifierAdded }
func (IdentifierRemoved) EventType() string    { return EventIdentifierRemoved }
func (ContactMethodAdded) EventType() string   { return EventContactMethodAdded }
func (ContactMethodRemoved) EventType() string { return EventContactMethodRemoved }
func (AffiliationAdded) EventType() string     { return EventAffiliationAdded }
func (AffiliationRemoved) EventType() string   { return EventAffiliationRemoved }
func (ProvenanceRecorded) EventType() string   { return EventProvenanceRecorded }
func (Merged) EventType() string               { return EventMerged }
func (Split) EventType() string                { return EventSplit }
func (Deleted) EventType() string              { return EventDeleted }
func (Restored) EventType() string             { return EventRestored }

// Catalog lists every event type in the catalog.
func Catalog() []string {
	return []string{
		EventCreated, EventUpdated, EventFieldsCleared,
		EventIdentifierAdded, EventIdentifierRemoved,
		EventContactMethodAdded, EventContactMethodRemoved,
		EventAffiliationAdded, EventAffiliationRemoved,
		EventProvenanceRecorded, EventMerged, EventSplit,
		EventDeleted, EventRestored,
	}
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
