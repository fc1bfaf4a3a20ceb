// Package crm implements living records: contacts, companies and similar
// entities whose every change is an event, with a synchronously maintained
// materialized row, point-in-time reconstruction and reversible merges.
package crm

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// Entity types.
const (
	Contact = "contact"
	Company = "company"
)

// Record statuses.
const (
	StatusActive  = store.ViewActive
	StatusMerged  = store.ViewMerged
	StatusDeleted = store.ViewDeleted
)

// Provenance ties data to the external source and the identity it was first recorded on.
type Provenance struct {
	RecordedAt     time.Time `json:"recorded_at"`
	Source         string    `json:"source"`
	SourceID       string    `json:"source_id"`
	ID             uuid.UUID `json:"id"`
	OriginEntityID uuid.UUID `json:"origin_entity_id"`
}

// Identifier is an external key of a record, such as an email or a domain.
type Identifier struct {
	Kind         string    `json:"kind"`
	Value        string    `json:"value"`
	ProvenanceID uuid.UUID `json:"provenance_id"`
}

// Key returns the index key of the identifier.
func (i Identifier) Key() store.IdentifierKey {
	return store.IdentifierKey{Kind: i.Kind, Value: i.Value}
}

// ContactMethod is a way to reach the entity.
type ContactMethod struct {
	Kind         string    `json:"kind"`
	Value        string    `json:"value"`
	Label        string    `json:"label,omitempty"`
	ID           uuid.UUID `json:"id"`
	ProvenanceID uuid.UUID `json:"provenance_id"`
}

// Affiliation links the record to another entity, e.g. a contact's employer.
type Affiliation struct {
	Target       es.EntityRef `json:"target"`
	Role         string       `json:"role"`
	Title        string       `json:"title,omitempty"`
	ID           uuid.UUID    `json:"id"`
	ProvenanceID uuid.UUID    `json:"provenance_id"`
}

// MergeLink records an absorbed entity and the provenance records it brought along.
type MergeLink struct {
	At            time.Time   `json:"at"`
	ProvenanceIDs []uuid.UUID `json:"provenance_ids,omitempty"`
	EntityID      uuid.UUID   `json:"entity_id"`
	CandidateID   uuid.UUID   `json:"candidate_id"`
	SplitInto     uuid.UUID   `json:"split_into"`
}

// Split reports whether the absorbed entity was split out again.
func (l *MergeLink) Split() bool {
	return l.SplitInto != uuid.Nil
}

// Record is the projected state of a living record.
// Empty collections are nil so that equal states encode to equal bytes.
type Record struct {
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Fields         map[string]string `json:"fields,omitempty"`
	Ref            es.EntityRef      `json:"ref"`
	Status         string            `json:"status"`
	Identifiers    []Identifier      `json:"identifiers,omitempty"`
	ContactMethods []ContactMethod   `json:"contact_methods,omitempty"`
	Affiliations   []Affiliation     `json:"affiliations,omitempty"`
	Provenance     []Provenance      `json:"provenance,omitempty"`
	MergedFrom     []MergeLink       `json:"merged_from,omitempty"`
	Sequence       int64             `json:"sequence"`
	MergedInto     uuid.NullUUID     `json:"merged_into"`
	SplitFrom      uuid.NullUUID     `json:"split_from"`
}

// Exists reports whether the record has been created.
func (r *Record) Exists() bool {
	return r.Sequence > 0
}

// Active reports whether the record accepts ordinary writes.
func (r *Record) Active() bool {
	return r.Status == StatusActive
}

// Field returns a field value.
func (r *Record) Field(name string) string {
	return r.Fields[name]
}

// IdentifierKeys returns the distinct identifier index keys, sorted.
func (r *Record) IdentifierKeys() []store.IdentifierKey {
	seen := make(map[store.IdentifierKey]struct{}, len(r.Identifiers))
	keys := make([]store.IdentifierKey, 0, len(r.Identifiers))
	for _, id := range r.Identifiers {
		k := id.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Value < keys[j].Value
	})
	return keys
}

// ProvenanceByID returns the provenance record with the given id.
func (r *Record) ProvenanceByID(id uuid.UUID) (Provenance, bool) {
	for _, p := range r.Provenance {
		if p.ID == id {
			return p, true
		}
	}
	return Provenance{}, false
}

// splitLinkFor returns the latest split merge link that carried any of the
// provenance ids away.
func (r *Record) splitLinkFor(provenanceIDs []uuid.UUID) (MergeLink, bool) {
	for i := len(r.MergedFrom) - 1; i >= 0; i-- {
		l := r.MergedFrom[i]
		if !l.Split() {
			continue
		}
		for _, id := range l.ProvenanceIDs {
			if slices.Contains(provenanceIDs, id) {
				return l, true
			}
		}
	}
	return MergeLink{}, false
}

// MergeLinkFor returns the merge link of an absorbed entity.
func (r *Record) MergeLinkFor(entityID uuid.UUID) (MergeLink, bool) {
	for i := len(r.MergedFrom) - 1; i >= 0; i-- {
		if r.MergedFrom[i].EntityID == entityID {
			return r.MergedFrom[i], true
		}
	}
	return MergeLink{}, false
}

// Clone returns a deep copy, so handlers never mutate prior state.
func (r *Record) Clone() Record {
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	c.Identifiers = cloneSlice(r.Identifiers)
	c.ContactMethods = cloneSlice(r.ContactMethods)
	c.Affiliations = cloneSlice(r.Affiliations)
	c.Provenance = cloneSlice(r.Provenance)
	if r.MergedFrom != nil {
		c.MergedFrom = make([]MergeLink, len(r.MergedFrom))
		for i, l := range r.MergedFrom {
			l.ProvenanceIDs = cloneSlice(l.ProvenanceIDs)
			c.MergedFrom[i] = l
		}
	}
	return c
}

func cloneSlice[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func filter[T any](s []T, keep func(T) bool) []T {
	var out []T
	for _, v := range s {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
