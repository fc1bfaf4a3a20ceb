package es

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityRef is a type-tagged entity identifier.
// It replaces loosely typed (id, type) column pairs: the type discriminant travels
// with the id and is checked whenever a reference is decoded.
type EntityRef struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// NewRef builds a reference, panicking on an empty type tag.
func NewRef(entityType string, id uuid.UUID) EntityRef {
	if entityType == "" {
		panic("es: entity type must not be empty")
	}
	return EntityRef{Type: entityType, ID: id}
}

// ParseRef parses the "type:uuid" form produced by String.
func ParseRef(s string) (EntityRef, error) {
	typ, raw, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q: want type:uuid", s)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q: %w", s, err)
	}
	return EntityRef{Type: typ, ID: id}, nil
}

// String returns "type:uuid".
func (r EntityRef) String() string {
	return r.Type + ":" + r.ID.String()
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return r.Type == "" && r.ID == uuid.Nil
}

// Validate checks that the reference is complete.
func (r EntityRef) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("entity reference %s: missing type", r.ID)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("entity reference of type %s: missing id", r.Type)
	}
	return nil
}

// Expect returns an error unless the reference carries the wanted type tag.
func (r EntityRef) Expect(entityType string) error {
	if r.Type != entityType {
		return fmt.Errorf("%w: %s is not a %s", ErrEntityMismatch, r, entityType)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (r EntityRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *EntityRef) UnmarshalText(b []byte) error {
	ref, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}
