package es

import "fmt"

// ExpectedVersion is the caller's expectation about an entity's current sequence.
// It is checked by Append against the locked head of the entity.
type ExpectedVersion struct {
	value int64
}

const (
	// expectedVersionAny indicates no version check should be performed
	expectedVersionAny = -1
	// expectedVersionNoStream indicates the entity must not exist
	expectedVersionNoStream = -2
)

// Any returns an ExpectedVersion that skips validation.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream requires that the entity has no events yet.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact requires the entity's last sequence to be exactly version.
// The version must be non-negative; Exact(0) is equivalent to NoStream.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny returns true if no check is performed.
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream returns true if the entity must not exist.
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsExact returns true if the entity must be at a specific sequence.
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact sequence, or 0 for Any and NoStream.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// Check validates the expectation against the current head sequence (0 = no events).
func (ev ExpectedVersion) Check(current int64) error {
	switch {
	case ev.IsAny():
		return nil
	case ev.IsNoStream():
		if current != 0 {
			return fmt.Errorf("%w: expected no stream, entity is at %d", ErrVersionMismatch, current)
		}
	case current != ev.value:
		return fmt.Errorf("%w: expected %d, entity is at %d", ErrVersionMismatch, ev.value, current)
	}
	return nil
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
