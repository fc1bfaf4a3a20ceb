package es

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderingConflict indicates a sequence collision between concurrent writers.
	// It is always retryable; write paths retry it without surfacing it.
	ErrOrderingConflict = errors.New("ordering conflict")

	// ErrVersionMismatch indicates the entity is not at the caller's expected version.
	ErrVersionMismatch = errors.New("expected version mismatch")

	// ErrReplayGap indicates missing history between a snapshot and the following events.
	// Reconstruction refuses to guess; this needs manual repair.
	ErrReplayGap = errors.New("insufficient history")

	// ErrNotFound indicates the entity (or candidate) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a creation event for an entity that already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrEntityTerminal indicates a write against a merged or deleted entity.
	ErrEntityTerminal = errors.New("entity is in a terminal state")

	// ErrEntityMismatch indicates events or references for the wrong entity.
	ErrEntityMismatch = errors.New("entity mismatch")

	// ErrInvalidTransition indicates a forbidden match-candidate state change.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")
)

// ReplayGapError describes where a replay found missing history.
type ReplayGapError struct {
	Ref      EntityRef
	Expected int64
	Got      int64
}

func (e *ReplayGapError) Error() string {
	if e.Got == 0 {
		return fmt.Sprintf("%s: %s: event %d is missing", ErrReplayGap, e.Ref, e.Expected)
	}
	return fmt.Sprintf("%s: %s: expected sequence %d, got %d", ErrReplayGap, e.Ref, e.Expected, e.Got)
}

// Unwrap lets errors.Is match ErrReplayGap.
func (e *ReplayGapError) Unwrap() error {
	return ErrReplayGap
}
