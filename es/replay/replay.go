// Package replay rebuilds projected state from the event log.
//
// Reconstruction starts from the newest qualifying snapshot (or the empty state),
// proves the snapshot's event still exists, and folds every later event through
// the shared handler registry. Sequences must be contiguous: a missing event is
// reported as es.ErrReplayGap instead of producing a guessed state.
// Nothing in this package writes to the database.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/handler"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/store"
)

// Result is a reconstructed state and where it came from.
type Result[S any] struct {
	// OccurredAt of the last folded event
	OccurredAt time.Time

	State S

	// Sequence is the last folded sequence
	Sequence int64

	// SnapshotSequence is the snapshot the fold started from (0 = none)
	SnapshotSequence int64

	// Applied counts events folded on top of the starting point
	Applied int
}

// Config configures a Reconstructor.
type Config[S any] struct {
	// Logger is optional
	Logger es.Logger

	// Snapshots is optional; without it every reconstruction replays from sequence 1
	Snapshots store.SnapshotStore

	// Codec decodes snapshot state (default JSONCodec)
	Codec Codec[S]

	// Empty returns the initial state of a fold (default zero value)
	Empty func() S
}

// Reconstructor folds event history into state.
type Reconstructor[S any] struct {
	events    store.EventLog
	snapshots store.SnapshotStore
	registry  *handler.Registry[S]
	codec     Codec[S]
	empty     func() S
	logger    es.Logger
}

// New creates a Reconstructor.
func New[S any](events store.EventLog, registry *handler.Registry[S], config Config[S]) *Reconstructor[S] {
	r := &Reconstructor[S]{
		events:    events,
		snapshots: config.Snapshots,
		registry:  registry,
		codec:     config.Codec,
		empty:     config.Empty,
		logger:    config.Logger,
	}
	if r.codec == nil {
		r.codec = JSONCodec[S]{}
	}
	if r.empty == nil {
		r.empty = func() S {
			var zero S
			return zero
		}
	}
	return r
}

// StateAsOf returns the state of the entity as of target, inclusive.
// Returns es.ErrNotFound if the entity had no events at target.
func (r *Reconstructor[S]) StateAsOf(ctx context.Context, db es.DBTX, ref es.EntityRef, target time.Time) (Result[S], error) {
	if target.IsZero() {
		return Result[S]{}, errors.New("replay: target time is required")
	}

	var base *store.Snapshot
	if r.snapshots != nil {
		snap, err := r.snapshots.LatestSnapshot(ctx, db, ref, target)
		switch {
		case err == nil:
			base = &snap
		case !errors.Is(err, es.ErrNotFound):
			return Result[S]{}, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	return r.run(ctx, db, ref, base, func(from int64) ([]es.PersistedEvent, error) {
		return r.events.ReadRange(ctx, db, ref, from, target)
	})
}

// StateAt returns the state of the entity after folding events up to sequence, inclusive.
func (r *Reconstructor[S]) StateAt(ctx context.Context, db es.DBTX, ref es.EntityRef, sequence int64) (Result[S], error) {
	var base *store.Snapshot
	if r.snapshots != nil {
		snap, err := r.snapshots.LatestSnapshotAtOrBefore(ctx, db, ref, sequence)
		switch {
		case err == nil:
			base = &snap
		case !errors.Is(err, es.ErrNotFound):
			return Result[S]{}, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	return r.run(ctx, db, ref, base, func(from int64) ([]es.PersistedEvent, error) {
		first := from + 1
		stream, err := r.events.ReadStream(ctx, db, ref, &first, &sequence)
		return stream.Events, err
	})
}

// Rebuild folds the full history from sequence 1 without consulting snapshots.
func (r *Reconstructor[S]) Rebuild(ctx context.Context, db es.DBTX, ref es.EntityRef) (Result[S], error) {
	return r.run(ctx, db, ref, nil, func(from int64) ([]es.PersistedEvent, error) {
		return r.events.ReadRange(ctx, db, ref, from, time.Time{})
	})
}

// run reads events after the starting point and folds them.
// read receives an exclusive lower bound on sequence.
func (r *Reconstructor[S]) run(ctx context.Context, _ es.DBTX, ref es.EntityRef, base *store.Snapshot, read func(from int64) ([]es.PersistedEvent, error)) (Result[S], error) {
	res := Result[S]{State: r.empty()}
	expected := int64(1)

	if base != nil {
		state, err := r.codec.Decode(base.State)
		if err != nil {
			// Snapshots are advisory; an unreadable one only costs a longer replay.
			if r.logger != nil {
				r.logger.Warn(ctx, "snapshot unreadable, replaying from start",
					"entity", ref.String(),
					"as_of_sequence", base.AsOfSequence,
					"error", err)
			}
			base = nil
		} else {
			res.State = state
		}
	}

	var from int64
	if base != nil {
		// Re-read the snapshot's own event to prove it exists.
		from = base.AsOfSequence - 1
	}

	events, err := read(from)
	if err != nil {
		return Result[S]{}, fmt.Errorf("failed to read events: %w", err)
	}

	if base != nil {
		if len(events) == 0 || events[0].Sequence != base.AsOfSequence {
			var got int64
			if len(events) > 0 {
				got = events[0].Sequence
			}
			return Result[S]{}, r.gap(ctx, ref, base.AsOfSequence, got)
		}
		res.Sequence = base.AsOfSequence
		res.SnapshotSequence = base.AsOfSequence
		res.OccurredAt = events[0].OccurredAt
		expected = base.AsOfSequence + 1
		events = events[1:]
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return Result[S]{}, err
		}
		e := &events[i]
		if e.Sequence != expected {
			return Result[S]{}, r.gap(ctx, ref, expected, e.Sequence)
		}
		next, err := r.registry.Apply(ctx, res.State, e)
		if err != nil {
			return Result[S]{}, err
		}
		res.State = next
		res.Sequence = e.Sequence
		res.OccurredAt = e.OccurredAt
		res.Applied++
		expected++
	}

	if res.Sequence == 0 {
		return Result[S]{}, fmt.Errorf("%s: %w", ref, es.ErrNotFound)
	}

	metrics.ReplayEventsApplied.Observe(float64(res.Applied))
	if r.logger != nil {
		r.logger.Debug(ctx, "state reconstructed",
			"entity", ref.String(),
			"sequence", res.Sequence,
			"snapshot_sequence", res.SnapshotSequence,
			"applied", res.Applied)
	}
	return res, nil
}

func (r *Reconstructor[S]) gap(ctx context.Context, ref es.EntityRef, expected, got int64) error {
	metrics.ReplayGaps.Inc()
	if r.logger != nil {
		r.logger.Error(ctx, "replay gap detected",
			"entity", ref.String(),
			"expected_sequence", expected,
			"got_sequence", got)
	}
	return &es.ReplayGapError{Ref: ref, Expected: expected, Got: got}
}
