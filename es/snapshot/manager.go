// Package snapshot maintains advisory state snapshots that bound replay depth.
//
// Snapshots are taken out of band, after the write transaction commits, and are
// inserted rather than updated. Deleting every snapshot of an entity changes the
// cost of reconstruction but never its result.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/replay"
	"github.com/getpup/livingrecord/es/store"
)

// Config configures a Manager.
type Config struct {
	// Logger is optional
	Logger es.Logger

	// Threshold is how many events may accumulate after the latest snapshot
	// before a new one is taken (default 50)
	Threshold int64

	// Retain is how many snapshots are kept per entity (default 3)
	Retain int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 50,
		Retain:    3,
	}
}

// EventLog is the part of the log a Manager reads and locks.
type EventLog interface {
	store.EventLog
	store.SequenceAllocator
}

// Manager decides when to snapshot and writes snapshots.
type Manager[S any] struct {
	events        EventLog
	snapshots     store.SnapshotStore
	reconstructor *replay.Reconstructor[S]
	codec         replay.Codec[S]
	logger        es.Logger
	threshold     atomic.Int64
	retain        atomic.Int64
}

// NewManager creates a Manager. The reconstructor should share the snapshot store
// so new snapshots build on older ones.
func NewManager[S any](events EventLog, snapshots store.SnapshotStore, reconstructor *replay.Reconstructor[S], codec replay.Codec[S], config Config) *Manager[S] {
	if codec == nil {
		codec = replay.JSONCodec[S]{}
	}
	m := &Manager[S]{
		events:        events,
		snapshots:     snapshots,
		reconstructor: reconstructor,
		codec:         codec,
		logger:        config.Logger,
	}
	m.SetThreshold(config.Threshold)
	m.SetRetain(config.Retain)
	return m
}

// SetThreshold changes the snapshot cadence; safe to call while snapshots run.
// Values below 1 restore the default.
func (m *Manager[S]) SetThreshold(n int64) {
	if n < 1 {
		n = DefaultConfig().Threshold
	}
	m.threshold.Store(n)
}

// Threshold returns the current snapshot cadence.
func (m *Manager[S]) Threshold() int64 {
	return m.threshold.Load()
}

// SetRetain changes how many snapshots are kept per entity. Values below 1 restore the default.
func (m *Manager[S]) SetRetain(n int) {
	if n < 1 {
		n = DefaultConfig().Retain
	}
	m.retain.Store(int64(n))
}

// MaybeSnapshot takes a snapshot when more than Threshold events were committed
// since the latest one. It reports whether a snapshot was written.
func (m *Manager[S]) MaybeSnapshot(ctx context.Context, db es.DBTX, ref es.EntityRef) (bool, error) {
	head, err := m.events.Head(ctx, db, ref)
	if err != nil {
		return false, err
	}
	if head.Sequence == 0 {
		return false, nil
	}

	var last int64
	latest, err := m.snapshots.LatestSnapshot(ctx, db, ref, time.Time{})
	switch {
	case err == nil:
		last = latest.AsOfSequence
	case !errors.Is(err, es.ErrNotFound):
		return false, err
	}

	if head.Sequence-last <= m.Threshold() {
		return false, nil
	}

	if _, err := m.snapshotAt(ctx, db, ref, head.Sequence); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot unconditionally snapshots the entity at its committed head.
func (m *Manager[S]) Snapshot(ctx context.Context, db es.DBTX, ref es.EntityRef) (store.Snapshot, error) {
	head, err := m.events.Head(ctx, db, ref)
	if err != nil {
		return store.Snapshot{}, err
	}
	if head.Sequence == 0 {
		return store.Snapshot{}, fmt.Errorf("%s: %w", ref, es.ErrNotFound)
	}
	return m.snapshotAt(ctx, db, ref, head.Sequence)
}

func (m *Manager[S]) snapshotAt(ctx context.Context, db es.DBTX, ref es.EntityRef, sequence int64) (store.Snapshot, error) {
	res, err := m.reconstructor.StateAt(ctx, db, ref, sequence)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to reconstruct %s at %d: %w", ref, sequence, err)
	}

	data, err := m.codec.Encode(res.State)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	snap := store.Snapshot{
		Ref:            ref,
		State:          data,
		AsOfSequence:   res.Sequence,
		AsOfOccurredAt: res.OccurredAt,
	}
	pruned, err := m.save(ctx, db, &snap)
	if err != nil {
		return store.Snapshot{}, err
	}
	metrics.SnapshotsTaken.WithLabelValues(ref.Type).Inc()

	if m.logger != nil {
		m.logger.Info(ctx, "snapshot taken",
			"entity", ref.String(),
			"as_of_sequence", snap.AsOfSequence,
			"replayed", res.Applied,
			"pruned", pruned)
	}
	return snap, nil
}

// save writes snap while holding the entity lock, and only if the event it was
// taken at is still in the log. Erasure takes the same lock, so a snapshot can
// never outlive the stream it was built from.
func (m *Manager[S]) save(ctx context.Context, db es.DBTX, snap *store.Snapshot) (int64, error) {
	var pruned int64
	write := func(tx es.DBTX) error {
		if _, err := m.events.Lock(ctx, tx, snap.Ref); err != nil {
			return err
		}
		asOf := snap.AsOfSequence
		stream, err := m.events.ReadStream(ctx, tx, snap.Ref, &asOf, &asOf)
		if err != nil {
			return err
		}
		if len(stream.Events) == 0 {
			return fmt.Errorf("%s no longer has sequence %d: %w", snap.Ref, asOf, es.ErrNotFound)
		}
		if err := m.snapshots.SaveSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		pruned, err = m.snapshots.PruneSnapshots(ctx, tx, snap.Ref, int(m.retain.Load()))
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
		return nil
	}

	if beginner, ok := db.(es.TxBeginner); ok {
		err := es.InTx(ctx, beginner, nil, func(tx *sql.Tx) error { return write(tx) })
		return pruned, err
	}
	return pruned, write(db)
}
