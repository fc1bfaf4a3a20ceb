package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// SaveSnapshot implements store.SnapshotStore.
func (s *Store) SaveSnapshot(ctx context.Context, db es.DBTX, snap *store.Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = now()
	}

	query := s.q(fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, as_of_sequence, as_of_occurred_at, state, taken_at)
		VALUES (?, ?, ?, ?, ?, ?)
		%s
	`, s.config.SnapshotsTable, s.dialect.OnConflictDoNothing(
		[]string{"entity_type", "entity_id", "as_of_sequence"},
	)))

	_, err := db.ExecContext(ctx, query,
		snap.Ref.Type,
		snap.Ref.ID,
		snap.AsOfSequence,
		s.t(snap.AsOfOccurredAt),
		snap.State,
		s.t(snap.TakenAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements store.SnapshotStore.
func (s *Store) LatestSnapshot(ctx context.Context, db es.DBTX, ref es.EntityRef, before time.Time) (store.Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT as_of_sequence, as_of_occurred_at, state, taken_at
		FROM %s
		WHERE entity_type = ? AND entity_id = ?`, s.config.SnapshotsTable)
	args := []interface{}{ref.Type, ref.ID}

	if !before.IsZero() {
		query += " AND as_of_occurred_at <= ?"
		args = append(args, s.t(before))
	}
	query += " ORDER BY as_of_sequence DESC LIMIT 1"

	return s.scanSnapshot(db.QueryRowContext(ctx, s.q(query), args...), ref)
}

// LatestSnapshotAtOrBefore implements store.SnapshotStore.
func (s *Store) LatestSnapshotAtOrBefore(ctx context.Context, db es.DBTX, ref es.EntityRef, sequence int64) (store.Snapshot, error) {
	query := s.q(fmt.Sprintf(`
		SELECT as_of_sequence, as_of_occurred_at, state, taken_at
		FROM %s
		WHERE entity_type = ? AND entity_id = ? AND as_of_sequence <= ?
		ORDER BY as_of_sequence DESC
		LIMIT 1
	`, s.config.SnapshotsTable))

	return s.scanSnapshot(db.QueryRowContext(ctx, query, ref.Type, ref.ID, sequence), ref)
}

func (s *Store) scanSnapshot(row *sql.Row, ref es.EntityRef) (store.Snapshot, error) {
	snap := store.Snapshot{Ref: ref}
	err := row.Scan(
		&snap.AsOfSequence,
		scanTime(&snap.AsOfOccurredAt),
		&snap.State,
		scanTime(&snap.TakenAt),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Snapshot{}, fmt.Errorf("snapshot of %s: %w", ref, es.ErrNotFound)
		}
		return store.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// PruneSnapshots implements store.SnapshotStore.
func (s *Store) PruneSnapshots(ctx context.Context, db es.DBTX, ref es.EntityRef, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	// Find the oldest snapshot that survives
	cutoffQuery := s.q(fmt.Sprintf(`
		SELECT as_of_sequence
		FROM %s
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY as_of_sequence DESC
		LIMIT 1 OFFSET ?
	`, s.config.SnapshotsTable))

	var cutoff int64
	err := db.QueryRowContext(ctx, cutoffQuery, ref.Type, ref.ID, keep-1).Scan(&cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find prune cutoff: %w", err)
	}

	deleteQuery := s.q(fmt.Sprintf(`
		DELETE FROM %s
		WHERE entity_type = ? AND entity_id = ? AND as_of_sequence < ?
	`, s.config.SnapshotsTable))

	res, err := db.ExecContext(ctx, deleteQuery, ref.Type, ref.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSnapshots implements store.SnapshotStore.
func (s *Store) DeleteSnapshots(ctx context.Context, db es.DBTX, ref es.EntityRef) (int64, error) {
	query := s.q(fmt.Sprintf(`
		DELETE FROM %s WHERE entity_type = ? AND entity_id = ?
	`, s.config.SnapshotsTable))

	res, err := db.ExecContext(ctx, query, ref.Type, ref.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return res.RowsAffected()
}
