package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// EraseEntity implements store.ErasureLog.
// It is the only code path that deletes events.
func (s *Store) EraseEntity(ctx context.Context, tx es.DBTX, ref es.EntityRef) (events, snapshots int64, err error) {
	if err := ref.Validate(); err != nil {
		return 0, 0, err
	}

	// Lock the head so no writer appends while the stream is removed
	if _, err := s.Lock(ctx, tx, ref); err != nil {
		return 0, 0, err
	}

	exec := func(query string, args ...interface{}) (int64, error) {
		res, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	events, err = exec(fmt.Sprintf(`DELETE FROM %s WHERE entity_type = ? AND entity_id = ?`, s.config.EventsTable), ref.Type, ref.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to erase events: %w", err)
	}

	snapshots, err = exec(fmt.Sprintf(`DELETE FROM %s WHERE entity_type = ? AND entity_id = ?`, s.config.SnapshotsTable), ref.Type, ref.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to erase snapshots: %w", err)
	}

	for _, table := range []string{s.config.IdentifiersTable, s.config.ViewsTable, s.config.HeadsTable} {
		if _, err := exec(fmt.Sprintf(`DELETE FROM %s WHERE entity_type = ? AND entity_id = ?`, table), ref.Type, ref.ID); err != nil {
			return 0, 0, fmt.Errorf("failed to erase from %s: %w", table, err)
		}
	}

	// Nullify references held by other rows
	if _, err := exec(fmt.Sprintf(`UPDATE %s SET merged_into = NULL WHERE entity_type = ? AND merged_into = ?`, s.config.ViewsTable), ref.Type, ref.ID); err != nil {
		return 0, 0, fmt.Errorf("failed to clear view references: %w", err)
	}
	for _, column := range []string{"entity_a", "entity_b", "survivor_id", "duplicate_id", "split_entity_id"} {
		query := fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE entity_type = ? AND %s = ?`, s.config.CandidatesTable, column, column)
		if _, err := exec(query, ref.Type, ref.ID); err != nil {
			return 0, 0, fmt.Errorf("failed to clear candidate references: %w", err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "entity erased",
			"entity", ref.String(),
			"events_deleted", events,
			"snapshots_deleted", snapshots)
	}
	return events, snapshots, nil
}

// RecordErasure implements store.ErasureLog.
func (s *Store) RecordErasure(ctx context.Context, tx es.DBTX, e *store.Erasure) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ErasedAt.IsZero() {
		e.ErasedAt = now()
	}

	query := s.q(fmt.Sprintf(`
		INSERT INTO %s (erasure_id, entity_type, entity_id, reason, actor_id, events_deleted, snapshots_deleted, erased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.ErasuresTable))

	_, err := tx.ExecContext(ctx, query,
		e.ID,
		e.Ref.Type,
		e.Ref.ID,
		e.Reason,
		e.ActorID,
		e.EventsDeleted,
		e.SnapshotsDeleted,
		s.t(e.ErasedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record erasure: %w", err)
	}
	return nil
}
