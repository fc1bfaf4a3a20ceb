package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// LoadView implements store.ViewStore.
func (s *Store) LoadView(ctx context.Context, db es.DBTX, ref es.EntityRef) (store.View, error) {
	query := s.q(fmt.Sprintf(`
		SELECT status, state, sequence, merged_into, updated_at
		FROM %s
		WHERE entity_type = ? AND entity_id = ?
	`, s.config.ViewsTable))

	v := store.View{Ref: ref}
	err := db.QueryRowContext(ctx, query, ref.Type, ref.ID).Scan(
		&v.Status,
		&v.State,
		&v.Sequence,
		&v.MergedInto,
		scanTime(&v.UpdatedAt),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.View{}, fmt.Errorf("view %s: %w", ref, es.ErrNotFound)
		}
		return store.View{}, fmt.Errorf("failed to load view: %w", err)
	}
	return v, nil
}

// SaveView implements store.ViewStore.
func (s *Store) SaveView(ctx context.Context, tx es.DBTX, view *store.View) error {
	if view.UpdatedAt.IsZero() {
		view.UpdatedAt = now()
	}

	query := s.q(fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, status, state, sequence, merged_into, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		%s
	`, s.config.ViewsTable, s.dialect.OnConflictUpdate(
		[]string{"entity_type", "entity_id"},
		[]string{"status", "state", "sequence", "merged_into", "updated_at"},
	)))

	_, err := tx.ExecContext(ctx, query,
		view.Ref.Type,
		view.Ref.ID,
		view.Status,
		view.State,
		view.Sequence,
		view.MergedInto,
		s.t(view.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save view: %w", err)
	}
	return nil
}

// ReplaceIdentifiers implements store.ViewStore.
func (s *Store) ReplaceIdentifiers(ctx context.Context, tx es.DBTX, ref es.EntityRef, keys []store.IdentifierKey) error {
	deleteQuery := s.q(fmt.Sprintf(`
		DELETE FROM %s WHERE entity_type = ? AND entity_id = ?
	`, s.config.IdentifiersTable))

	if _, err := tx.ExecContext(ctx, deleteQuery, ref.Type, ref.ID); err != nil {
		return fmt.Errorf("failed to clear identifiers: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	insertQuery := s.q(fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, kind, value)
		VALUES (?, ?, ?, ?)
		%s
	`, s.config.IdentifiersTable, s.dialect.OnConflictDoNothing(
		[]string{"entity_type", "entity_id", "kind", "value"},
	)))

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, insertQuery, ref.Type, ref.ID, k.Kind, k.Value); err != nil {
			return fmt.Errorf("failed to index identifier %s: %w", k.Kind, err)
		}
	}
	return nil
}

// FindByIdentifier implements store.ViewStore.
func (s *Store) FindByIdentifier(ctx context.Context, db es.DBTX, entityType string, key store.IdentifierKey) ([]uuid.UUID, error) {
	query := s.q(fmt.Sprintf(`
		SELECT DISTINCT entity_id
		FROM %s
		WHERE entity_type = ? AND kind = ? AND value = ?
		ORDER BY entity_id
	`, s.config.IdentifiersTable))

	rows, err := db.QueryContext(ctx, query, entityType, key.Kind, key.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	return scanIDs(rows)
}

// ListViews implements store.ViewStore.
func (s *Store) ListViews(ctx context.Context, db es.DBTX, entityType string, after uuid.UUID, limit int) ([]store.View, error) {
	query := s.q(fmt.Sprintf(`
		SELECT entity_id, status, state, sequence, merged_into, updated_at
		FROM %s
		WHERE entity_type = ? AND status = ? AND entity_id > ?
		ORDER BY entity_id
		LIMIT ?
	`, s.config.ViewsTable))

	rows, err := db.QueryContext(ctx, query, entityType, store.ViewActive, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	defer rows.Close()

	var views []store.View
	for rows.Next() {
		v := store.View{Ref: es.EntityRef{Type: entityType}}
		err := rows.Scan(
			&v.Ref.ID,
			&v.Status,
			&v.State,
			&v.Sequence,
			&v.MergedInto,
			scanTime(&v.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		views = append(views, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return views, nil
}

// ListEntityIDs implements store.ViewStore.
// Ids come from the heads table so entities with a missing or broken view are included.
func (s *Store) ListEntityIDs(ctx context.Context, db es.DBTX, entityType string, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	query := s.q(fmt.Sprintf(`
		SELECT entity_id
		FROM %s
		WHERE entity_type = ? AND entity_id > ? AND sequence > 0
		ORDER BY entity_id
		LIMIT ?
	`, s.config.HeadsTable))

	rows, err := db.QueryContext(ctx, query, entityType, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}
