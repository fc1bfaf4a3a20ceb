package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

const candidateColumns = `candidate_id, entity_type, entity_a, entity_b, status, confidence, signals,
			survivor_id, duplicate_id, split_entity_id, reviewed_by, reviewed_at,
			created_at, updated_at`

// InsertCandidate implements store.MatchStore.
func (s *Store) InsertCandidate(ctx context.Context, tx es.DBTX, c *store.MatchCandidate) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = store.CandidatePending
	}
	ts := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts

	query := s.q(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.CandidatesTable, candidateColumns))

	_, err := tx.ExecContext(ctx, query,
		c.ID,
		c.EntityType,
		c.EntityA,
		c.EntityB,
		c.Status,
		c.Confidence,
		c.Signals,
		c.SurvivorID,
		c.DuplicateID,
		c.SplitEntityID,
		c.ReviewedBy,
		s.timePtr(c.ReviewedAt),
		s.t(c.CreatedAt),
		s.t(c.UpdatedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("candidate %s: %w", c.ID, es.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert candidate: %w", err)
	}
	return nil
}

// GetCandidate implements store.MatchStore.
func (s *Store) GetCandidate(ctx context.Context, db es.DBTX, id uuid.UUID, forUpdate bool) (store.MatchCandidate, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE candidate_id = ?`, candidateColumns, s.config.CandidatesTable)
	if forUpdate {
		query += " " + s.dialect.LockClause()
	}

	rows, err := db.QueryContext(ctx, s.q(query), id)
	if err != nil {
		return store.MatchCandidate{}, fmt.Errorf("failed to query candidate: %w", err)
	}
	candidates, err := scanCandidates(rows)
	if err != nil {
		return store.MatchCandidate{}, err
	}
	if len(candidates) == 0 {
		return store.MatchCandidate{}, fmt.Errorf("candidate %s: %w", id, es.ErrNotFound)
	}
	return candidates[0], nil
}

// UpdateCandidate implements store.MatchStore.
func (s *Store) UpdateCandidate(ctx context.Context, tx es.DBTX, c *store.MatchCandidate) error {
	c.UpdatedAt = now()

	query := s.q(fmt.Sprintf(`
		UPDATE %s
		SET entity_a = ?, entity_b = ?, status = ?, confidence = ?, signals = ?,
			survivor_id = ?, duplicate_id = ?, split_entity_id = ?,
			reviewed_by = ?, reviewed_at = ?, updated_at = ?
		WHERE candidate_id = ?
	`, s.config.CandidatesTable))

	res, err := tx.ExecContext(ctx, query,
		c.EntityA,
		c.EntityB,
		c.Status,
		c.Confidence,
		c.Signals,
		c.SurvivorID,
		c.DuplicateID,
		c.SplitEntityID,
		c.ReviewedBy,
		s.timePtr(c.ReviewedAt),
		s.t(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update candidate: %w", err)
	}
	// MySQL reports changed rather than matched rows, so confirm a miss
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetCandidate(ctx, tx, c.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// ListCandidates implements store.MatchStore.
func (s *Store) ListCandidates(ctx context.Context, db es.DBTX, status string, limit int) ([]store.MatchCandidate, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s`, candidateColumns, s.config.CandidatesTable)
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC, candidate_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows *sql.Rows) ([]store.MatchCandidate, error) {
	defer rows.Close()

	var out []store.MatchCandidate
	for rows.Next() {
		var c store.MatchCandidate
		err := rows.Scan(
			&c.ID,
			&c.EntityType,
			&c.EntityA,
			&c.EntityB,
			&c.Status,
			&c.Confidence,
			&c.Signals,
			&c.SurvivorID,
			&c.DuplicateID,
			&c.SplitEntityID,
			&c.ReviewedBy,
			nullTime{t: &c.ReviewedAt},
			scanTime(&c.CreatedAt),
			scanTime(&c.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
