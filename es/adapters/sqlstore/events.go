package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/store"
)

const eventColumns = `global_position, entity_type, entity_id, sequence,
			event_id, event_type, event_version, dedup_key,
			payload, metadata, actor_id, correlation_id, causation_id,
			occurred_at, recorded_at`

// Lock implements store.SequenceAllocator.
// The head row is created on first use and then locked with SELECT ... FOR UPDATE
// (SQLite takes the database write lock with the insert instead).
func (s *Store) Lock(ctx context.Context, tx es.DBTX, ref es.EntityRef) (store.Head, error) {
	if err := ref.Validate(); err != nil {
		return store.Head{}, err
	}

	insertQuery := s.q(fmt.Sprintf(`
		INSERT INTO %s (entity_type, entity_id, sequence, updated_at)
		VALUES (?, ?, 0, ?)
		%s
	`, s.config.HeadsTable, s.dialect.OnConflictDoNothing([]string{"entity_type", "entity_id"})))

	if _, err := tx.ExecContext(ctx, insertQuery, ref.Type, ref.ID, s.t(now())); err != nil {
		return store.Head{}, fmt.Errorf("failed to create entity head: %w", err)
	}

	lockQuery := s.q(fmt.Sprintf(`
		SELECT sequence, last_occurred_at
		FROM %s
		WHERE entity_type = ? AND entity_id = ?
		%s
	`, s.config.HeadsTable, s.dialect.LockClause()))

	head := store.Head{Ref: ref}
	err := tx.QueryRowContext(ctx, lockQuery, ref.Type, ref.ID).Scan(&head.Sequence, scanTime(&head.LastOccurredAt))
	if err != nil {
		return store.Head{}, fmt.Errorf("failed to lock entity head: %w", err)
	}
	return head, nil
}

// NextSequence implements store.SequenceAllocator.
func (s *Store) NextSequence(ctx context.Context, tx es.DBTX, ref es.EntityRef) (int64, error) {
	head, err := s.Lock(ctx, tx, ref)
	if err != nil {
		return 0, err
	}
	return head.Sequence + 1, nil
}

// Head implements store.EventLog.
func (s *Store) Head(ctx context.Context, db es.DBTX, ref es.EntityRef) (store.Head, error) {
	query := s.q(fmt.Sprintf(`
		SELECT sequence, last_occurred_at
		FROM %s
		WHERE entity_type = ? AND entity_id = ?
	`, s.config.HeadsTable))

	head := store.Head{Ref: ref}
	err := db.QueryRowContext(ctx, query, ref.Type, ref.ID).Scan(&head.Sequence, scanTime(&head.LastOccurredAt))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.Head{}, fmt.Errorf("failed to read entity head: %w", err)
	}
	return head, nil
}

// Append implements store.EventLog.
// Sequences are allocated from the locked head row, so concurrent writers to one entity
// queue behind each other while writers to other entities proceed. The unique constraint
// on (entity_type, entity_id, sequence) remains as a backstop and surfaces as
// es.ErrOrderingConflict.
//
//nolint:gocyclo // Cyclomatic complexity comes from dedup, validation and logging
func (s *Store) Append(ctx context.Context, tx es.DBTX, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, es.ErrNoEvents
	}

	ref := events[0].Ref()
	if err := ref.Validate(); err != nil {
		return es.AppendResult{}, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"entity", ref.String(),
			"event_count", len(events),
			"expected_version", expected.String())
	}

	// Validate all events belong to same entity
	for i := range events {
		if events[i].Ref() != ref {
			return es.AppendResult{}, fmt.Errorf("event %d: %w: %s is not %s", i, es.ErrEntityMismatch, events[i].Ref(), ref)
		}
		if events[i].EventType == "" {
			return es.AppendResult{}, fmt.Errorf("event %d: missing event type", i)
		}
	}

	head, err := s.Lock(ctx, tx, ref)
	if err != nil {
		return es.AppendResult{}, err
	}

	// Resolve dedup keys under the lock; duplicates consume no sequence
	persisted := make([]es.PersistedEvent, len(events))
	batchKeys := make(map[string]int)
	fresh := 0
	for i := range events {
		key := events[i].DedupKey
		if key == "" {
			fresh++
			continue
		}
		if j, ok := batchKeys[key]; ok {
			persisted[i].Deduplicated = true
			persisted[i].EventID = uuid.Nil
			persisted[i].Sequence = -int64(j) - 1 // resolved after insert
			continue
		}
		existing, found, err := s.findByDedupKey(ctx, tx, ref, key)
		if err != nil {
			return es.AppendResult{}, err
		}
		if found {
			existing.Deduplicated = true
			persisted[i] = existing
			continue
		}
		batchKeys[key] = i
		fresh++
	}

	if fresh == 0 {
		metrics.EventsDeduplicated.Add(float64(len(events)))
		if s.config.Logger != nil {
			s.config.Logger.Info(ctx, "append fully deduplicated",
				"entity", ref.String(),
				"event_count", len(events),
				"head", head.Sequence)
		}
		return es.AppendResult{Events: persisted, Head: head.Sequence}, nil
	}

	if err := expected.Check(head.Sequence); err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"entity", ref.String(),
				"current_sequence", head.Sequence,
				"expected_version", expected.String())
		}
		return es.AppendResult{}, err
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			entity_type, entity_id, sequence,
			event_id, event_type, event_version, dedup_key,
			payload, metadata, actor_id, correlation_id, causation_id,
			occurred_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)
	if s.dialect.Returning() {
		insertQuery += " RETURNING global_position"
	}
	insertQuery = s.q(insertQuery)

	recordedAt := now()
	sequence := head.Sequence
	lastOccurred := head.LastOccurredAt

	for i := range events {
		if persisted[i].Deduplicated {
			continue
		}

		e := events[i]
		sequence++
		e.Sequence = sequence
		e.OccurredAt = clampOccurredAt(e.OccurredAt, lastOccurred, recordedAt)
		lastOccurred = e.OccurredAt
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		if e.EventVersion == 0 {
			e.EventVersion = 1
		}
		if e.Payload == nil {
			e.Payload = []byte("{}")
		}

		args := []interface{}{
			e.EntityType,
			e.EntityID,
			e.Sequence,
			e.EventID,
			e.EventType,
			e.EventVersion,
			sql.NullString{String: e.DedupKey, Valid: e.DedupKey != ""},
			e.Payload,
			e.Metadata,
			e.ActorID,
			e.CorrelationID,
			e.CausationID,
			s.t(e.OccurredAt),
			s.t(recordedAt),
		}

		globalPos, err := s.insertEvent(ctx, tx, insertQuery, args)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "ordering conflict",
						"entity", ref.String(),
						"sequence", e.Sequence)
				}
				return es.AppendResult{}, es.ErrOrderingConflict
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		persisted[i] = es.PersistedEvent{
			Event:          e,
			RecordedAt:     recordedAt,
			GlobalPosition: globalPos,
		}
		metrics.EventsAppended.WithLabelValues(e.EntityType, e.EventType).Inc()
	}

	// Events repeating a dedup key within the batch resolve to the first occurrence
	for i := range persisted {
		if persisted[i].Deduplicated && persisted[i].Sequence < 0 {
			first := int(-persisted[i].Sequence - 1)
			persisted[i] = persisted[first]
			persisted[i].Deduplicated = true
		}
	}
	if dup := len(events) - fresh; dup > 0 {
		metrics.EventsDeduplicated.Add(float64(dup))
	}

	updateQuery := s.q(fmt.Sprintf(`
		UPDATE %s
		SET sequence = ?, last_occurred_at = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, s.config.HeadsTable))

	if _, err := tx.ExecContext(ctx, updateQuery, sequence, s.t(lastOccurred), s.t(recordedAt), ref.Type, ref.ID); err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to update entity head: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"entity", ref.String(),
			"event_count", fresh,
			"deduplicated", len(events)-fresh,
			"sequence_range", fmt.Sprintf("%d-%d", head.Sequence+1, sequence))
	}

	return es.AppendResult{Events: persisted, Head: sequence}, nil
}

// clampOccurredAt keeps occurred_at non-decreasing within a stream,
// so events at or before any instant always form a sequence prefix.
func clampOccurredAt(requested, last, fallback time.Time) time.Time {
	t := requested
	if t.IsZero() {
		t = fallback
	}
	t = t.UTC().Truncate(time.Microsecond)
	if t.Before(last) {
		return last
	}
	return t
}

func (s *Store) insertEvent(ctx context.Context, tx es.DBTX, query string, args []interface{}) (int64, error) {
	if s.dialect.Returning() {
		var pos int64
		err := tx.QueryRowContext(ctx, query, args...).Scan(&pos)
		return pos, err
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	pos, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return pos, nil
}

func (s *Store) findByDedupKey(ctx context.Context, db es.DBTX, ref es.EntityRef, key string) (es.PersistedEvent, bool, error) {
	query := s.q(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE entity_type = ? AND entity_id = ? AND dedup_key = ?
	`, eventColumns, s.config.EventsTable))

	rows, err := db.QueryContext(ctx, query, ref.Type, ref.ID, key)
	if err != nil {
		return es.PersistedEvent{}, false, fmt.Errorf("failed to look up dedup key: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return es.PersistedEvent{}, false, err
	}
	if len(events) == 0 {
		return es.PersistedEvent{}, false, nil
	}
	return events[0], true, nil
}

// ReadRange implements store.EventLog.
func (s *Store) ReadRange(ctx context.Context, db es.DBTX, ref es.EntityRef, fromSequence int64, to time.Time) ([]es.PersistedEvent, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT %s
		FROM %s
		WHERE entity_type = ? AND entity_id = ? AND sequence > ?`, eventColumns, s.config.EventsTable)
	args := []interface{}{ref.Type, ref.ID, fromSequence}

	if !to.IsZero() {
		b.WriteString(" AND occurred_at <= ?")
		args = append(args, s.t(to))
	}
	b.WriteString(" ORDER BY sequence ASC")

	rows, err := db.QueryContext(ctx, s.q(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// ReadStream implements store.EventLog.
func (s *Store) ReadStream(ctx context.Context, db es.DBTX, ref es.EntityRef, fromSequence, toSequence *int64) (es.Stream, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading entity stream",
			"entity", ref.String(),
			"from_sequence", fromSequence,
			"to_sequence", toSequence)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT %s
		FROM %s
		WHERE entity_type = ? AND entity_id = ?`, eventColumns, s.config.EventsTable)
	args := []interface{}{ref.Type, ref.ID}

	if fromSequence != nil {
		b.WriteString(" AND sequence >= ?")
		args = append(args, *fromSequence)
	}
	if toSequence != nil {
		b.WriteString(" AND sequence <= ?")
		args = append(args, *toSequence)
	}
	b.WriteString(" ORDER BY sequence ASC")

	rows, err := db.QueryContext(ctx, s.q(b.String()), args...)
	if err != nil {
		return es.Stream{}, fmt.Errorf("failed to query entity stream: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return es.Stream{}, err
	}
	return es.Stream{Ref: ref, Events: events}, nil
}

// ReadEvents implements store.EventReader.
func (s *Store) ReadEvents(ctx context.Context, db es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := s.q(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, eventColumns, s.config.EventsTable))

	rows, err := db.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// scanEvents reads every row and closes rows.
func scanEvents(rows *sql.Rows) ([]es.PersistedEvent, error) {
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		var e es.PersistedEvent
		var dedup sql.NullString
		err := rows.Scan(
			&e.GlobalPosition,
			&e.EntityType,
			&e.EntityID,
			&e.Sequence,
			&e.EventID,
			&e.EventType,
			&e.EventVersion,
			&dedup,
			&e.Payload,
			&e.Metadata,
			&e.ActorID,
			&e.CorrelationID,
			&e.CausationID,
			scanTime(&e.OccurredAt),
			scanTime(&e.RecordedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.DedupKey = dedup.String
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// GetCheckpoint implements store.CheckpointStore.
func (s *Store) GetCheckpoint(ctx context.Context, db es.DBTX, projectionName string) (int64, error) {
	query := s.q(fmt.Sprintf(`
		SELECT last_global_position
		FROM %s
		WHERE projection_name = ?
	`, s.config.CheckpointsTable))

	var checkpoint int64
	err := db.QueryRowContext(ctx, query, projectionName).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return checkpoint, nil
}

// UpdateCheckpoint implements store.CheckpointStore.
func (s *Store) UpdateCheckpoint(ctx context.Context, db es.DBTX, projectionName string, position int64) error {
	query := s.q(fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, updated_at)
		VALUES (?, ?, ?)
		%s
	`, s.config.CheckpointsTable, s.dialect.OnConflictUpdate(
		[]string{"projection_name"},
		[]string{"last_global_position", "updated_at"},
	)))

	_, err := db.ExecContext(ctx, query, projectionName, position, s.t(now()))
	return err
}
