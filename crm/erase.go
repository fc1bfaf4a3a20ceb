package crm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/store"
)

// Erase permanently removes every event, snapshot and materialized row of ref
// and records the erasure in the audit log. It is the only operation that
// deletes history.
func (s *Service) Erase(ctx context.Context, ref es.EntityRef, actor uuid.NullUUID, reason string) (e store.Erasure, err error) {
	ctx, span := s.startSpan(ctx, "crm.Erase", ref)
	defer func() { endSpan(span, err) }()

	if err := s.checkRef(ref); err != nil {
		return store.Erasure{}, err
	}
	if reason == "" {
		return store.Erasure{}, fmt.Errorf("erasure of %s requires a reason", ref)
	}

	err = s.inTx(ctx, "erase", s.backend.TxOptions(), func(tx *sql.Tx) error {
		head, err := s.backend.Head(ctx, tx, ref)
		if err != nil {
			return err
		}
		if head.Sequence == 0 {
			return fmt.Errorf("%s: %w", ref, es.ErrNotFound)
		}

		events, snapshots, err := s.backend.EraseEntity(ctx, tx, ref)
		if err != nil {
			return err
		}
		e = store.Erasure{
			ID:               uuid.New(),
			Ref:              ref,
			ActorID:          actor,
			Reason:           reason,
			EventsDeleted:    events,
			SnapshotsDeleted: snapshots,
			ErasedAt:         time.Now().UTC(),
		}
		return s.backend.RecordErasure(ctx, tx, &e)
	})
	if err != nil {
		return store.Erasure{}, err
	}

	metrics.Erasures.Inc()
	if s.logger != nil {
		s.logger.Info(ctx, "record erased",
			"erasure_id", e.ID,
			"entity", ref.String(),
			"events_deleted", e.EventsDeleted,
			"snapshots_deleted", e.SnapshotsDeleted)
	}
	return e, nil
}
