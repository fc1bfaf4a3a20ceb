package crm

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
)

// Divergence describes a materialized row that differs from a replay of its history.
type Divergence struct {
	Ref            es.EntityRef
	ViewState      []byte
	ReplayState    []byte
	ViewSequence   int64
	ReplaySequence int64

	// MissingView is set when events exist but the row does not.
	MissingView bool
}

func (d *Divergence) String() string {
	if d.MissingView {
		return fmt.Sprintf("%s: no materialized row for sequence %d", d.Ref, d.ReplaySequence)
	}
	return fmt.Sprintf("%s: row at sequence %d, replay at %d", d.Ref, d.ViewSequence, d.ReplaySequence)
}

// VerifyReport summarizes a VerifyAll run.
type VerifyReport struct {
	Diverged []Divergence
	Checked  int
	Repaired int
}

// Rebuild replays the full history of ref from sequence 1, without snapshots,
// and rewrites its materialized row.
func (s *Service) Rebuild(ctx context.Context, ref es.EntityRef) (rec Record, err error) {
	ctx, span := s.startSpan(ctx, "crm.Rebuild", ref)
	defer func() { endSpan(span, err) }()

	if err := s.checkRef(ref); err != nil {
		return Record{}, err
	}
	err = s.inTx(ctx, "rebuild", nil, func(tx *sql.Tx) error {
		if _, err := s.backend.Lock(ctx, tx, ref); err != nil {
			return err
		}
		res, err := s.reconstructor.Rebuild(ctx, tx, ref)
		if err != nil {
			return err
		}
		rec = res.State
		return s.persist(ctx, tx, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if s.logger != nil {
		s.logger.Info(ctx, "record rebuilt",
			"entity", ref.String(),
			"sequence", rec.Sequence)
	}
	return rec, nil
}

// Verify compares the materialized row of ref with a full replay.
// It returns nil when they agree.
func (s *Service) Verify(ctx context.Context, ref es.EntityRef) (*Divergence, error) {
	if err := s.checkRef(ref); err != nil {
		return nil, err
	}

	var d *Divergence
	err := s.inTx(ctx, "verify", nil, func(tx *sql.Tx) error {
		d = nil
		// Hold the entity lock so no write lands between the two reads.
		if _, err := s.backend.Lock(ctx, tx, ref); err != nil {
			return err
		}

		res, err := s.reconstructor.Rebuild(ctx, tx, ref)
		if err != nil {
			return err
		}
		replayed, err := s.codec.Encode(res.State)
		if err != nil {
			return err
		}

		view, err := s.backend.LoadView(ctx, tx, ref)
		if errors.Is(err, es.ErrNotFound) {
			d = &Divergence{Ref: ref, ReplayState: replayed, ReplaySequence: res.Sequence, MissingView: true}
			return nil
		}
		if err != nil {
			return err
		}
		if view.Sequence != res.Sequence || !bytes.Equal(view.State, replayed) {
			d = &Divergence{
				Ref:            ref,
				ViewState:      view.State,
				ReplayState:    replayed,
				ViewSequence:   view.Sequence,
				ReplaySequence: res.Sequence,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d != nil {
		metrics.ViewDivergences.Inc()
		if s.logger != nil {
			s.logger.Warn(ctx, "materialized row diverges from history",
				"entity", ref.String(),
				"view_sequence", d.ViewSequence,
				"replay_sequence", d.ReplaySequence,
				"missing_view", d.MissingView)
		}
	}
	return d, nil
}

// VerifyAll checks every entity of a type, in parallel, and optionally rebuilds
// diverged rows.
func (s *Service) VerifyAll(ctx context.Context, entityType string, repair bool) (report VerifyReport, err error) {
	ctx, span := s.startSpan(ctx, "crm.VerifyAll", es.EntityRef{})
	defer func() { endSpan(span, err) }()

	const pageSize = 500
	var mu sync.Mutex
	after := uuid.Nil

	for {
		ids, err := s.backend.ListEntityIDs(ctx, s.db, entityType, after, pageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.config.VerifyConcurrency)
		for _, id := range ids {
			ref := es.EntityRef{Type: entityType, ID: id}
			g.Go(func() error {
				d, err := s.Verify(gctx, ref)
				if err != nil {
					return fmt.Errorf("verify %s: %w", ref, err)
				}
				repaired := false
				if d != nil && repair {
					if _, err := s.Rebuild(gctx, ref); err != nil {
						return fmt.Errorf("repair %s: %w", ref, err)
					}
					repaired = true
				}

				mu.Lock()
				defer mu.Unlock()
				report.Checked++
				if d != nil {
					report.Diverged = append(report.Diverged, *d)
				}
				if repaired {
					report.Repaired++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
		after = ids[len(ids)-1]
	}

	if s.logger != nil {
		s.logger.Info(ctx, "verification finished",
			"entity_type", entityType,
			"checked", report.Checked,
			"diverged", len(report.Diverged),
			"repaired", report.Repaired)
	}
	return report, nil
}
