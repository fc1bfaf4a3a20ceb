package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/store"
)

// SourceMerge is the provenance source of items that had none when they were merged.
const SourceMerge = "merge"

// CandidateInput is a proposed match from the identity-resolution pipeline.
type CandidateInput struct {
	Signals    json.RawMessage
	EntityType string
	EntityA    uuid.UUID
	EntityB    uuid.UUID
	Confidence float64
}

// MergeOptions qualify a direct merge.
type MergeOptions struct {
	Signals json.RawMessage

	// Survivor picks the surviving identity. Nil applies the default rule:
	// the earlier created record survives, ties go to the smaller id.
	Survivor *uuid.UUID

	Actor      uuid.NullUUID
	Confidence float64
}

// MergeResult is the outcome of a merge.
type MergeResult struct {
	Candidate store.MatchCandidate
	Survivor  Record
	Duplicate Record
}

// SplitResult is the outcome of a split.
type SplitResult struct {
	Candidate store.MatchCandidate
	Holder    Record
	Created   Record
}

// SubmitCandidate records a match candidate. Candidates at or above the
// auto-merge threshold are merged immediately and stored as auto_merged.
func (s *Service) SubmitCandidate(ctx context.Context, in CandidateInput) (res MergeResult, err error) {
	ctx, span := s.startSpan(ctx, "crm.SubmitCandidate", es.EntityRef{},
		attribute.String("entity.type", in.EntityType),
		attribute.Float64("candidate.confidence", in.Confidence))
	defer func() { endSpan(span, err) }()

	if err := s.checkPair(in.EntityType, in.EntityA, in.EntityB); err != nil {
		return MergeResult{}, err
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return MergeResult{}, fmt.Errorf("confidence %v outside [0, 1]", in.Confidence)
	}
	if len(in.Signals) > 0 && !json.Valid(in.Signals) {
		return MergeResult{}, fmt.Errorf("candidate signals are not valid JSON")
	}

	auto := in.Confidence >= s.AutoMergeThreshold()
	err = s.inTx(ctx, "submit_candidate", s.backend.TxOptions(), func(tx *sql.Tx) error {
		c := store.MatchCandidate{
			ID:         uuid.New(),
			EntityType: in.EntityType,
			EntityA:    uuid.NullUUID{UUID: in.EntityA, Valid: true},
			EntityB:    uuid.NullUUID{UUID: in.EntityB, Valid: true},
			Confidence: in.Confidence,
			Signals:    in.Signals,
			Status:     store.CandidatePending,
		}
		if err := s.backend.InsertCandidate(ctx, tx, &c); err != nil {
			return err
		}
		if !auto {
			res = MergeResult{Candidate: c}
			return nil
		}
		var err error
		res, err = s.merge(ctx, tx, &c, nil, uuid.NullUUID{}, store.CandidateAutoMerged)
		return err
	})
	if err != nil {
		metrics.MergeOperations.WithLabelValues("submit", "error").Inc()
		return MergeResult{}, err
	}

	metrics.MergeOperations.WithLabelValues("submit", res.Candidate.Status).Inc()
	if auto {
		s.notify(res.Survivor.Ref, res.Duplicate.Ref)
	}
	return res, nil
}

// Approve merges a pending candidate.
func (s *Service) Approve(ctx context.Context, candidateID uuid.UUID, actor uuid.NullUUID, survivor *uuid.UUID) (res MergeResult, err error) {
	ctx, span := s.startSpan(ctx, "crm.Approve", es.EntityRef{}, attribute.String("candidate.id", candidateID.String()))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, "approve", s.backend.TxOptions(), func(tx *sql.Tx) error {
		c, err := s.backend.GetCandidate(ctx, tx, candidateID, true)
		if err != nil {
			return err
		}
		if c.Status != store.CandidatePending {
			return fmt.Errorf("%w: candidate %s is %s", es.ErrInvalidTransition, c.ID, c.Status)
		}
		res, err = s.merge(ctx, tx, &c, survivor, actor, store.CandidateApproved)
		return err
	})
	if err != nil {
		metrics.MergeOperations.WithLabelValues("approve", "error").Inc()
		return MergeResult{}, err
	}
	metrics.MergeOperations.WithLabelValues("approve", "ok").Inc()
	s.notify(res.Survivor.Ref, res.Duplicate.Ref)
	return res, nil
}

// Reject closes a pending candidate without merging.
func (s *Service) Reject(ctx context.Context, candidateID uuid.UUID, actor uuid.NullUUID) (c store.MatchCandidate, err error) {
	ctx, span := s.startSpan(ctx, "crm.Reject", es.EntityRef{}, attribute.String("candidate.id", candidateID.String()))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, "reject", nil, func(tx *sql.Tx) error {
		var err error
		c, err = s.backend.GetCandidate(ctx, tx, candidateID, true)
		if err != nil {
			return err
		}
		if c.Status != store.CandidatePending {
			return fmt.Errorf("%w: candidate %s is %s; merged candidates are reversed by a split", es.ErrInvalidTransition, c.ID, c.Status)
		}
		review(&c, actor, store.CandidateRejected)
		return s.backend.UpdateCandidate(ctx, tx, &c)
	})
	if err != nil {
		return store.MatchCandidate{}, err
	}
	metrics.MergeOperations.WithLabelValues("reject", "ok").Inc()
	return c, nil
}

// Merge consolidates two records directly and records an approved candidate.
func (s *Service) Merge(ctx context.Context, a, b es.EntityRef, opts MergeOptions) (res MergeResult, err error) {
	ctx, span := s.startSpan(ctx, "crm.Merge", a, attribute.String("entity.other_id", b.ID.String()))
	defer func() { endSpan(span, err) }()

	if a.Type != b.Type {
		return MergeResult{}, fmt.Errorf("%w: cannot merge %s into %s", es.ErrEntityMismatch, b, a)
	}
	if err := s.checkPair(a.Type, a.ID, b.ID); err != nil {
		return MergeResult{}, err
	}
	if len(opts.Signals) > 0 && !json.Valid(opts.Signals) {
		return MergeResult{}, fmt.Errorf("merge signals are not valid JSON")
	}

	err = s.inTx(ctx, "merge", s.backend.TxOptions(), func(tx *sql.Tx) error {
		c := store.MatchCandidate{
			ID:         uuid.New(),
			EntityType: a.Type,
			EntityA:    uuid.NullUUID{UUID: a.ID, Valid: true},
			EntityB:    uuid.NullUUID{UUID: b.ID, Valid: true},
			Confidence: opts.Confidence,
			Signals:    opts.Signals,
			Status:     store.CandidatePending,
		}
		if err := s.backend.InsertCandidate(ctx, tx, &c); err != nil {
			return err
		}
		var err error
		res, err = s.merge(ctx, tx, &c, opts.Survivor, opts.Actor, store.CandidateApproved)
		return err
	})
	if err != nil {
		metrics.MergeOperations.WithLabelValues("merge", "error").Inc()
		return MergeResult{}, err
	}
	metrics.MergeOperations.WithLabelValues("merge", "ok").Inc()
	s.notify(res.Survivor.Ref, res.Duplicate.Ref)
	return res, nil
}

// merge moves everything the duplicate owns to the survivor inside tx. Both
// records get a Merged event and the candidate moves to status.
func (s *Service) merge(ctx context.Context, tx *sql.Tx, c *store.MatchCandidate, survivorID *uuid.UUID, actor uuid.NullUUID, status string) (MergeResult, error) {
	if !c.EntityA.Valid || !c.EntityB.Valid {
		return MergeResult{}, fmt.Errorf("candidate %s references an erased record: %w", c.ID, es.ErrNotFound)
	}
	refA := es.EntityRef{Type: c.EntityType, ID: c.EntityA.UUID}
	refB := es.EntityRef{Type: c.EntityType, ID: c.EntityB.UUID}

	if err := s.lockAll(ctx, tx, refA, refB); err != nil {
		return MergeResult{}, err
	}
	a, err := s.loadActive(ctx, tx, refA)
	if err != nil {
		return MergeResult{}, err
	}
	b, err := s.loadActive(ctx, tx, refB)
	if err != nil {
		return MergeResult{}, err
	}

	survivor, duplicate := pickSurvivor(&a, &b)
	if survivorID != nil {
		switch *survivorID {
		case a.Ref.ID:
			survivor, duplicate = &a, &b
		case b.Ref.ID:
			survivor, duplicate = &b, &a
		default:
			return MergeResult{}, fmt.Errorf("%w: survivor %s is not part of candidate %s", es.ErrEntityMismatch, *survivorID, c.ID)
		}
	}

	moved := movedFrom(duplicate, time.Now().UTC().Truncate(time.Microsecond))
	opts := WriteOptions{Actor: actor, CorrelationID: uuid.NullUUID{UUID: c.ID, Valid: true}}
	survivorEvent, err := s.newEvents(survivor.Ref, opts, []Change{Merged{
		Role:        RoleSurvivor,
		Counterpart: duplicate.Ref.ID,
		CandidateID: c.ID,
		Confidence:  c.Confidence,
		Signals:     json.RawMessage(c.Signals),
		Moved:       moved,
	}})
	if err != nil {
		return MergeResult{}, err
	}
	duplicateEvent, err := s.newEvents(duplicate.Ref, opts, []Change{Merged{
		Role:        RoleDuplicate,
		Counterpart: survivor.Ref.ID,
		CandidateID: c.ID,
		Confidence:  c.Confidence,
		Signals:     json.RawMessage(c.Signals),
	}})
	if err != nil {
		return MergeResult{}, err
	}

	res := MergeResult{}
	if res.Survivor, err = s.commit(ctx, tx, survivor.Ref, es.Any(), survivorEvent); err != nil {
		return MergeResult{}, err
	}
	if res.Duplicate, err = s.commit(ctx, tx, duplicate.Ref, es.Any(), duplicateEvent); err != nil {
		return MergeResult{}, err
	}

	c.SurvivorID = uuid.NullUUID{UUID: survivor.Ref.ID, Valid: true}
	c.DuplicateID = uuid.NullUUID{UUID: duplicate.Ref.ID, Valid: true}
	review(c, actor, status)
	if err := s.backend.UpdateCandidate(ctx, tx, c); err != nil {
		return MergeResult{}, err
	}
	res.Candidate = *c

	if s.logger != nil {
		s.logger.Info(ctx, "records merged",
			"candidate_id", c.ID,
			"survivor", survivor.Ref.String(),
			"duplicate", duplicate.Ref.String(),
			"status", status,
			"provenance_moved", len(moved.Provenance))
	}
	return res, nil
}

// Split reverses a merged candidate: the data the duplicate brought along is
// moved from its current holder to a new record, and the candidate is rejected.
func (s *Service) Split(ctx context.Context, candidateID uuid.UUID, actor uuid.NullUUID) (res SplitResult, err error) {
	ctx, span := s.startSpan(ctx, "crm.Split", es.EntityRef{}, attribute.String("candidate.id", candidateID.String()))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, "split", s.backend.TxOptions(), func(tx *sql.Tx) error {
		var err error
		res, err = s.split(ctx, tx, candidateID, actor)
		return err
	})
	if err != nil {
		metrics.MergeOperations.WithLabelValues("split", "error").Inc()
		return SplitResult{}, err
	}
	metrics.MergeOperations.WithLabelValues("split", "ok").Inc()
	s.notify(res.Holder.Ref, res.Created.Ref)
	return res, nil
}

func (s *Service) split(ctx context.Context, tx *sql.Tx, candidateID uuid.UUID, actor uuid.NullUUID) (SplitResult, error) {
	c, err := s.backend.GetCandidate(ctx, tx, candidateID, true)
	if err != nil {
		return SplitResult{}, err
	}
	if c.Status != store.CandidateApproved && c.Status != store.CandidateAutoMerged {
		return SplitResult{}, fmt.Errorf("%w: candidate %s is %s", es.ErrInvalidTransition, c.ID, c.Status)
	}
	if !c.SurvivorID.Valid || !c.DuplicateID.Valid {
		return SplitResult{}, fmt.Errorf("candidate %s references an erased record: %w", c.ID, es.ErrNotFound)
	}

	survivorRef := es.EntityRef{Type: c.EntityType, ID: c.SurvivorID.UUID}
	duplicateRef := es.EntityRef{Type: c.EntityType, ID: c.DuplicateID.UUID}

	survivor, err := s.load(ctx, tx, survivorRef)
	if err != nil {
		return SplitResult{}, err
	}
	link, ok := survivor.MergeLinkFor(duplicateRef.ID)
	if !ok || link.Split() {
		return SplitResult{}, fmt.Errorf("%w: %s holds no merge of %s", es.ErrInvalidTransition, survivorRef, duplicateRef)
	}
	duplicate, err := s.load(ctx, tx, duplicateRef)
	if err != nil {
		return SplitResult{}, err
	}

	holder, err := s.holderOf(ctx, tx, survivor, link.ProvenanceIDs)
	if err != nil {
		return SplitResult{}, err
	}

	newRef := es.EntityRef{Type: c.EntityType, ID: uuid.New()}
	if err := s.lockAll(ctx, tx, holder.Ref, newRef); err != nil {
		return SplitResult{}, err
	}
	if holder, err = s.loadActive(ctx, tx, holder.Ref); err != nil {
		return SplitResult{}, err
	}

	part := partition(&holder, link.ProvenanceIDs)
	if len(link.ProvenanceIDs) > 0 && part.empty() {
		return SplitResult{}, fmt.Errorf("%w: %s holds none of the data %s brought in", es.ErrInvalidTransition, holder.Ref, duplicateRef)
	}
	created := Created{
		Fields:         duplicate.Fields,
		Identifiers:    part.Identifiers,
		ContactMethods: part.ContactMethods,
		Affiliations:   part.Affiliations,
		Provenance:     part.Provenance,
		SplitFrom:      uuid.NullUUID{UUID: holder.Ref.ID, Valid: true},
		CandidateID:    uuid.NullUUID{UUID: c.ID, Valid: true},
	}
	opts := WriteOptions{Actor: actor, CorrelationID: uuid.NullUUID{UUID: uuid.New(), Valid: true}}
	createdEvents, err := s.newEvents(newRef, opts, []Change{created})
	if err != nil {
		return SplitResult{}, err
	}
	splitEvents, err := s.newEvents(holder.Ref, opts, []Change{Split{
		ProvenanceIDs:  link.ProvenanceIDs,
		NewEntityID:    newRef.ID,
		OriginEntityID: duplicateRef.ID,
		CandidateID:    c.ID,
	}})
	if err != nil {
		return SplitResult{}, err
	}

	res := SplitResult{}
	if res.Created, err = s.commit(ctx, tx, newRef, es.NoStream(), createdEvents); err != nil {
		return SplitResult{}, err
	}
	if res.Holder, err = s.commit(ctx, tx, holder.Ref, es.Any(), splitEvents); err != nil {
		return SplitResult{}, err
	}

	c.SplitEntityID = uuid.NullUUID{UUID: newRef.ID, Valid: true}
	review(&c, actor, store.CandidateRejected)
	if err := s.backend.UpdateCandidate(ctx, tx, &c); err != nil {
		return SplitResult{}, err
	}
	res.Candidate = c

	if s.logger != nil {
		s.logger.Info(ctx, "record split",
			"candidate_id", c.ID,
			"holder", holder.Ref.String(),
			"created", newRef.String(),
			"origin", duplicateRef.String(),
			"provenance_moved", len(part.Provenance))
	}
	return res, nil
}

// ListCandidates returns candidates with the given status (all when empty), oldest first.
func (s *Service) ListCandidates(ctx context.Context, status string, limit int) ([]store.MatchCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.backend.ListCandidates(ctx, s.db, status, limit)
}

// GetCandidate returns one candidate.
func (s *Service) GetCandidate(ctx context.Context, id uuid.UUID) (store.MatchCandidate, error) {
	return s.backend.GetCandidate(ctx, s.db, id, false)
}

func (s *Service) checkPair(entityType string, a, b uuid.UUID) error {
	if err := s.checkRef(es.EntityRef{Type: entityType, ID: a}); err != nil {
		return err
	}
	if err := s.checkRef(es.EntityRef{Type: entityType, ID: b}); err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("%w: cannot merge %s with itself", es.ErrInvalidTransition, a)
	}
	return nil
}

// lockAll locks entity heads in id order, so concurrent multi-entity
// transactions cannot deadlock on each other.
func (s *Service) lockAll(ctx context.Context, tx *sql.Tx, refs ...es.EntityRef) error {
	sorted := append([]es.EntityRef(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	for _, ref := range sorted {
		if _, err := s.backend.Lock(ctx, tx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loadActive(ctx context.Context, tx *sql.Tx, ref es.EntityRef) (Record, error) {
	rec, err := s.load(ctx, tx, ref)
	if err != nil {
		return Record{}, err
	}
	if !rec.Active() {
		return Record{}, fmt.Errorf("%s is %s: %w", ref, rec.Status, es.ErrEntityTerminal)
	}
	return rec, nil
}

// pickSurvivor applies the default rule: earliest created, then smallest id.
func pickSurvivor(a, b *Record) (survivor, duplicate *Record) {
	if a.CreatedAt.Before(b.CreatedAt) {
		return a, b
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	if a.Ref.ID.String() <= b.Ref.ID.String() {
		return a, b
	}
	return b, a
}

// movedFrom collects what a merge takes from dup. Items without a known
// provenance record get a synthetic one naming dup, so a split can find them.
func movedFrom(dup *Record, now time.Time) *Moved {
	m := &Moved{
		Identifiers:    cloneSlice(dup.Identifiers),
		ContactMethods: cloneSlice(dup.ContactMethods),
		Affiliations:   cloneSlice(dup.Affiliations),
		Provenance:     cloneSlice(dup.Provenance),
	}

	known := make(map[uuid.UUID]bool, len(m.Provenance))
	for _, p := range m.Provenance {
		known[p.ID] = true
	}
	var synthetic uuid.UUID
	assign := func(id *uuid.UUID) {
		if known[*id] {
			return
		}
		if synthetic == uuid.Nil {
			synthetic = uuid.New()
			m.Provenance = append(m.Provenance, Provenance{
				ID:             synthetic,
				Source:         SourceMerge,
				SourceID:       dup.Ref.ID.String(),
				OriginEntityID: dup.Ref.ID,
				RecordedAt:     now,
			})
		}
		*id = synthetic
	}

	for i := range m.Identifiers {
		assign(&m.Identifiers[i].ProvenanceID)
	}
	for i := range m.ContactMethods {
		assign(&m.ContactMethods[i].ProvenanceID)
	}
	for i := range m.Affiliations {
		assign(&m.Affiliations[i].ProvenanceID)
	}
	return m
}

// partition returns the items of rec attributed to the given provenance records.
func partition(rec *Record, provenanceIDs []uuid.UUID) Moved {
	in := make(map[uuid.UUID]bool, len(provenanceIDs))
	for _, id := range provenanceIDs {
		in[id] = true
	}
	return Moved{
		Identifiers:    filter(rec.Identifiers, func(i Identifier) bool { return in[i.ProvenanceID] }),
		ContactMethods: filter(rec.ContactMethods, func(m ContactMethod) bool { return in[m.ProvenanceID] }),
		Affiliations:   filter(rec.Affiliations, func(a Affiliation) bool { return in[a.ProvenanceID] }),
		Provenance:     filter(rec.Provenance, func(p Provenance) bool { return in[p.ID] }),
	}
}

// holderOf finds the record that currently carries the given provenance. The
// data may have moved on from start through later merges, or been carried off
// by the split of an enclosing merge.
func (s *Service) holderOf(ctx context.Context, tx *sql.Tx, start Record, provenanceIDs []uuid.UUID) (Record, error) {
	rec := start
	for hops := 0; ; hops++ {
		if hops == maxMergeHops {
			return Record{}, fmt.Errorf("%w: cannot find the current holder of %s", es.ErrInvalidTransition, start.Ref)
		}

		var next uuid.UUID
		switch {
		case rec.Status == StatusMerged:
			if !rec.MergedInto.Valid {
				return Record{}, fmt.Errorf("%w: %s is merged into nothing", es.ErrInvalidTransition, rec.Ref)
			}
			next = rec.MergedInto.UUID
		case len(provenanceIDs) == 0:
			return rec, nil
		default:
			if part := partition(&rec, provenanceIDs); !part.empty() {
				return rec, nil
			}
			l, ok := rec.splitLinkFor(provenanceIDs)
			if !ok {
				return Record{}, fmt.Errorf("%w: cannot find the current holder of %s", es.ErrInvalidTransition, start.Ref)
			}
			next = l.SplitInto
		}

		var err error
		if rec, err = s.load(ctx, tx, es.EntityRef{Type: rec.Ref.Type, ID: next}); err != nil {
			return Record{}, err
		}
	}
}

func review(c *store.MatchCandidate, actor uuid.NullUUID, status string) {
	now := time.Now().UTC()
	c.Status = status
	c.ReviewedBy = actor
	c.ReviewedAt = &now
}
