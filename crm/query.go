package crm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/getpup/livingrecord/es"
)

// maxMergeHops bounds how far Resolve follows merged_into links.
const maxMergeHops = 32

// ListOptions page through listable records ordered by id.
type ListOptions struct {
	After uuid.UUID
	Limit int
}

// Get returns the materialized row of ref, in any status.
func (s *Service) Get(ctx context.Context, ref es.EntityRef) (Record, error) {
	if err := s.checkRef(ref); err != nil {
		return Record{}, err
	}
	return s.load(ctx, s.db, ref)
}

// Resolve returns the record ref currently lives in, following merges.
func (s *Service) Resolve(ctx context.Context, ref es.EntityRef) (Record, error) {
	rec, err := s.Get(ctx, ref)
	if err != nil {
		return Record{}, err
	}
	for hops := 0; rec.Status == StatusMerged; hops++ {
		if hops == maxMergeHops {
			return Record{}, fmt.Errorf("%s: merge chain longer than %d", ref, maxMergeHops)
		}
		if !rec.MergedInto.Valid {
			// The survivor was erased.
			return Record{}, fmt.Errorf("%s merged into an erased record: %w", rec.Ref, es.ErrNotFound)
		}
		rec, err = s.load(ctx, s.db, es.EntityRef{Type: ref.Type, ID: rec.MergedInto.UUID})
		if err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// List returns active records of a type.
func (s *Service) List(ctx context.Context, entityType string, opts ListOptions) ([]Record, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	views, err := s.backend.ListViews(ctx, s.db, entityType, opts.After, opts.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(views))
	for i := range views {
		rec, err := s.codec.Decode(views[i].State)
		if err != nil {
			return nil, fmt.Errorf("decode view %s: %w", views[i].Ref, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByIdentifier returns the active records carrying an identifier.
func (s *Service) FindByIdentifier(ctx context.Context, entityType, kind, value string) ([]Record, error) {
	ids, err := s.backend.FindByIdentifier(ctx, s.db, entityType, Identifier{Kind: kind, Value: value}.Key())
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, s.db, es.EntityRef{Type: entityType, ID: id})
		if errors.Is(err, es.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Active() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// StateAsOf reconstructs the record as of t. It only reads.
func (s *Service) StateAsOf(ctx context.Context, ref es.EntityRef, t time.Time) (rec Record, err error) {
	ctx, span := s.startSpan(ctx, "crm.StateAsOf", ref, attribute.String("as_of", t.UTC().Format(time.RFC3339Nano)))
	defer func() { endSpan(span, err) }()

	if err := s.checkRef(ref); err != nil {
		return Record{}, err
	}
	res, err := s.reconstructor.StateAsOf(ctx, s.db, ref, t)
	if err != nil {
		return Record{}, err
	}
	span.SetAttributes(
		attribute.Int64("replay.sequence", res.Sequence),
		attribute.Int64("replay.snapshot_sequence", res.SnapshotSequence),
		attribute.Int("replay.applied", res.Applied))
	return res.State, nil
}

// History returns the events of ref in sequence order. With includeMerged the
// events of absorbed records (up to their merge, excluding ones split out again)
// are interleaved by occurrence time.
func (s *Service) History(ctx context.Context, ref es.EntityRef, includeMerged bool) ([]es.PersistedEvent, error) {
	if err := s.checkRef(ref); err != nil {
		return nil, err
	}
	stream, err := s.backend.ReadStream(ctx, s.db, ref, nil, nil)
	if err != nil {
		return nil, err
	}
	if stream.IsEmpty() {
		return nil, fmt.Errorf("%s: %w", ref, es.ErrNotFound)
	}
	if !includeMerged {
		return stream.Events, nil
	}

	events := stream.Events
	visited := map[uuid.UUID]bool{ref.ID: true}
	if err := s.collectAbsorbed(ctx, ref, visited, &events); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.GlobalPosition < b.GlobalPosition
	})
	return events, nil
}

func (s *Service) collectAbsorbed(ctx context.Context, ref es.EntityRef, visited map[uuid.UUID]bool, out *[]es.PersistedEvent) error {
	rec, err := s.load(ctx, s.db, ref)
	if err != nil {
		return err
	}
	for _, link := range rec.MergedFrom {
		if link.Split() || visited[link.EntityID] {
			continue
		}
		visited[link.EntityID] = true
		absorbed := es.EntityRef{Type: ref.Type, ID: link.EntityID}
		stream, err := s.backend.ReadStream(ctx, s.db, absorbed, nil, nil)
		if err != nil {
			return err
		}
		for _, e := range stream.Events {
			if e.EventType == EventMerged && mergedAway(&e, ref.ID) {
				break
			}
			*out = append(*out, e)
		}
		if err := s.collectAbsorbed(ctx, absorbed, visited, out); err != nil && !errors.Is(err, es.ErrNotFound) {
			return err
		}
	}
	return nil
}

// mergedAway reports whether e is the duplicate side of a merge into survivor.
func mergedAway(e *es.PersistedEvent, survivor uuid.UUID) bool {
	m, err := decode[Merged](e.Payload)
	return err == nil && m.Role == RoleDuplicate && m.Counterpart == survivor
}
