// Package storetest is a conformance suite for sqlstore dialects.
// Every adapter runs it against a fresh schema.
package storetest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/store"
)

// Factory returns a database with an empty, migrated schema and a store over it.
type Factory func(t *testing.T) (*sql.DB, *sqlstore.Store)

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, db *sql.DB, s *sqlstore.Store)
	}{
		{"AppendAssignsContiguousSequences", testAppendAssignsContiguousSequences},
		{"AppendExpectedVersion", testAppendExpectedVersion},
		{"AppendDeduplicates", testAppendDeduplicates},
		{"AppendClampsOccurredAt", testAppendClampsOccurredAt},
		{"AppendRejectsMixedEntities", testAppendRejectsMixedEntities},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ReadRangeTimeBound", testReadRangeTimeBound},
		{"ReadEventsPagination", testReadEventsPagination},
		{"Checkpoints", testCheckpoints},
		{"Views", testViews},
		{"Snapshots", testSnapshots},
		{"Candidates", testCandidates},
		{"Erase", testErase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, s := factory(t)
			tt.fn(t, db, s)
		})
	}
}

func newEvent(ref es.EntityRef, eventType string) es.Event {
	return es.Event{
		EntityType: ref.Type,
		EntityID:   ref.ID,
		EventType:  eventType,
		Payload:    []byte(`{}`),
	}
}

func appendTx(t *testing.T, db *sql.DB, s *sqlstore.Store, expected es.ExpectedVersion, events ...es.Event) (es.AppendResult, error) {
	t.Helper()
	var res es.AppendResult
	err := es.InTx(context.Background(), db, nil, func(tx *sql.Tx) error {
		var err error
		res, err = s.Append(context.Background(), tx, expected, events)
		return err
	})
	return res, err
}

func testAppendAssignsContiguousSequences(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())

	res, err := appendTx(t, db, s, es.NoStream(), newEvent(ref, "Created"), newEvent(ref, "Updated"))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, int64(1), res.Events[0].Sequence)
	assert.Equal(t, int64(2), res.Events[1].Sequence)
	assert.Equal(t, int64(2), res.Head)
	assert.Less(t, res.Events[0].GlobalPosition, res.Events[1].GlobalPosition)

	res, err = appendTx(t, db, s, es.Exact(2), newEvent(ref, "Updated"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Events[0].Sequence)

	stream, err := s.ReadStream(ctx, db, ref, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3, stream.Len())
	for i, e := range stream.Events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, ref, e.Ref())
	}

	from, to := int64(2), int64(2)
	stream, err = s.ReadStream(ctx, db, ref, &from, &to)
	require.NoError(t, err)
	require.Equal(t, 1, stream.Len())
	assert.Equal(t, "Updated", stream.Events[0].EventType)

	head, err := s.Head(ctx, db, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.Sequence)

	missing, err := s.Head(ctx, db, es.NewRef("contact", uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), missing.Sequence)
}

func testAppendExpectedVersion(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ref := es.NewRef("contact", uuid.New())

	_, err := appendTx(t, db, s, es.Exact(1), newEvent(ref, "Created"))
	assert.ErrorIs(t, err, es.ErrVersionMismatch)

	_, err = appendTx(t, db, s, es.NoStream(), newEvent(ref, "Created"))
	require.NoError(t, err)

	_, err = appendTx(t, db, s, es.NoStream(), newEvent(ref, "Created"))
	assert.ErrorIs(t, err, es.ErrVersionMismatch)

	_, err = appendTx(t, db, s, es.Exact(0), newEvent(ref, "Updated"))
	assert.ErrorIs(t, err, es.ErrVersionMismatch)

	_, err = appendTx(t, db, s, es.Any(), newEvent(ref, "Updated"))
	require.NoError(t, err)

	// A failed append consumes no sequence
	head, err := s.Head(context.Background(), db, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.Sequence)
}

func testAppendDeduplicates(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ref := es.NewRef("contact", uuid.New())

	first := newEvent(ref, "Created")
	first.DedupKey = "import-1"
	res, err := appendTx(t, db, s, es.Any(), first)
	require.NoError(t, err)
	original := res.Events[0]

	retry := newEvent(ref, "Created")
	retry.DedupKey = "import-1"
	res, err = appendTx(t, db, s, es.Any(), retry)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.True(t, res.Events[0].Deduplicated)
	assert.Equal(t, original.EventID, res.Events[0].EventID)
	assert.Equal(t, int64(1), res.Events[0].Sequence)
	assert.Equal(t, int64(1), res.Head)
	assert.Empty(t, res.Appended())

	// Mixed batch: one duplicate, one new, one repeated within the batch
	a := newEvent(ref, "Created")
	a.DedupKey = "import-1"
	b := newEvent(ref, "Updated")
	b.DedupKey = "import-2"
	c := newEvent(ref, "Updated")
	c.DedupKey = "import-2"
	res, err = appendTx(t, db, s, es.Exact(1), a, b, c)
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.True(t, res.Events[0].Deduplicated)
	assert.False(t, res.Events[1].Deduplicated)
	assert.Equal(t, int64(2), res.Events[1].Sequence)
	assert.True(t, res.Events[2].Deduplicated)
	assert.Equal(t, res.Events[1].EventID, res.Events[2].EventID)
	assert.Equal(t, int64(2), res.Head)
	assert.Equal(t, int64(2), res.FromSequence())
}

func testAppendClampsOccurredAt(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	e1 := newEvent(ref, "Created")
	e1.OccurredAt = t0
	e2 := newEvent(ref, "Updated")
	e2.OccurredAt = t0.Add(-time.Hour)

	res, err := appendTx(t, db, s, es.Any(), e1, e2)
	require.NoError(t, err)

	want := t0.Truncate(time.Microsecond)
	assert.True(t, res.Events[0].OccurredAt.Equal(want), "got %v", res.Events[0].OccurredAt)
	assert.True(t, res.Events[1].OccurredAt.Equal(want), "backdated event must be clamped, got %v", res.Events[1].OccurredAt)

	events, err := s.ReadRange(ctx, db, ref, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].OccurredAt.Equal(want))
	assert.Equal(t, time.UTC, events[0].OccurredAt.Location())
}

func testAppendRejectsMixedEntities(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	a := es.NewRef("contact", uuid.New())
	b := es.NewRef("contact", uuid.New())

	_, err := appendTx(t, db, s, es.Any(), newEvent(a, "Created"), newEvent(b, "Created"))
	assert.ErrorIs(t, err, es.ErrEntityMismatch)

	_, err = appendTx(t, db, s, es.Any())
	assert.ErrorIs(t, err, es.ErrNoEvents)
}

func testConcurrentAppends(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; ; attempt++ {
				_, err := appendTx(t, db, s, es.Any(), newEvent(ref, "Updated"))
				if err == nil {
					return
				}
				if !s.IsRetryable(err) || attempt == 50 {
					errs <- err
					return
				}
				time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stream, err := s.ReadStream(ctx, db, ref, nil, nil)
	require.NoError(t, err)
	require.Equal(t, writers, stream.Len())
	for i, e := range stream.Events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func testReadRangeTimeBound(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var events []es.Event
	for i := 0; i < 5; i++ {
		e := newEvent(ref, "Updated")
		e.OccurredAt = t0.Add(time.Duration(i) * time.Hour)
		events = append(events, e)
	}
	_, err := appendTx(t, db, s, es.Any(), events...)
	require.NoError(t, err)

	got, err := s.ReadRange(ctx, db, ref, 0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.ReadRange(ctx, db, ref, 3, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)

	got, err = s.ReadRange(ctx, db, ref, 0, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testReadEventsPagination(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ref := es.NewRef("contact", uuid.New())
		_, err := appendTx(t, db, s, es.Any(), newEvent(ref, "Created"))
		require.NoError(t, err)
	}

	page, err := s.ReadEvents(ctx, db, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)

	rest, err := s.ReadEvents(ctx, db, page[2].GlobalPosition, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].GlobalPosition, page[2].GlobalPosition)
}

func testCheckpoints(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()

	pos, err := s.GetCheckpoint(ctx, db, "graph")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	require.NoError(t, s.UpdateCheckpoint(ctx, db, "graph", 10))
	require.NoError(t, s.UpdateCheckpoint(ctx, db, "graph", 25))

	pos, err = s.GetCheckpoint(ctx, db, "graph")
	require.NoError(t, err)
	assert.Equal(t, int64(25), pos)
}

func testViews(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())

	_, err := s.LoadView(ctx, db, ref)
	assert.ErrorIs(t, err, es.ErrNotFound)

	view := store.View{Ref: ref, Status: store.ViewActive, State: []byte(`{"name":"Ada"}`), Sequence: 1}
	require.NoError(t, s.SaveView(ctx, db, &view))
	require.NoError(t, s.ReplaceIdentifiers(ctx, db, ref, []store.IdentifierKey{
		{Kind: "email", Value: "ada@example.com"},
		{Kind: "email", Value: "ada@example.com"},
	}))

	got, err := s.LoadView(ctx, db, ref)
	require.NoError(t, err)
	assert.Equal(t, store.ViewActive, got.Status)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.State))
	assert.False(t, got.MergedInto.Valid)

	ids, err := s.FindByIdentifier(ctx, db, "contact", store.IdentifierKey{Kind: "email", Value: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ref.ID}, ids)

	survivor := uuid.New()
	view.Status = store.ViewMerged
	view.Sequence = 2
	view.MergedInto = uuid.NullUUID{UUID: survivor, Valid: true}
	require.NoError(t, s.SaveView(ctx, db, &view))
	require.NoError(t, s.ReplaceIdentifiers(ctx, db, ref, nil))

	got, err = s.LoadView(ctx, db, ref)
	require.NoError(t, err)
	assert.Equal(t, store.ViewMerged, got.Status)
	assert.Equal(t, survivor, got.MergedInto.UUID)

	ids, err = s.FindByIdentifier(ctx, db, "contact", store.IdentifierKey{Kind: "email", Value: "ada@example.com"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	other := es.NewRef("contact", uuid.New())
	require.NoError(t, s.SaveView(ctx, db, &store.View{Ref: other, Status: store.ViewActive, State: []byte(`{}`), Sequence: 1}))

	views, err := s.ListViews(ctx, db, "contact", uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, views, 1, "merged views are not listable")
	assert.Equal(t, other, views[0].Ref)
}

func testSnapshots(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.LatestSnapshot(ctx, db, ref, time.Time{})
	assert.ErrorIs(t, err, es.ErrNotFound)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, db, &store.Snapshot{
			Ref:            ref,
			AsOfSequence:   int64(i * 10),
			AsOfOccurredAt: t0.Add(time.Duration(i) * time.Hour),
			State:          []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}))
	}

	// Snapshots are never overwritten
	require.NoError(t, s.SaveSnapshot(ctx, db, &store.Snapshot{
		Ref: ref, AsOfSequence: 40, AsOfOccurredAt: t0.Add(4 * time.Hour), State: []byte(`{"n":99}`),
	}))

	latest, err := s.LatestSnapshot(ctx, db, ref, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(40), latest.AsOfSequence)
	assert.JSONEq(t, `{"n":4}`, string(latest.State))

	asOf, err := s.LatestSnapshot(ctx, db, ref, t0.Add(150*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(20), asOf.AsOfSequence)
	assert.True(t, asOf.AsOfOccurredAt.Equal(t0.Add(2*time.Hour)))

	atSeq, err := s.LatestSnapshotAtOrBefore(ctx, db, ref, 35)
	require.NoError(t, err)
	assert.Equal(t, int64(30), atSeq.AsOfSequence)

	pruned, err := s.PruneSnapshots(ctx, db, ref, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, err = s.LatestSnapshotAtOrBefore(ctx, db, ref, 25)
	assert.ErrorIs(t, err, es.ErrNotFound)

	deleted, err := s.DeleteSnapshots(ctx, db, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func testCandidates(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	c := store.MatchCandidate{
		EntityType: "contact",
		EntityA:    uuid.NullUUID{UUID: a, Valid: true},
		EntityB:    uuid.NullUUID{UUID: b, Valid: true},
		Confidence: 0.82,
		Signals:    []byte(`{"email":true}`),
	}
	require.NoError(t, s.InsertCandidate(ctx, db, &c))
	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, store.CandidatePending, c.Status)

	got, err := s.GetCandidate(ctx, db, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, a, got.EntityA.UUID)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.Nil(t, got.ReviewedAt)

	reviewedAt := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = store.CandidateApproved
	got.SurvivorID = uuid.NullUUID{UUID: a, Valid: true}
	got.DuplicateID = uuid.NullUUID{UUID: b, Valid: true}
	got.ReviewedBy = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	got.ReviewedAt = &reviewedAt
	require.NoError(t, es.InTx(ctx, db, s.TxOptions(), func(tx *sql.Tx) error {
		if _, err := s.GetCandidate(ctx, tx, c.ID, true); err != nil {
			return err
		}
		return s.UpdateCandidate(ctx, tx, &got)
	}))

	approved, err := s.ListCandidates(ctx, db, store.CandidateApproved, 10)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.NotNil(t, approved[0].ReviewedAt)
	assert.True(t, approved[0].ReviewedAt.Equal(reviewedAt))

	pending, err := s.ListCandidates(ctx, db, store.CandidatePending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.GetCandidate(ctx, db, uuid.New(), false)
	assert.ErrorIs(t, err, es.ErrNotFound)

	missing := store.MatchCandidate{ID: uuid.New(), Status: store.CandidateRejected}
	assert.ErrorIs(t, s.UpdateCandidate(ctx, db, &missing), es.ErrNotFound)
}

func testErase(t *testing.T, db *sql.DB, s *sqlstore.Store) {
	ctx := context.Background()
	victim := es.NewRef("contact", uuid.New())
	survivor := es.NewRef("contact", uuid.New())

	_, err := appendTx(t, db, s, es.Any(), newEvent(victim, "Created"), newEvent(victim, "Merged"))
	require.NoError(t, err)
	_, err = appendTx(t, db, s, es.Any(), newEvent(survivor, "Created"))
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, db, &store.Snapshot{Ref: victim, AsOfSequence: 1, AsOfOccurredAt: time.Now(), State: []byte(`{}`)}))
	require.NoError(t, s.SaveView(ctx, db, &store.View{Ref: victim, Status: store.ViewMerged, State: []byte(`{}`), Sequence: 2,
		MergedInto: uuid.NullUUID{UUID: survivor.ID, Valid: true}}))
	require.NoError(t, s.ReplaceIdentifiers(ctx, db, victim, []store.IdentifierKey{{Kind: "email", Value: "x@example.com"}}))

	cand := store.MatchCandidate{EntityType: "contact", Status: store.CandidateApproved,
		EntityA:     uuid.NullUUID{UUID: survivor.ID, Valid: true},
		EntityB:     uuid.NullUUID{UUID: victim.ID, Valid: true},
		DuplicateID: uuid.NullUUID{UUID: victim.ID, Valid: true}}
	require.NoError(t, s.InsertCandidate(ctx, db, &cand))

	var events, snapshots int64
	require.NoError(t, es.InTx(ctx, db, s.TxOptions(), func(tx *sql.Tx) error {
		var err error
		events, snapshots, err = s.EraseEntity(ctx, tx, victim)
		if err != nil {
			return err
		}
		return s.RecordErasure(ctx, tx, &store.Erasure{Ref: victim, Reason: "gdpr", EventsDeleted: events, SnapshotsDeleted: snapshots})
	}))
	assert.Equal(t, int64(2), events)
	assert.Equal(t, int64(1), snapshots)

	stream, err := s.ReadStream(ctx, db, victim, nil, nil)
	require.NoError(t, err)
	assert.True(t, stream.IsEmpty())

	_, err = s.LoadView(ctx, db, victim)
	assert.True(t, errors.Is(err, es.ErrNotFound))

	got, err := s.GetCandidate(ctx, db, cand.ID, false)
	require.NoError(t, err)
	assert.False(t, got.EntityB.Valid)
	assert.False(t, got.DuplicateID.Valid)
	assert.True(t, got.EntityA.Valid)

	// The survivor is untouched
	stream, err = s.ReadStream(ctx, db, survivor, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Len())
}
