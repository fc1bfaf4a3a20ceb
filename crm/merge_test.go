package crm_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/livingrecord/crm"
	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

// mergePair creates A (three events) and B (two events); A is older.
func mergePair(t *testing.T, f *fixture) (a, b es.EntityRef, bProvenance uuid.UUID) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)

	a = f.create(t, base, crm.Created{
		Fields:      map[string]string{"name": "Ada Lovelace"},
		Identifiers: []crm.Identifier{{Kind: "email", Value: "ada@example.com"}},
	})
	f.update(t, a, map[string]string{"title": "Analyst"})
	f.update(t, a, map[string]string{"city": "London"})

	bProvenance = uuid.New()
	b = f.create(t, base.Add(time.Minute), crm.Created{
		Fields: map[string]string{"name": "A. Lovelace"},
		Identifiers: []crm.Identifier{
			{Kind: "email", Value: "ada.l@example.org", ProvenanceID: bProvenance},
			{Kind: "crm_id", Value: "legacy-17"},
		},
		ContactMethods: []crm.ContactMethod{{Kind: "phone", Value: "555-0199", ProvenanceID: bProvenance}},
		Provenance:     []crm.Provenance{{ID: bProvenance, Source: "hubspot", SourceID: "hs-9"}},
	})
	f.update(t, b, map[string]string{"company": "Analytical Engines"})
	return a, b, bProvenance
}

func identifierValues(rec crm.Record) []string {
	out := make([]string, 0, len(rec.Identifiers))
	for _, i := range rec.Identifiers {
		out = append(out, i.Value)
	}
	return out
}

func TestMerge_ThenSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, bProvenance := mergePair(t, f)
	actor := crm.Actor(uuid.New())

	res, err := f.service.Merge(ctx, a, b, crm.MergeOptions{Actor: actor, Confidence: 0.9, Signals: json.RawMessage(`{"email_domain":true}`)})
	require.NoError(t, err)
	assert.Equal(t, a, res.Survivor.Ref)
	assert.Equal(t, b, res.Duplicate.Ref)
	assert.Equal(t, store.CandidateApproved, res.Candidate.Status)
	assert.Equal(t, actor, res.Candidate.ReviewedBy)

	survivor := res.Survivor
	assert.ElementsMatch(t, []string{"ada@example.com", "ada.l@example.org", "legacy-17"}, identifierValues(survivor))
	require.Len(t, survivor.ContactMethods, 1)
	require.Len(t, survivor.MergedFrom, 1)
	assert.Equal(t, b.ID, survivor.MergedFrom[0].EntityID)
	assert.Contains(t, survivor.MergedFrom[0].ProvenanceIDs, bProvenance)

	duplicate := res.Duplicate
	assert.Equal(t, crm.StatusMerged, duplicate.Status)
	assert.Equal(t, a.ID, duplicate.MergedInto.UUID)
	assert.Empty(t, duplicate.Identifiers)

	resolved, err := f.service.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, a, resolved.Ref)

	found, err := f.service.FindByIdentifier(ctx, crm.Contact, "email", "ada.l@example.org")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a, found[0].Ref)

	history, err := f.service.History(ctx, a, true)
	require.NoError(t, err)
	require.Len(t, history, 6)
	merged := 0
	for _, e := range history {
		if e.EventType == crm.EventMerged {
			merged++
			assert.Equal(t, a.ID, e.EntityID)
		}
	}
	assert.Equal(t, 1, merged)

	_, err = f.service.Update(ctx, b, crm.WriteOptions{}, map[string]string{"x": "y"})
	assert.ErrorIs(t, err, es.ErrEntityTerminal)

	split, err := f.service.Split(ctx, res.Candidate.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateRejected, split.Candidate.Status)
	assert.Equal(t, split.Created.Ref.ID, split.Candidate.SplitEntityID.UUID)
	assert.Equal(t, a, split.Holder.Ref)

	created := split.Created
	assert.ElementsMatch(t, []string{"ada.l@example.org", "legacy-17"}, identifierValues(created))
	require.Len(t, created.ContactMethods, 1)
	assert.Equal(t, "555-0199", created.ContactMethods[0].Value)
	assert.Equal(t, "A. Lovelace", created.Field("name"))
	assert.Equal(t, a.ID, created.SplitFrom.UUID)

	holder := split.Holder
	assert.Equal(t, []string{"ada@example.com"}, identifierValues(holder))
	assert.Empty(t, holder.ContactMethods)
	assert.True(t, holder.MergedFrom[0].Split())

	history, err = f.service.History(ctx, a, false)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, crm.EventMerged, history[3].EventType)
	assert.Equal(t, crm.EventSplit, history[4].EventType)

	// Split-out history is no longer attributed to the holder.
	history, err = f.service.History(ctx, a, true)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	found, err = f.service.FindByIdentifier(ctx, crm.Contact, "crm_id", "legacy-17")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.Ref, found[0].Ref)

	_, err = f.service.Split(ctx, res.Candidate.ID, actor)
	assert.ErrorIs(t, err, es.ErrInvalidTransition)

	for _, ref := range []es.EntityRef{a, b, created.Ref} {
		d, err := f.service.Verify(ctx, ref)
		require.NoError(t, err)
		assert.Nil(t, d, "row of %s must match its history", ref)
	}
}

func TestMerge_RoundTripRestoresIdentifierPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	before, err := f.service.Get(ctx, b)
	require.NoError(t, err)

	res, err := f.service.Merge(ctx, a, b, crm.MergeOptions{})
	require.NoError(t, err)
	split, err := f.service.Split(ctx, res.Candidate.ID, uuid.NullUUID{})
	require.NoError(t, err)

	assert.ElementsMatch(t, before.IdentifierKeys(), split.Created.IdentifierKeys())
	assert.Equal(t, before.Fields, split.Created.Fields)

	after, err := f.service.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada@example.com"}, identifierValues(after))
}

func TestMerge_SplitFollowsLaterMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	first, err := f.service.Merge(ctx, a, b, crm.MergeOptions{})
	require.NoError(t, err)

	// A is later merged into an even older record Z.
	z := f.create(t, time.Now().UTC().Add(-48*time.Hour), crm.Created{
		Identifiers: []crm.Identifier{{Kind: "email", Value: "z@example.com"}},
	})
	second, err := f.service.Merge(ctx, a, z, crm.MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, z, second.Survivor.Ref)

	resolved, err := f.service.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, z, resolved.Ref)

	split, err := f.service.Split(ctx, first.Candidate.ID, uuid.NullUUID{})
	require.NoError(t, err)
	assert.Equal(t, z, split.Holder.Ref)
	assert.ElementsMatch(t, []string{"ada.l@example.org", "legacy-17"}, identifierValues(split.Created))
	assert.ElementsMatch(t, []string{"z@example.com", "ada@example.com"}, identifierValues(split.Holder))
}

func TestMerge_SplitFollowsEarlierSplits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	a := f.create(t, base, crm.Created{Identifiers: []crm.Identifier{{Kind: "email", Value: "a@example.com"}}})
	b := f.create(t, base.Add(time.Minute), crm.Created{Identifiers: []crm.Identifier{{Kind: "email", Value: "b@example.com"}}})
	d := f.create(t, base.Add(2*time.Minute), crm.Created{Identifiers: []crm.Identifier{{Kind: "email", Value: "d@example.com"}}})

	bd, err := f.service.Merge(ctx, b, d, crm.MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, b, bd.Survivor.Ref)
	ab, err := f.service.Merge(ctx, a, b, crm.MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, a, ab.Survivor.Ref)

	// Undoing the outer merge carries D's data off to a new record C.
	first, err := f.service.Split(ctx, ab.Candidate.ID, uuid.NullUUID{})
	require.NoError(t, err)
	c := first.Created.Ref
	assert.ElementsMatch(t, []string{"b@example.com", "d@example.com"}, identifierValues(first.Created))

	second, err := f.service.Split(ctx, bd.Candidate.ID, uuid.NullUUID{})
	require.NoError(t, err)
	assert.Equal(t, c, second.Holder.Ref)
	assert.Equal(t, store.CandidateRejected, second.Candidate.Status)
	assert.Equal(t, []string{"d@example.com"}, identifierValues(second.Created))
	assert.Equal(t, []string{"b@example.com"}, identifierValues(second.Holder))

	holder, err := f.service.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, identifierValues(holder))

	history, err := f.service.History(ctx, a, false)
	require.NoError(t, err)
	splits := 0
	for _, e := range history {
		if e.EventType == crm.EventSplit {
			splits++
		}
	}
	assert.Equal(t, 1, splits, "the second split must not touch A")

	for _, ref := range []es.EntityRef{a, b, c, d, second.Created.Ref} {
		div, err := f.service.Verify(ctx, ref)
		require.NoError(t, err)
		assert.Nil(t, div, "row of %s must match its history", ref)
	}
}

func TestMerge_SplitRefusesWhenDataIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	res, err := f.service.Merge(ctx, a, b, crm.MergeOptions{})
	require.NoError(t, err)
	link := res.Survivor.MergedFrom[0]

	// Strip B's data from A without marking the merge link.
	payload, err := json.Marshal(crm.Split{ProvenanceIDs: link.ProvenanceIDs, NewEntityID: uuid.New(), OriginEntityID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, es.InTx(ctx, f.db, nil, func(tx *sql.Tx) error {
		_, err := f.store.Append(ctx, tx, es.Any(), []es.Event{{
			EntityType:   a.Type,
			EntityID:     a.ID,
			EventID:      uuid.New(),
			EventType:    crm.EventSplit,
			EventVersion: 1,
			Payload:      payload,
		}})
		return err
	}))
	stripped, err := f.service.Rebuild(ctx, a)
	require.NoError(t, err)

	_, err = f.service.Split(ctx, res.Candidate.ID, uuid.NullUUID{})
	assert.ErrorIs(t, err, es.ErrInvalidTransition)

	after, err := f.service.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, stripped.Sequence, after.Sequence)

	c, err := f.service.GetCandidate(ctx, res.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateApproved, c.Status)
}

func TestMerge_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	_, err := f.service.Merge(ctx, a, a, crm.MergeOptions{})
	assert.ErrorIs(t, err, es.ErrInvalidTransition)

	company := es.NewRef(crm.Company, uuid.New())
	_, err = f.service.Merge(ctx, a, company, crm.MergeOptions{})
	assert.ErrorIs(t, err, es.ErrEntityMismatch)

	stranger := uuid.New()
	_, err = f.service.Merge(ctx, a, b, crm.MergeOptions{Survivor: &stranger})
	assert.ErrorIs(t, err, es.ErrEntityMismatch)

	_, err = f.service.Merge(ctx, a, es.NewRef(crm.Contact, uuid.New()), crm.MergeOptions{})
	assert.ErrorIs(t, err, es.ErrNotFound)

	// Failed merges leave no candidate behind.
	candidates, err := f.service.ListCandidates(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// Explicit survivor overrides the age rule.
	res, err := f.service.Merge(ctx, a, b, crm.MergeOptions{Survivor: &b.ID})
	require.NoError(t, err)
	assert.Equal(t, b, res.Survivor.Ref)

	_, err = f.service.Merge(ctx, a, b, crm.MergeOptions{})
	assert.ErrorIs(t, err, es.ErrEntityTerminal)
}

func TestCandidates_ReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	pending, err := f.service.SubmitCandidate(ctx, crm.CandidateInput{
		EntityType: crm.Contact,
		EntityA:    a.ID,
		EntityB:    b.ID,
		Confidence: 0.6,
		Signals:    json.RawMessage(`{"name":0.8}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.CandidatePending, pending.Candidate.Status)
	assert.False(t, pending.Survivor.Exists())

	listed, err := f.service.ListCandidates(ctx, store.CandidatePending, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	rejected, err := f.service.Reject(ctx, pending.Candidate.ID, crm.Actor(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, store.CandidateRejected, rejected.Status)

	_, err = f.service.Approve(ctx, pending.Candidate.ID, uuid.NullUUID{}, nil)
	assert.ErrorIs(t, err, es.ErrInvalidTransition)

	again, err := f.service.SubmitCandidate(ctx, crm.CandidateInput{EntityType: crm.Contact, EntityA: a.ID, EntityB: b.ID, Confidence: 0.7})
	require.NoError(t, err)
	approved, err := f.service.Approve(ctx, again.Candidate.ID, crm.Actor(uuid.New()), nil)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateApproved, approved.Candidate.Status)
	assert.Equal(t, a, approved.Survivor.Ref)

	_, err = f.service.Reject(ctx, again.Candidate.ID, uuid.NullUUID{})
	assert.ErrorIs(t, err, es.ErrInvalidTransition)

	_, err = f.service.Approve(ctx, uuid.New(), uuid.NullUUID{}, nil)
	assert.ErrorIs(t, err, es.ErrNotFound)

	_, err = f.service.SubmitCandidate(ctx, crm.CandidateInput{EntityType: crm.Contact, EntityA: a.ID, EntityB: b.ID, Confidence: 1.5})
	assert.Error(t, err)
}

func TestCandidates_AutoMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, _ := mergePair(t, f)

	res, err := f.service.SubmitCandidate(ctx, crm.CandidateInput{
		EntityType: crm.Contact,
		EntityA:    b.ID,
		EntityB:    a.ID,
		Confidence: 0.97,
	})
	require.NoError(t, err)
	assert.Equal(t, store.CandidateAutoMerged, res.Candidate.Status)
	assert.Equal(t, a, res.Survivor.Ref)
	assert.Equal(t, crm.StatusMerged, res.Duplicate.Status)

	stored, err := f.service.GetCandidate(ctx, res.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateAutoMerged, stored.Status)
	assert.Equal(t, b.ID, stored.DuplicateID.UUID)

	// Auto-merged candidates can be split like approved ones.
	split, err := f.service.Split(ctx, res.Candidate.ID, uuid.NullUUID{})
	require.NoError(t, err)
	assert.Equal(t, store.CandidateRejected, split.Candidate.Status)
}

func TestPickSurvivor(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-0000-0000-0000-000000000000")

	tests := []struct {
		name     string
		a, b     crm.Record
		survivor uuid.UUID
	}{
		{
			name:     "older wins",
			a:        crm.Record{Ref: es.NewRef(crm.Contact, high), CreatedAt: early},
			b:        crm.Record{Ref: es.NewRef(crm.Contact, low), CreatedAt: early.Add(time.Second)},
			survivor: high,
		},
		{
			name:     "older wins regardless of order",
			a:        crm.Record{Ref: es.NewRef(crm.Contact, low), CreatedAt: early.Add(time.Second)},
			b:        crm.Record{Ref: es.NewRef(crm.Contact, high), CreatedAt: early},
			survivor: high,
		},
		{
			name:     "tie goes to smaller id",
			a:        crm.Record{Ref: es.NewRef(crm.Contact, high), CreatedAt: early},
			b:        crm.Record{Ref: es.NewRef(crm.Contact, low), CreatedAt: early},
			survivor: low,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			survivor, duplicate := crm.PickSurvivor(&tt.a, &tt.b)
			assert.Equal(t, tt.survivor, survivor.Ref.ID)
			assert.NotEqual(t, survivor.Ref.ID, duplicate.Ref.ID)
		})
	}
}
