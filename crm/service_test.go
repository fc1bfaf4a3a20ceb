package crm_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/livingrecord/crm"
	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/adapters/sqlite"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/migrations"
	"github.com/getpup/livingrecord/es/store"
)

type fixture struct {
	db      *sql.DB
	store   *sqlstore.Store
	service *crm.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config := migrations.DefaultConfig()
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, &config))

	s := sqlite.NewStore(sqlstore.DefaultStoreConfig())
	return &fixture{db: db, store: s, service: crm.NewService(db, s, nil)}
}

func (f *fixture) create(t *testing.T, at time.Time, c crm.Created) es.EntityRef {
	t.Helper()
	ref := es.NewRef(crm.Contact, uuid.New())
	_, err := f.service.Create(context.Background(), ref, crm.WriteOptions{OccurredAt: at}, c)
	require.NoError(t, err)
	return ref
}

func (f *fixture) update(t *testing.T, ref es.EntityRef, fields map[string]string) crm.Record {
	t.Helper()
	rec, err := f.service.Update(context.Background(), ref, crm.WriteOptions{}, fields)
	require.NoError(t, err)
	return rec
}

func TestService_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := es.NewRef(crm.Contact, uuid.New())

	rec, err := f.service.Create(ctx, ref, crm.WriteOptions{}, crm.Created{
		Fields:      map[string]string{"name": "Ada Lovelace"},
		Identifiers: []crm.Identifier{{Kind: "email", Value: "ada@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, crm.StatusActive, rec.Status)

	_, err = f.service.Create(ctx, ref, crm.WriteOptions{}, crm.Created{})
	assert.ErrorIs(t, err, es.ErrVersionMismatch)

	rec = f.update(t, ref, map[string]string{"title": "Analyst"})
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, "Ada Lovelace", rec.Field("name"))
	assert.Equal(t, "Analyst", rec.Field("title"))

	stored, err := f.service.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, rec.Fields, stored.Fields)
	assert.Equal(t, rec.Sequence, stored.Sequence)
	assert.True(t, rec.UpdatedAt.Equal(stored.UpdatedAt))

	found, err := f.service.FindByIdentifier(ctx, crm.Contact, "email", "ada@example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ref, found[0].Ref)

	rec, err = f.service.Delete(ctx, ref, crm.WriteOptions{}, "duplicate import")
	require.NoError(t, err)
	assert.Equal(t, crm.StatusDeleted, rec.Status)

	_, err = f.service.Update(ctx, ref, crm.WriteOptions{}, map[string]string{"title": "CTO"})
	assert.ErrorIs(t, err, es.ErrEntityTerminal)

	found, err = f.service.FindByIdentifier(ctx, crm.Contact, "email", "ada@example.com")
	require.NoError(t, err)
	assert.Empty(t, found)

	list, err := f.service.List(ctx, crm.Contact, crm.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	rec, err = f.service.Write(ctx, ref, crm.WriteOptions{}, crm.Restored{})
	require.NoError(t, err)
	assert.Equal(t, crm.StatusActive, rec.Status)
	assert.Equal(t, int64(4), rec.Sequence)

	history, err := f.service.History(ctx, ref, false)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, e := range history {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestService_WriteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{})

	tests := []struct {
		name   string
		ref    es.EntityRef
		change crm.Change
		target error
	}{
		{"unknown entity type", es.NewRef("invoice", uuid.New()), crm.Updated{Fields: map[string]string{"a": "b"}}, es.ErrEntityMismatch},
		{"merge is reserved", ref, crm.Merged{}, es.ErrInvalidTransition},
		{"split is reserved", ref, crm.Split{}, es.ErrInvalidTransition},
		{"missing entity", es.NewRef(crm.Contact, uuid.New()), crm.Updated{Fields: map[string]string{"a": "b"}}, es.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Write(ctx, tt.ref, crm.WriteOptions{}, tt.change)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	_, err := f.service.Write(ctx, ref, crm.WriteOptions{}, crm.IdentifierAdded{Identifier: crm.Identifier{Kind: "email"}})
	assert.Error(t, err)

	_, err = f.service.Write(ctx, ref, crm.WriteOptions{})
	assert.ErrorIs(t, err, es.ErrNoEvents)
}

func TestService_ExpectedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{})

	stale := es.Exact(0)
	_, err := f.service.Update(ctx, ref, crm.WriteOptions{Expected: &stale}, map[string]string{"a": "1"})
	assert.ErrorIs(t, err, es.ErrVersionMismatch)

	current := es.Exact(1)
	rec, err := f.service.Update(ctx, ref, crm.WriteOptions{Expected: &current}, map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
}

func TestService_DedupKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{})

	opts := crm.WriteOptions{DedupKey: "request-42"}
	first, err := f.service.Update(ctx, ref, opts, map[string]string{"stage": "lead"})
	require.NoError(t, err)

	second, err := f.service.Update(ctx, ref, opts, map[string]string{"stage": "lead"})
	require.NoError(t, err)
	assert.Equal(t, first.Sequence, second.Sequence)

	history, err := f.service.History(ctx, ref, false)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_ConcurrentWriters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{})

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.Update(ctx, ref, crm.WriteOptions{}, map[string]string{fmt.Sprintf("field_%02d", i): "x"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := f.service.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), rec.Sequence)
	assert.Len(t, rec.Fields, writers)

	history, err := f.service.History(ctx, ref, false)
	require.NoError(t, err)
	require.Len(t, history, writers+1)
	for i, e := range history {
		assert.Equal(t, int64(i+1), e.Sequence, "sequence must be gap-free")
	}

	d, err := f.service.Verify(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, d)
}

// failingViews appends normally but cannot write materialized rows.
type failingViews struct {
	store.Backend
	err error
}

func (b *failingViews) SaveView(context.Context, es.DBTX, *store.View) error {
	return b.err
}

func TestService_ViewUpdateFailureRollsBackAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{Fields: map[string]string{"name": "Grace"}})

	boom := errors.New("view store unavailable")
	failing := crm.NewService(f.db, &failingViews{Backend: f.store, err: boom}, nil)

	_, err := failing.Update(ctx, ref, crm.WriteOptions{}, map[string]string{"name": "Grace Hopper"})
	require.ErrorIs(t, err, boom)

	head, err := f.store.Head(ctx, f.db, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.Sequence)

	rec, err := f.service.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "Grace", rec.Field("name"))

	history, err := f.service.History(ctx, ref, false)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_StateAsOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	ref := es.NewRef(crm.Company, uuid.New())

	_, err := f.service.Create(ctx, ref, crm.WriteOptions{OccurredAt: t0}, crm.Created{Fields: map[string]string{"name": "Initech"}})
	require.NoError(t, err)
	_, err = f.service.Update(ctx, ref, crm.WriteOptions{OccurredAt: t0.Add(time.Hour)}, map[string]string{"stage": "prospect"})
	require.NoError(t, err)
	_, err = f.service.Update(ctx, ref, crm.WriteOptions{OccurredAt: t0.Add(2 * time.Hour)}, map[string]string{"stage": "customer"})
	require.NoError(t, err)

	_, err = f.service.StateAsOf(ctx, ref, t0.Add(-time.Minute))
	assert.Error(t, err)

	rec, err := f.service.StateAsOf(ctx, ref, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "prospect", rec.Field("stage"))
	assert.Equal(t, int64(2), rec.Sequence)

	rec, err = f.service.StateAsOf(ctx, ref, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "customer", rec.Field("stage"))

	current, err := f.service.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, current.Fields, rec.Fields)
	assert.Equal(t, current.Sequence, rec.Sequence)
	assert.True(t, current.CreatedAt.Equal(t0))
}

func TestService_VerifyAndRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, time.Time{}, crm.Created{Fields: map[string]string{"name": "A"}})
	b := f.create(t, time.Time{}, crm.Created{Fields: map[string]string{"name": "B"}})
	f.update(t, b, map[string]string{"stage": "lead"})

	d, err := f.service.Verify(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, d)

	// Corrupt the row of b behind the service's back.
	view, err := f.store.LoadView(ctx, f.db, b)
	require.NoError(t, err)
	view.State = []byte(`{"status":"active"}`)
	require.NoError(t, f.store.SaveView(ctx, f.db, &view))

	d, err = f.service.Verify(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, b, d.Ref)
	assert.False(t, d.MissingView)

	report, err := f.service.VerifyAll(ctx, crm.Contact, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Len(t, report.Diverged, 1)
	assert.Zero(t, report.Repaired)

	report, err = f.service.VerifyAll(ctx, crm.Contact, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	rec, err := f.service.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "lead", rec.Field("stage"))

	d, err = f.service.Verify(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, d)

	rebuilt, err := f.service.Rebuild(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "A", rebuilt.Field("name"))

	_, err = f.service.Rebuild(ctx, es.NewRef(crm.Contact, uuid.New()))
	assert.Error(t, err)
}

func TestService_Erase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{
		Fields:      map[string]string{"name": "Data Subject"},
		Identifiers: []crm.Identifier{{Kind: "email", Value: "subject@example.com"}},
	})
	f.update(t, ref, map[string]string{"phone": "555-0100"})

	_, err := f.service.Erase(ctx, ref, crm.Actor(uuid.New()), "")
	assert.Error(t, err)

	erasure, err := f.service.Erase(ctx, ref, crm.Actor(uuid.New()), "gdpr request")
	require.NoError(t, err)
	assert.Equal(t, int64(2), erasure.EventsDeleted)
	assert.Equal(t, ref, erasure.Ref)

	_, err = f.service.Get(ctx, ref)
	assert.ErrorIs(t, err, es.ErrNotFound)

	_, err = f.service.History(ctx, ref, false)
	assert.ErrorIs(t, err, es.ErrNotFound)

	found, err := f.service.FindByIdentifier(ctx, crm.Contact, "email", "subject@example.com")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = f.service.Erase(ctx, ref, uuid.NullUUID{}, "again")
	assert.ErrorIs(t, err, es.ErrNotFound)
}

func TestService_AutoMergeThreshold(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 0.95, f.service.AutoMergeThreshold())

	f.service.SetAutoMergeThreshold(0.8)
	assert.Equal(t, 0.8, f.service.AutoMergeThreshold())

	f.service.SetAutoMergeThreshold(0)
	assert.Greater(t, f.service.AutoMergeThreshold(), 1.0)
}

func TestService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, time.Time{}, crm.Created{Fields: map[string]string{"n": fmt.Sprint(i)}})
	}

	page, err := f.service.List(ctx, crm.Contact, crm.ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)

	rest, err := f.service.List(ctx, crm.Contact, crm.ListOptions{After: page[2].Ref.ID, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	var zero store.View
	assert.False(t, zero.Listable())
}

func TestService_UnknownEventKeepsSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.create(t, time.Time{}, crm.Created{Fields: map[string]string{"name": "Ada"}})

	// A newer writer appended a type this version has no handler for.
	require.NoError(t, es.InTx(ctx, f.db, nil, func(tx *sql.Tx) error {
		_, err := f.store.Append(ctx, tx, es.Exact(1), []es.Event{{
			EntityType:   ref.Type,
			EntityID:     ref.ID,
			EventID:      uuid.New(),
			EventType:    "LoyaltyTierChanged",
			EventVersion: 1,
			Payload:      []byte(`{"tier":"gold"}`),
		}})
		return err
	}))

	rebuilt, err := f.service.Rebuild(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rebuilt.Sequence)
	assert.Equal(t, "Ada", rebuilt.Field("name"))

	d, err := f.service.Verify(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, d)

	rec := f.update(t, ref, map[string]string{"stage": "lead"})
	assert.Equal(t, int64(3), rec.Sequence)

	d, err = f.service.Verify(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, d)
}
