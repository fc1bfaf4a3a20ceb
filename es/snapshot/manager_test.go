package snapshot_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/adapters/sqlite"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/handler"
	"github.com/getpup/livingrecord/es/migrations"
	"github.com/getpup/livingrecord/es/replay"
	"github.com/getpup/livingrecord/es/snapshot"
)

type counter struct {
	Count int `json:"count"`
	Last  int `json:"last"`
}

func newFixture(t *testing.T) (*sql.DB, *sqlstore.Store, *replay.Reconstructor[counter]) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	config := migrations.DefaultConfig()
	if err := migrations.Apply(context.Background(), db, migrations.SQLite, &config); err != nil {
		t.Fatalf("Failed to apply migration: %v", err)
	}

	s := sqlite.NewStore(sqlstore.DefaultStoreConfig())
	registry := handler.NewRegistry[counter]()
	registry.Register("Ticked", func(prior counter, e *es.PersistedEvent) (counter, error) {
		n, err := strconv.Atoi(string(e.Payload))
		if err != nil {
			return prior, err
		}
		return counter{Count: prior.Count + 1, Last: n}, nil
	})

	return db, s, replay.New[counter](s, registry, replay.Config[counter]{Snapshots: s})
}

func tick(t *testing.T, db *sql.DB, s *sqlstore.Store, ref es.EntityRef, from, n int) {
	t.Helper()
	events := make([]es.Event, n)
	for i := range events {
		events[i] = es.Event{
			EntityType: ref.Type,
			EntityID:   ref.ID,
			EventType:  "Ticked",
			Payload:    []byte(strconv.Itoa(from + i)),
		}
	}
	err := es.InTx(context.Background(), db, nil, func(tx *sql.Tx) error {
		_, err := s.Append(context.Background(), tx, es.Any(), events)
		return err
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestMaybeSnapshot_RespectsThreshold(t *testing.T) {
	db, s, r := newFixture(t)
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	m := snapshot.NewManager[counter](s, s, r, nil, snapshot.Config{Threshold: 10, Retain: 2})

	tick(t, db, s, ref, 1, 10)
	took, err := m.MaybeSnapshot(ctx, db, ref)
	if err != nil {
		t.Fatalf("MaybeSnapshot failed: %v", err)
	}
	if took {
		t.Error("Expected no snapshot at exactly the threshold")
	}

	tick(t, db, s, ref, 11, 1)
	took, err = m.MaybeSnapshot(ctx, db, ref)
	if err != nil {
		t.Fatalf("MaybeSnapshot failed: %v", err)
	}
	if !took {
		t.Fatal("Expected a snapshot once the threshold is exceeded")
	}

	snap, err := s.LatestSnapshot(ctx, db, ref, time.Time{})
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if snap.AsOfSequence != 11 {
		t.Errorf("Expected snapshot at 11, got %d", snap.AsOfSequence)
	}

	// A second check right away is a no-op
	took, _ = m.MaybeSnapshot(ctx, db, ref)
	if took {
		t.Error("Expected no snapshot without new events")
	}
}

func TestMaybeSnapshot_PrunesToRetain(t *testing.T) {
	db, s, r := newFixture(t)
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	m := snapshot.NewManager[counter](s, s, r, nil, snapshot.Config{Threshold: 2, Retain: 2})

	for i := 0; i < 4; i++ {
		tick(t, db, s, ref, i*3+1, 3)
		if _, err := m.MaybeSnapshot(ctx, db, ref); err != nil {
			t.Fatalf("MaybeSnapshot failed: %v", err)
		}
	}

	if _, err := s.LatestSnapshotAtOrBefore(ctx, db, ref, 6); !errors.Is(err, es.ErrNotFound) {
		t.Errorf("Expected old snapshots to be pruned, got %v", err)
	}
	snap, err := s.LatestSnapshotAtOrBefore(ctx, db, ref, 9)
	if err != nil || snap.AsOfSequence != 9 {
		t.Errorf("Expected retained snapshot at 9, got %d (%v)", snap.AsOfSequence, err)
	}
}

func TestSnapshotsAreTransparent(t *testing.T) {
	db, s, r := newFixture(t)
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	m := snapshot.NewManager[counter](s, s, r, nil, snapshot.Config{Threshold: 3, Retain: 10})

	for i := 0; i < 5; i++ {
		tick(t, db, s, ref, i*4+1, 4)
		if _, err := m.MaybeSnapshot(ctx, db, ref); err != nil {
			t.Fatalf("MaybeSnapshot failed: %v", err)
		}
	}

	withSnapshots, err := r.StateAsOf(ctx, db, ref, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StateAsOf failed: %v", err)
	}
	if withSnapshots.SnapshotSequence == 0 {
		t.Fatal("Expected reconstruction to start from a snapshot")
	}

	if _, err := s.DeleteSnapshots(ctx, db, ref); err != nil {
		t.Fatalf("DeleteSnapshots failed: %v", err)
	}
	withoutSnapshots, err := r.StateAsOf(ctx, db, ref, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StateAsOf failed: %v", err)
	}

	if withSnapshots.State != withoutSnapshots.State {
		t.Errorf("Expected identical state, got %+v and %+v", withSnapshots.State, withoutSnapshots.State)
	}
	if withoutSnapshots.State.Count != 20 || withoutSnapshots.State.Last != 20 {
		t.Errorf("Unexpected state %+v", withoutSnapshots.State)
	}
}

func TestSnapshot_MissingEntity(t *testing.T) {
	db, s, r := newFixture(t)
	m := snapshot.NewManager[counter](s, s, r, nil, snapshot.DefaultConfig())

	_, err := m.Snapshot(context.Background(), db, es.NewRef("contact", uuid.New()))
	if !errors.Is(err, es.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetThreshold(t *testing.T) {
	_, s, r := newFixture(t)
	m := snapshot.NewManager[counter](s, s, r, nil, snapshot.Config{})

	if m.Threshold() != 50 {
		t.Errorf("Expected default threshold 50, got %d", m.Threshold())
	}
	m.SetThreshold(5)
	if m.Threshold() != 5 {
		t.Errorf("Expected threshold 5, got %d", m.Threshold())
	}
}

// erasingCodec erases the entity between reconstruction and the snapshot write.
type erasingCodec struct {
	replay.JSONCodec[counter]
	erase func()
}

func (c erasingCodec) Encode(state counter) ([]byte, error) {
	c.erase()
	return c.JSONCodec.Encode(state)
}

func TestSnapshot_DroppedWhenEntityErasedMeanwhile(t *testing.T) {
	db, s, r := newFixture(t)
	ctx := context.Background()
	ref := es.NewRef("contact", uuid.New())
	tick(t, db, s, ref, 1, 4)

	codec := erasingCodec{erase: func() {
		err := es.InTx(ctx, db, nil, func(tx *sql.Tx) error {
			_, _, err := s.EraseEntity(ctx, tx, ref)
			return err
		})
		if err != nil {
			t.Errorf("EraseEntity failed: %v", err)
		}
	}}
	m := snapshot.NewManager[counter](s, s, r, codec, snapshot.DefaultConfig())

	_, err := m.Snapshot(ctx, db, ref)
	if !errors.Is(err, es.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.LatestSnapshot(ctx, db, ref, time.Time{}); !errors.Is(err, es.ErrNotFound) {
		t.Errorf("Expected no snapshot of erased data, got %v", err)
	}
	head, err := s.Head(ctx, db, ref)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.Sequence != 0 {
		t.Errorf("Expected empty head after erasure, got %d", head.Sequence)
	}
}
