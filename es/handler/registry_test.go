package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/getpup/livingrecord/es"
)

type counter struct {
	total int
	seen  []string
}

type recordingLogger struct {
	es.NoOpLogger
	warnings []string
}

func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...interface{}) {
	l.warnings = append(l.warnings, msg)
}

func newCounterRegistry(logger es.Logger) *Registry[counter] {
	r := NewRegistry[counter](WithLogger(logger))
	r.Register("Incremented", func(prior counter, e *es.PersistedEvent) (counter, error) {
		next := counter{total: prior.total + 1, seen: append(append([]string(nil), prior.seen...), e.EventType)}
		return next, nil
	})
	r.Register("Broken", func(prior counter, _ *es.PersistedEvent) (counter, error) {
		return prior, errors.New("malformed payload")
	})
	return r
}

func events(types ...string) []es.PersistedEvent {
	out := make([]es.PersistedEvent, len(types))
	for i, typ := range types {
		out[i] = es.PersistedEvent{Event: es.Event{EventType: typ, Sequence: int64(i + 1)}}
	}
	return out
}

func TestRegistry_Fold(t *testing.T) {
	r := newCounterRegistry(nil)

	got, err := r.Fold(context.Background(), counter{}, events("Incremented", "Incremented", "Incremented"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.total != 3 {
		t.Errorf("Expected total 3, got %d", got.total)
	}
}

func TestRegistry_UnknownEventTypeIsNoOp(t *testing.T) {
	logger := &recordingLogger{}
	r := newCounterRegistry(logger)

	got, err := r.Fold(context.Background(), counter{}, events("Incremented", "FromTheFuture", "Incremented"))
	if err != nil {
		t.Fatalf("unknown event types must not fail replay: %v", err)
	}
	if got.total != 2 {
		t.Errorf("Expected total 2, got %d", got.total)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("Expected 1 warning, got %d", len(logger.warnings))
	}
}

func TestRegistry_HandleUnknownRunsFallback(t *testing.T) {
	logger := &recordingLogger{}
	r := newCounterRegistry(logger)
	r.HandleUnknown(func(prior counter, e *es.PersistedEvent) (counter, error) {
		seen := append(append([]string(nil), prior.seen...), "skipped:"+e.EventType)
		return counter{total: prior.total, seen: seen}, nil
	})

	got, err := r.Fold(context.Background(), counter{}, events("Incremented", "FromTheFuture"))
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if got.total != 1 {
		t.Errorf("Expected total 1, got %d", got.total)
	}
	if len(got.seen) != 2 || got.seen[1] != "skipped:FromTheFuture" {
		t.Errorf("fallback not applied: %v", got.seen)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("Expected 1 warning, got %d", len(logger.warnings))
	}
}

func TestRegistry_HandlerErrorStopsFold(t *testing.T) {
	r := newCounterRegistry(nil)

	got, err := r.Fold(context.Background(), counter{}, events("Incremented", "Broken", "Incremented"))
	if err == nil {
		t.Fatal("expected error from broken handler")
	}
	if got.total != 1 {
		t.Errorf("Expected state before the failing event (total 1), got %d", got.total)
	}
}

func TestRegistry_ApplyIsRepeatable(t *testing.T) {
	r := newCounterRegistry(nil)
	prior := counter{total: 1, seen: []string{"Incremented"}}
	e := events("Incremented")[0]

	a, _ := r.Apply(context.Background(), prior, &e)
	b, _ := r.Apply(context.Background(), prior, &e)

	if a.total != b.total || len(a.seen) != len(b.seen) {
		t.Errorf("Apply not deterministic: %+v vs %+v", a, b)
	}
	if len(prior.seen) != 1 {
		t.Errorf("prior state was mutated: %+v", prior)
	}
}

func TestRegistry_RegisterTwicePanics(t *testing.T) {
	r := newCounterRegistry(nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register("Incremented", func(prior counter, _ *es.PersistedEvent) (counter, error) { return prior, nil })
}

func TestRegistry_EventTypes(t *testing.T) {
	r := newCounterRegistry(nil)
	got := r.EventTypes()
	if len(got) != 2 || got[0] != "Broken" || got[1] != "Incremented" {
		t.Errorf("unexpected event types %v", got)
	}
	if !r.Knows("Incremented") || r.Knows("Nope") {
		t.Error("Knows reported wrong membership")
	}
}
