// Package handler provides the event handler registry: one pure fold function per
// event type. The same registry serves the live write path and offline replay,
// which is what keeps materialized rows equal to a replay of their history.
package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
)

// Func folds one event into the prior state.
// It must be deterministic and free of I/O, and must not mutate prior.
type Func[S any] func(prior S, event *es.PersistedEvent) (S, error)

// Registry maps event types to fold functions.
// Registration happens at construction; a built registry is safe for concurrent use.
type Registry[S any] struct {
	handlers map[string]Func[S]
	unknown  Func[S]
	logger   es.Logger
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger es.Logger
}

// WithLogger sets the logger used to warn about unknown event types.
func WithLogger(logger es.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry[S any](opts ...Option) *Registry[S] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[S]{
		handlers: make(map[string]Func[S]),
		logger:   o.logger,
	}
}

// Register binds fn to eventType. Registering a type twice panics.
func (r *Registry[S]) Register(eventType string, fn Func[S]) {
	if fn == nil {
		panic(fmt.Sprintf("handler: nil handler for %q", eventType))
	}
	if _, dup := r.handlers[eventType]; dup {
		panic(fmt.Sprintf("handler: %q registered twice", eventType))
	}
	r.handlers[eventType] = fn
}

// HandleUnknown sets the fold applied to event types without a handler, for
// bookkeeping such as tracking the folded sequence. It must ignore the payload.
// Unknown types are still counted and reported.
func (r *Registry[S]) HandleUnknown(fn Func[S]) {
	r.unknown = fn
}

// Knows reports whether eventType has a handler.
func (r *Registry[S]) Knows(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// EventTypes returns the registered event types in sorted order.
func (r *Registry[S]) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Apply folds a single event. Unknown event types leave the state unchanged and
// are reported as a warning, so old snapshots replay under newer catalogs.
func (r *Registry[S]) Apply(ctx context.Context, state S, event *es.PersistedEvent) (S, error) {
	fn, ok := r.handlers[event.EventType]
	if !ok {
		metrics.UnknownEventTypes.WithLabelValues(event.EventType).Inc()
		if r.logger != nil {
			r.logger.Warn(ctx, "unknown event type folded as no-op",
				"entity", event.Ref().String(),
				"sequence", event.Sequence,
				"event_type", event.EventType)
		}
		if r.unknown == nil {
			return state, nil
		}
		next, err := r.unknown(state, event)
		if err != nil {
			return state, fmt.Errorf("skip %s at sequence %d: %w", event.EventType, event.Sequence, err)
		}
		return next, nil
	}

	next, err := fn(state, event)
	if err != nil {
		return state, fmt.Errorf("apply %s at sequence %d: %w", event.EventType, event.Sequence, err)
	}
	return next, nil
}

// Fold applies events in order, starting from state.
func (r *Registry[S]) Fold(ctx context.Context, state S, events []es.PersistedEvent) (S, error) {
	for i := range events {
		next, err := r.Apply(ctx, state, &events[i])
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}
