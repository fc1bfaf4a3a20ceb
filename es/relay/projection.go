package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
	"github.com/getpup/livingrecord/es/projection"
)

// DefaultEventTypes are the lifecycle events the graph mirror subscribes to.
var DefaultEventTypes = []string{"Created", "Updated", "Merged", "Split", "Deleted", "Restored"}

// Config configures the relay projection.
type Config struct {
	// Logger is optional. Nil disables logging.
	Logger es.Logger

	// Name is the checkpoint name of the projection.
	Name string

	// EntityTypes limits the relay to some entity types. Empty means all.
	EntityTypes []string

	// EventTypes lists the forwarded event types. Empty means all.
	EventTypes []string

	// RetryAttempts bounds publish attempts per event.
	RetryAttempts int

	// RetryInitialDelay is the first backoff delay.
	RetryInitialDelay time.Duration

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:              "graph_relay",
		EventTypes:        DefaultEventTypes,
		RetryAttempts:     5,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
	}
}

// Projection forwards selected events to a Queue.
type Projection struct {
	queue      Queue
	retrier    retry.Retry[struct{}]
	eventTypes map[string]bool
	config     Config
}

var _ projection.ScopedProjection = (*Projection)(nil)

// NewProjection creates a relay projection publishing to queue.
func NewProjection(queue Queue, config *Config) *Projection {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	p := &Projection{queue: queue, config: cfg}
	if len(cfg.EventTypes) > 0 {
		p.eventTypes = make(map[string]bool, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			p.eventTypes[t] = true
		}
	}

	p.retrier = retry.New[struct{}](retry.Config{
		MaxAttempts:   cfg.RetryAttempts,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		Jitter:        true,
		IsRetryable:   isRetryable,
	})
	return p
}

// Name implements projection.Projection.
func (p *Projection) Name() string {
	return p.config.Name
}

// EntityTypes implements projection.ScopedProjection.
func (p *Projection) EntityTypes() []string {
	return p.config.EntityTypes
}

// Handle publishes the event if its type is forwarded. Publish failures are
// retried with backoff; a persistent failure stops the processor before the
// checkpoint moves, so the event is redelivered later.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (p *Projection) Handle(ctx context.Context, event es.PersistedEvent) error {
	if p.eventTypes != nil && !p.eventTypes[event.EventType] {
		return nil
	}

	msg := NewMessage(event)
	_, err := p.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.queue.Publish(ctx, msg)
	})
	if err != nil {
		if p.config.Logger != nil {
			p.config.Logger.Error(ctx, "relay publish failed",
				"event_id", event.EventID,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
				"event_type", event.EventType,
				"error", err)
		}
		return fmt.Errorf("publish event %s: %w", event.EventID, err)
	}

	metrics.RelayPublished.WithLabelValues(event.EventType).Inc()
	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "event relayed",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"position", event.GlobalPosition)
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
