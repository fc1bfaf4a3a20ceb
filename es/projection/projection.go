// Package projection provides asynchronous, checkpointed event consumers.
//
// Consumers read the global log in append order and may lag it. Delivery is
// at-least-once: a handler can see an event again after a crash between
// handling and the checkpoint commit, so handlers must be idempotent.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/store"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	ErrProjectionStopped = errors.New("projection stopped")

	errNoEvents = errors.New("no events in batch")
)

// Projection defines the interface for event projection handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	// This name is used for checkpoint tracking.
	Name() string

	// Handle processes a single event.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, event es.PersistedEvent) error
}

// ScopedProjection is a Projection that only receives events of some entity types.
// An empty EntityTypes list means all types.
type ScopedProjection interface {
	Projection
	EntityTypes() []string
}

// ProcessorRunner runs a projection until the context is canceled or it fails.
type ProcessorRunner interface {
	Run(ctx context.Context, proj Projection) error
}

// PartitionStrategy defines how events are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process the given event.
	// entityID is the id of the event's entity.
	// partitionKey identifies this projection instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(entityID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// All events of one entity go to the same partition, so per-entity order is
// preserved while partitions scale out.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(entityID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(entityID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// PartitionStrategy determines which events this processor handles
	PartitionStrategy PartitionStrategy

	// Logger is optional. Nil disables logging.
	Logger es.Logger

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PollInterval is how long to wait after an empty batch
	PollInterval time.Duration

	// GapWindow bounds how long a hole in global positions holds the batch back.
	// Positions are taken at insert but become visible at commit, so a hole may be
	// a write that has not committed yet. Holes whose next event was recorded more
	// than GapWindow ago are treated as rolled back or erased. It must exceed the
	// longest write transaction. Zero disables the check.
	GapWindow time.Duration
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
		PollInterval:      100 * time.Millisecond,
		GapWindow:         5 * time.Second,
	}
}

// Validate checks the partition settings.
func (c *ProcessorConfig) Validate() error {
	if c.TotalPartitions < 1 {
		return fmt.Errorf("total partitions must be positive, got %d", c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("partition key %d out of range [0, %d)", c.PartitionKey, c.TotalPartitions)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Processor processes events for projections. Each batch runs in one transaction
// that reads the checkpoint, reads events and advances the checkpoint.
type Processor struct {
	db          es.TxBeginner
	events      store.EventReader
	checkpoints store.CheckpointStore
	config      ProcessorConfig
}

var _ ProcessorRunner = (*Processor)(nil)

// NewProcessor creates a new projection processor.
func NewProcessor(db es.TxBeginner, events store.EventReader, checkpoints store.CheckpointStore, config *ProcessorConfig) *Processor {
	cfg := DefaultProcessorConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.PartitionStrategy == nil {
		cfg.PartitionStrategy = HashPartitionStrategy{}
	}
	return &Processor{
		db:          db,
		events:      events,
		checkpoints: checkpoints,
		config:      cfg,
	}
}

// Config returns the processor configuration.
func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Run processes events for the given projection until the context is canceled.
// Returns an error wrapping ErrProjectionStopped if the projection handler fails.
func (p *Processor) Run(ctx context.Context, proj Projection) error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "projection processor starting",
			"projection", proj.Name(),
			"partition_key", p.config.PartitionKey,
			"total_partitions", p.config.TotalPartitions,
			"batch_size", p.config.BatchSize)
	}

	filter := buildEntityTypeFilter(proj)

	for {
		select {
		case <-ctx.Done():
			if p.config.Logger != nil {
				p.config.Logger.Info(ctx, "projection processor stopped",
					"projection", proj.Name(),
					"reason", ctx.Err())
			}
			return ctx.Err()
		default:
		}

		_, err := p.processBatch(ctx, proj, filter)
		if err == nil {
			continue
		}
		if errors.Is(err, errNoEvents) {
			if p.config.PollInterval > 0 {
				timer := time.NewTimer(p.config.PollInterval)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.config.Logger != nil {
			p.config.Logger.Error(ctx, "projection processor error",
				"projection", proj.Name(),
				"error", err)
		}
		return fmt.Errorf("%w: %w", ErrProjectionStopped, err)
	}
}

// CatchUp processes batches until the log is exhausted and returns the number of
// events handled. It does not wait for new events.
func (p *Processor) CatchUp(ctx context.Context, proj Projection) (int, error) {
	if err := p.config.Validate(); err != nil {
		return 0, err
	}

	filter := buildEntityTypeFilter(proj)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.processBatch(ctx, proj, filter)
		if errors.Is(err, errNoEvents) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("%w: %w", ErrProjectionStopped, err)
		}
		total += n
	}
}

// buildEntityTypeFilter builds a filter map for scoped projections.
// Returns nil if the projection is not scoped or has an empty entity types list.
func buildEntityTypeFilter(proj Projection) map[string]bool {
	scoped, ok := proj.(ScopedProjection)
	if !ok {
		return nil
	}

	types := scoped.EntityTypes()
	if len(types) == 0 {
		return nil
	}

	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return filter
}

//nolint:gocritic // hugeParam: Intentionally pass by value to match event processing pattern
func (p *Processor) shouldProcessEvent(event es.PersistedEvent, filter map[string]bool) bool {
	if !p.config.PartitionStrategy.ShouldProcess(
		event.EntityID.String(),
		p.config.PartitionKey,
		p.config.TotalPartitions,
	) {
		return false
	}

	if filter != nil && !filter[event.EntityType] {
		return false
	}

	return true
}

// visiblePrefix cuts events at the first recent hole after checkpoint, so the
// checkpoint never moves past a write that may still commit.
func (p *Processor) visiblePrefix(checkpoint int64, events []es.PersistedEvent) []es.PersistedEvent {
	if p.config.GapWindow <= 0 {
		return events
	}
	next := checkpoint + 1
	for i := range events {
		if events[i].GlobalPosition != next && time.Since(events[i].RecordedAt) < p.config.GapWindow {
			return events[:i]
		}
		next = events[i].GlobalPosition + 1
	}
	return events
}

func (p *Processor) processBatch(ctx context.Context, proj Projection, filter map[string]bool) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error ignored: expected to fail if commit succeeds
		tx.Rollback()
	}()

	checkpoint, err := p.checkpoints.GetCheckpoint(ctx, tx, proj.Name())
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "processing batch",
			"projection", proj.Name(),
			"checkpoint", checkpoint,
			"batch_size", p.config.BatchSize)
	}

	events, err := p.events.ReadEvents(ctx, tx, checkpoint, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	events = p.visiblePrefix(checkpoint, events)
	if len(events) == 0 {
		return 0, errNoEvents
	}

	var lastPosition int64
	var processed, skipped int
	for i := range events {
		event := events[i]

		if !p.shouldProcessEvent(event, filter) {
			lastPosition = event.GlobalPosition
			skipped++
			continue
		}

		if err := proj.Handle(ctx, event); err != nil {
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection handler error",
					"projection", proj.Name(),
					"position", event.GlobalPosition,
					"entity_type", event.EntityType,
					"entity_id", event.EntityID,
					"event_type", event.EventType,
					"error", err)
			}
			return processed, fmt.Errorf("projection handler error at position %d: %w", event.GlobalPosition, err)
		}

		lastPosition = event.GlobalPosition
		processed++
	}

	if err := p.checkpoints.UpdateCheckpoint(ctx, tx, proj.Name(), lastPosition); err != nil {
		return processed, fmt.Errorf("failed to update checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return processed, err
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "batch processed",
			"projection", proj.Name(),
			"processed", processed,
			"skipped", skipped,
			"checkpoint", lastPosition)
	}

	return processed, nil
}
