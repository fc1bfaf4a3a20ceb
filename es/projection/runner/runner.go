// Package runner runs several projections side by side and scales one projection
// across hash partitions. It is explicit and deterministic: it never schedules
// work on its own, so it can be driven from a CLI or embedded in a service.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/projection"
	"github.com/getpup/livingrecord/es/store"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// ProjectionRunner pairs a projection with its processor.
type ProjectionRunner struct {
	Projection projection.Projection
	Processor  projection.ProcessorRunner
}

// Runner orchestrates multiple projections concurrently.
//
// Example:
//
//	s := sqlite.NewStore(sqlstore.DefaultStoreConfig())
//	relayProc := projection.NewProcessor(db, s, s, &config)
//
//	err := runner.New().Run(ctx, []runner.ProjectionRunner{
//	    {Projection: relay.NewProjection(queue, nil), Processor: relayProc},
//	})
type Runner struct{}

// New creates a new projection runner.
func New() *Runner {
	return &Runner{}
}

// Run runs the projections concurrently until the context is canceled or one of
// them fails. A failure cancels the others and is returned (fail-fast).
// Coordination between processes happens through checkpoints, so several
// processes may run the same set.
func (r *Runner) Run(ctx context.Context, runners []ProjectionRunner) error {
	if len(runners) == 0 {
		return ErrNoProjections
	}

	for i, pr := range runners {
		if pr.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if pr.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(runners))

	for _, pr := range runners {
		wg.Add(1)
		go func(pr ProjectionRunner) {
			defer wg.Done()

			err := pr.Processor.Run(ctx, pr.Projection)
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
			}
		}(pr)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			cancel()
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	}
}

// Partitioned builds one runner per hash partition of proj. Each partition has
// its own processor; checkpoints are shared per projection name, so partitioned
// projections should wrap proj with a distinct Name per partition.
func Partitioned(db es.TxBeginner, events store.EventReader, checkpoints store.CheckpointStore,
	proj func(partition int) projection.Projection, totalPartitions int, base projection.ProcessorConfig) ([]ProjectionRunner, error) {
	if totalPartitions < 1 {
		return nil, fmt.Errorf("%w: total partitions must be positive, got %d", ErrInvalidPartitionConfig, totalPartitions)
	}

	runners := make([]ProjectionRunner, 0, totalPartitions)
	for i := 0; i < totalPartitions; i++ {
		config := base
		config.PartitionKey = i
		config.TotalPartitions = totalPartitions
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPartitionConfig, err)
		}
		runners = append(runners, ProjectionRunner{
			Projection: proj(i),
			Processor:  projection.NewProcessor(db, events, checkpoints, &config),
		})
	}
	return runners, nil
}
