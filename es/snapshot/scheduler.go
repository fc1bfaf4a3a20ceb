package snapshot

import (
	"context"
	"sync"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/metrics"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Logger is optional
	Logger es.Logger

	// Workers is the number of concurrent snapshot jobs (default 2)
	Workers int

	// QueueSize bounds pending notifications (default 256)
	QueueSize int
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:   2,
		QueueSize: 256,
	}
}

// Scheduler runs snapshot checks in the background, decoupled from the write path.
// Notifications never block: when the queue is full they are dropped, since the
// next write to the entity notifies again.
type Scheduler struct {
	pool    *workerPool[es.EntityRef]
	logger  es.Logger
	mu      sync.Mutex
	pending map[es.EntityRef]struct{}
	closed  bool
}

// NewScheduler starts workers calling check for every notified entity until ctx is done or Close is called.
func NewScheduler(ctx context.Context, check func(ctx context.Context, ref es.EntityRef) error, config SchedulerConfig) *Scheduler {
	d := DefaultSchedulerConfig()
	if config.Workers < 1 {
		config.Workers = d.Workers
	}
	if config.QueueSize < 1 {
		config.QueueSize = d.QueueSize
	}

	s := &Scheduler{
		logger:  config.Logger,
		pending: make(map[es.EntityRef]struct{}),
	}
	s.pool = newWorkerPool(ctx, config.Workers, config.QueueSize, func(ctx context.Context, ref es.EntityRef) {
		s.done(ref)
		if err := check(ctx, ref); err != nil && s.logger != nil {
			s.logger.Error(ctx, "snapshot check failed",
				"entity", ref.String(),
				"error", err)
		}
	})
	return s
}

// Notify queues a snapshot check for ref. It returns false if the notification was dropped.
func (s *Scheduler) Notify(ref es.EntityRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.pending[ref]; ok {
		return true
	}
	if !s.pool.Submit(ref) {
		metrics.SnapshotQueueDropped.Inc()
		return false
	}
	s.pending[ref] = struct{}{}
	return true
}

// Pending returns the number of queued checks.
func (s *Scheduler) Pending() int {
	return s.pool.QueueLen()
}

// Close stops accepting work and waits for queued checks to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pool.Drain()
}

func (s *Scheduler) done(ref es.EntityRef) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}
