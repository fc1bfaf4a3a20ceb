package snapshot

import (
	"context"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/projection"
)

// Projection feeds a Scheduler from the global log, so entities written by other
// processes are snapshotted too. Dropped notifications are not retried; the next
// event of the entity notifies again.
type Projection struct {
	scheduler   *Scheduler
	name        string
	entityTypes []string
}

var _ projection.ScopedProjection = (*Projection)(nil)

// NewProjection creates a projection named name that notifies s for events of
// entityTypes (all types when empty).
func NewProjection(s *Scheduler, name string, entityTypes ...string) *Projection {
	return &Projection{scheduler: s, name: name, entityTypes: entityTypes}
}

// Name implements projection.Projection.
func (p *Projection) Name() string { return p.name }

// EntityTypes implements projection.ScopedProjection.
func (p *Projection) EntityTypes() []string { return p.entityTypes }

// Handle implements projection.Projection.
func (p *Projection) Handle(_ context.Context, event es.PersistedEvent) error {
	p.scheduler.Notify(event.Ref())
	return nil
}
