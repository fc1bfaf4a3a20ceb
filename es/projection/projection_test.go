package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
)

// mockGlobalProjection is a projection that receives all events
type mockGlobalProjection struct {
	failAt         int64
	name           string
	receivedEvents []es.PersistedEvent
}

func (p *mockGlobalProjection) Name() string {
	return p.name
}

//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (p *mockGlobalProjection) Handle(_ context.Context, event es.PersistedEvent) error {
	if p.failAt > 0 && event.GlobalPosition == p.failAt {
		return errors.New("mock projection error")
	}
	p.receivedEvents = append(p.receivedEvents, event)
	return nil
}

// mockScopedProjection is a projection that only receives specific entity types
type mockScopedProjection struct {
	name           string
	entityTypes    []string
	receivedEvents []es.PersistedEvent
}

func (p *mockScopedProjection) Name() string {
	return p.name
}

func (p *mockScopedProjection) EntityTypes() []string {
	return p.entityTypes
}

//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (p *mockScopedProjection) Handle(_ context.Context, event es.PersistedEvent) error {
	p.receivedEvents = append(p.receivedEvents, event)
	return nil
}

func TestScopedProjection_Interface(_ *testing.T) {
	// Test that mockScopedProjection implements both interfaces
	var _ Projection = &mockScopedProjection{}
	var _ ScopedProjection = &mockScopedProjection{}

	// Test that mockGlobalProjection implements only Projection
	var _ Projection = &mockGlobalProjection{}
}

func TestScopedProjection_TypeAssertion(t *testing.T) {
	globalProj := &mockGlobalProjection{name: "global"}
	scopedProj := &mockScopedProjection{name: "scoped", entityTypes: []string{"contact"}}

	if _, ok := Projection(globalProj).(ScopedProjection); ok {
		t.Error("Global projection should not implement ScopedProjection")
	}

	if _, ok := Projection(scopedProj).(ScopedProjection); !ok {
		t.Error("Scoped projection should implement ScopedProjection")
	}
}

func TestBuildEntityTypeFilter(t *testing.T) {
	if f := buildEntityTypeFilter(&mockGlobalProjection{}); f != nil {
		t.Errorf("Expected nil filter for global projection, got %v", f)
	}
	if f := buildEntityTypeFilter(&mockScopedProjection{entityTypes: []string{}}); f != nil {
		t.Errorf("Expected nil filter for empty scope, got %v", f)
	}
	f := buildEntityTypeFilter(&mockScopedProjection{entityTypes: []string{"contact", "company"}})
	if !f["contact"] || !f["company"] || f["deal"] {
		t.Errorf("Unexpected filter %v", f)
	}
}

func TestHashPartitionStrategy_OwnsEachEntityOnce(t *testing.T) {
	strategy := HashPartitionStrategy{}

	for _, total := range []int{1, 2, 4, 7} {
		for i := 0; i < 100; i++ {
			entityID := uuid.New().String()
			owners := 0
			for partition := 0; partition < total; partition++ {
				if strategy.ShouldProcess(entityID, partition, total) {
					owners++
					// Ownership must not change between calls.
					if !strategy.ShouldProcess(entityID, partition, total) {
						t.Fatalf("Entity %s moved away from partition %d", entityID, partition)
					}
				}
			}
			if owners != 1 {
				t.Errorf("Entity %s owned by %d of %d partitions, expected 1", entityID, owners, total)
			}
		}
	}
}

func TestHashPartitionStrategy_Distribution(t *testing.T) {
	strategy := HashPartitionStrategy{}
	total := 4
	iterations := 1000

	counts := make([]int, total)
	for i := 0; i < iterations; i++ {
		entityID := uuid.New().String()
		for partition := 0; partition < total; partition++ {
			if strategy.ShouldProcess(entityID, partition, total) {
				counts[partition]++
			}
		}
	}

	expected := iterations / total
	tolerance := expected / 3
	for partition, count := range counts {
		if count < expected-tolerance || count > expected+tolerance {
			t.Errorf("Partition %d has %d of %d entities (counts %v)", partition, count, iterations, counts)
		}
	}
}

func TestDefaultProcessorConfig(t *testing.T) {
	config := DefaultProcessorConfig()
	if config.BatchSize != 100 {
		t.Errorf("Expected BatchSize 100, got %d", config.BatchSize)
	}
	if config.PollInterval != 100*time.Millisecond {
		t.Errorf("Expected PollInterval 100ms, got %v", config.PollInterval)
	}
	if config.GapWindow != 5*time.Second {
		t.Errorf("Expected GapWindow 5s, got %v", config.GapWindow)
	}
	if config.PartitionStrategy == nil {
		t.Error("Expected a default PartitionStrategy")
	}
}
