// Package metrics holds the Prometheus instruments of the event store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_events_appended_total",
		Help: "Total number of events appended, labelled by entity and event type.",
	}, []string{"entity_type", "event_type"})

	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livingrecord_events_deduplicated_total",
		Help: "Total number of appends answered from an existing dedup key.",
	})

	WriteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_write_retries_total",
		Help: "Write transactions retried after a retryable conflict, labelled by operation.",
	}, []string{"operation"})

	UnknownEventTypes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_unknown_event_types_total",
		Help: "Events folded as no-ops because no handler is registered.",
	}, []string{"event_type"})

	ReplayEventsApplied = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livingrecord_replay_events_applied",
		Help:    "Number of events folded per reconstruction.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000},
	})

	ReplayGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livingrecord_replay_gaps_total",
		Help: "Reconstructions refused because history is missing.",
	})

	SnapshotsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_snapshots_taken_total",
		Help: "Snapshots written, labelled by entity type.",
	}, []string{"entity_type"})

	SnapshotQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livingrecord_snapshot_queue_dropped_total",
		Help: "Snapshot requests rejected because the queue was full.",
	})

	MergeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_merge_operations_total",
		Help: "Merge coordinator operations, labelled by operation and outcome.",
	}, []string{"operation", "outcome"})

	ViewDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livingrecord_view_divergences_total",
		Help: "Materialized rows that differed from a replay of their history.",
	})

	Erasures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livingrecord_erasures_total",
		Help: "Compliance erasures performed.",
	})

	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livingrecord_relay_published_total",
		Help: "Events published to the downstream queue, labelled by event type.",
	}, []string{"event_type"})
)
