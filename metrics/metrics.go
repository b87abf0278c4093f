package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// DetectorPassFailures counts detector passes skipped because the
	// detector was unreachable or returned an error.
	DetectorPassFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "detector_pass_failures_total",
		Help:      "Total number of detector passes skipped due to detector errors.",
	})

	// DetectionsDiscarded counts raw detections dropped before
	// consolidation output, labeled by reason.
	DetectionsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "detections_discarded_total",
		Help:      "Total number of raw detections discarded, labeled by reason (degenerate, duplicate, unknown_product).",
	}, []string{"reason"})

	// SightingsCreated counts consolidated sightings persisted.
	SightingsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "sightings_created_total",
		Help:      "Total number of consolidated sightings persisted.",
	})

	// IncidentsCreated counts incidents created, labeled by type.
	IncidentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "incidents_created_total",
		Help:      "Total number of incidents created, labeled by incident type.",
	}, []string{"type"})

	// DuplicateIncidentsAbsorbed counts create-if-absent calls that found
	// an existing incident for the sighting.
	DuplicateIncidentsAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "duplicate_incidents_absorbed_total",
		Help:      "Total number of duplicate incident creations absorbed by the idempotent store.",
	})

	// AlertsDelivered counts alert delivery outcomes, labeled by result.
	AlertsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "alerts_delivered_total",
		Help:      "Total number of alert delivery attempts that reached a terminal state, labeled by result (sent, failed).",
	}, []string{"result"})

	// ReconcileDuration measures wall time per sighting reconciliation.
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "reconcile_duration_seconds",
		Help:      "Time to reconcile a single sighting against the sales ledger.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	// SweepBacklog is the number of un-reconciled sightings seen at the
	// start of the last sweep.
	SweepBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lossprevention",
		Subsystem: "pipeline",
		Name:      "sweep_backlog",
		Help:      "Number of un-reconciled sightings at the start of the last sweep.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DetectorPassFailures,
			DetectionsDiscarded,
			SightingsCreated,
			IncidentsCreated,
			DuplicateIncidentsAbsorbed,
			AlertsDelivered,
			ReconcileDuration,
			SweepBacklog,
		)
	})
}
