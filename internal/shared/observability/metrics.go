package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Tracer is used for spans around project builds and history persistence.
var Tracer = otel.Tracer("macroscope")

// Metrics definitions
var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroscope_events_total",
		Help: "Total number of directive and use events delivered to trackers.",
	}, []string{"type"})

	VersionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macroscope_versions_created_total",
		Help: "Total number of macro versions created by #define.",
	})

	ReferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroscope_references_total",
		Help: "Total number of uses attributed to an open macro version.",
	}, []string{"use"})

	AbsorbedUsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroscope_absorbed_uses_total",
		Help: "Total number of uses of names with no open version.",
	}, []string{"use"})

	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macroscope_rejected_total",
		Help: "Total number of events or queries rejected, by error code.",
	}, []string{"code"})

	UnitsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macroscope_units_finalized_total",
		Help: "Total number of translation units that reached end of unit.",
	})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "macroscope_merge_seconds",
		Help:    "Time spent merging finalized unit histories.",
		Buckets: prometheus.DefBuckets,
	})

	HistoryWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macroscope_history_seconds",
		Help:    "Time spent on history store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
