package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Index Metrics
// =============================================================================

var (
	// SearchTotal counts search calls by backend and outcome
	SearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_search_total",
			Help: "Total number of search operations",
		},
		[]string{"backend", "status"}, // status: "ok", "error"
	)

	// SearchDurationSeconds measures search latency by backend and mode
	SearchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_search_duration_seconds",
			Help:    "Latency of search operations",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "mode"}, // mode: "single", "batch", "filtered"
	)

	// SearchQueriesTotal counts individual query vectors processed
	SearchQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_search_queries_total",
			Help: "Total number of query vectors processed",
		},
		[]string{"backend"},
	)

	// IndexVectors tracks the number of live vectors per backend
	IndexVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_index_vectors",
			Help: "Number of vectors currently held by an index",
		},
		[]string{"backend"},
	)

	// IndexMutationsTotal counts add/remove/update operations
	IndexMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_index_mutations_total",
			Help: "Total number of vectors added, removed or updated",
		},
		[]string{"backend", "op"},
	)

	// SnapshotTotal counts snapshot saves and loads
	SnapshotTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_snapshot_total",
			Help: "Total number of snapshot operations",
		},
		[]string{"op", "codec", "status"},
	)

	// SnapshotDurationSeconds measures snapshot encode/decode time
	SnapshotDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_snapshot_duration_seconds",
			Help:    "Duration of snapshot save and load",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "codec"},
	)

	// SnapshotSizeBytes records the size of the last written snapshot
	SnapshotSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_snapshot_size_bytes",
			Help: "Size in bytes of the most recent snapshot",
		},
	)

	// PathRejectionsTotal counts paths refused by the validator
	PathRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_path_rejections_total",
			Help: "Total number of persistence paths rejected",
		},
		[]string{"reason"},
	)

	// HealthCheckDuration measures each component health check
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthComponentStatus is 1 healthy, 0.5 degraded, 0 unhealthy
	HealthComponentStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_health_component_status",
			Help: "Current component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)

// =============================================================================
// GC Tuner Metrics
// =============================================================================

var (
	// GCTunerAdjustmentsTotal counts GOGC changes made by the tuner
	GCTunerAdjustmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_gc_tuner_adjustments_total",
			Help: "Total number of GOGC adjustments",
		},
	)

	// GCTunerGOGC is the GOGC value last applied
	GCTunerGOGC = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_gc_tuner_gogc",
			Help: "GOGC value currently applied by the tuner",
		},
	)

	// GCTunerAllocationRate is heap bytes allocated per second
	GCTunerAllocationRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_gc_tuner_allocation_rate_bytes",
			Help: "Heap allocation rate observed by the tuner",
		},
	)

	// GCTunerPressure is the pressure ratio the last decision used
	GCTunerPressure = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_gc_tuner_pressure_ratio",
			Help: "Memory pressure seen by the tuner (0-1)",
		},
		[]string{"source"}, // source: "heap", "pool"
	)
)
