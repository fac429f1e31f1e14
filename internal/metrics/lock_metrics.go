package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexLockWaitDuration measures time waiting for the index lock
	IndexLockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_index_lock_wait_duration_seconds",
			Help:    "Time spent waiting for the index reader/writer lock",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.05},
		},
		[]string{"type"}, // "read" or "write"
	)

	// LockRecoveriesTotal counts lock acquisitions that repaired a poisoned index
	LockRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_lock_recoveries_total",
			Help: "Total index repairs after a panicking writer",
		},
	)

	// PanicsRecoveredTotal counts panics caught inside index operations
	PanicsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_panics_recovered_total",
			Help: "Panics recovered inside index operations",
		},
		[]string{"op"},
	)
)
