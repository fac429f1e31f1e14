package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// GPU Offload Metrics
// =============================================================================

var (
	// GPUKernelLaunchesTotal counts kernel launches by device and precision
	GPUKernelLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_gpu_kernel_launches_total",
			Help: "Total distance kernel launches",
		},
		[]string{"device", "precision", "status"},
	)

	// GPUKernelDurationSeconds measures a full distance-matrix computation
	GPUKernelDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_gpu_distance_matrix_duration_seconds",
			Help:    "Duration of multi-device distance matrix computation",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"precision"},
	)

	// GPUBytesTransferredTotal counts host-to-device bytes
	GPUBytesTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_gpu_bytes_transferred_total",
			Help: "Bytes copied into device buffers",
		},
		[]string{"device"},
	)

	// GPUFallbacksTotal counts batches that fell back to the CPU path
	GPUFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_gpu_fallbacks_total",
			Help: "Batch searches served by the CPU after a GPU failure",
		},
		[]string{"reason"}, // reason: "error", "breaker_open"
	)

	// GPURetriesTotal counts allocation retries after emergency cleanup
	GPURetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_gpu_allocation_retries_total",
			Help: "Distance matrix computations retried after emergency cleanup",
		},
	)

	// GPUBreakerState tracks the offload breaker state (0 closed, 1 half-open, 2 open)
	GPUBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_gpu_breaker_state",
			Help: "State of the GPU offload circuit breaker",
		},
		[]string{"name"},
	)
)
