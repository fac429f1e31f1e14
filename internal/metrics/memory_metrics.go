package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Device Memory Pool Metrics
// =============================================================================

var (
	// PoolAllocatedBytes tracks bytes held by the pool per device (cached + in use)
	PoolAllocatedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_pool_allocated_bytes",
			Help: "Bytes currently allocated by the device memory pool",
		},
		[]string{"device"},
	)

	// PoolPeakBytes tracks the high-water mark per device
	PoolPeakBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_pool_peak_bytes",
			Help: "Peak bytes allocated by the device memory pool",
		},
		[]string{"device"},
	)

	// PoolCachedBytes tracks bytes parked for reuse per device
	PoolCachedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_pool_cached_bytes",
			Help: "Bytes held in pool free lists awaiting reuse",
		},
		[]string{"device"},
	)

	// PoolRequestsTotal counts buffer requests by result
	PoolRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_pool_requests_total",
			Help: "Total buffer requests by result",
		},
		[]string{"device", "result"}, // result: "hit", "miss", "error"
	)

	// PoolEvictionsTotal counts cached buffers freed by cleanup
	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_pool_evictions_total",
			Help: "Total cached buffers returned to the device allocator",
		},
		[]string{"device", "reason"}, // reason: "ceiling", "fragmentation", "emergency", "idle", "overflow"
	)

	// MemoryPressure tracks allocated/max per device
	MemoryPressure = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiver_memory_pressure_ratio",
			Help: "Allocated bytes divided by the pool ceiling",
		},
		[]string{"device"},
	)

	// LeakedBuffersTotal counts managed buffers reclaimed by the finalizer
	LeakedBuffersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_pool_leaked_buffers_total",
			Help: "Managed buffers returned by the garbage collector instead of Release",
		},
	)
)
