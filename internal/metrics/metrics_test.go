package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, SearchTotal)
	assert.NotNil(t, SearchDurationSeconds)
	assert.NotNil(t, IndexVectors)
	assert.NotNil(t, SnapshotTotal)
	assert.NotNil(t, PoolAllocatedBytes)
	assert.NotNil(t, PoolRequestsTotal)
	assert.NotNil(t, MemoryPressure)
	assert.NotNil(t, GPUKernelLaunchesTotal)
	assert.NotNil(t, GPUFallbacksTotal)
	assert.NotNil(t, IndexLockWaitDuration)
	assert.NotNil(t, LockRecoveriesTotal)
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(PoolRequestsTotal.WithLabelValues("0", "hit"))
	PoolRequestsTotal.WithLabelValues("0", "hit").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PoolRequestsTotal.WithLabelValues("0", "hit")))

	PoolAllocatedBytes.WithLabelValues("3").Set(4096)
	assert.Equal(t, 4096.0, testutil.ToFloat64(PoolAllocatedBytes.WithLabelValues("3")))
}
