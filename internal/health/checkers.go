package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/23skdu/quiver/internal/breaker"
)

// IndexStatus is the view of an index the checker needs.
type IndexStatus interface {
	Poisoned() bool
	Len() int
	Version() uint64
	Dimension() int
}

// IndexChecker reports an index that has not recovered from a panic as
// unhealthy.
type IndexChecker struct {
	index IndexStatus
}

func NewIndexChecker(index IndexStatus) *IndexChecker {
	return &IndexChecker{index: index}
}

func (ic *IndexChecker) Name() string { return "index" }

func (ic *IndexChecker) Check(_ context.Context) *ComponentHealth {
	ch := &ComponentHealth{
		Name:        ic.Name(),
		Status:      StatusHealthy,
		Message:     "index serving",
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"vectors":   ic.index.Len(),
			"version":   ic.index.Version(),
			"dimension": ic.index.Dimension(),
		},
	}
	if ic.index.Poisoned() {
		ch.Status = StatusUnhealthy
		ch.Message = "index awaiting repair after a panic"
	}
	return ch
}

// PressureSource reports per-device pool pressure.
type PressureSource interface {
	Devices() []int
	MemoryPressure(device int) (float64, bool)
}

// PoolChecker degrades when any device pool is above the alert threshold.
type PoolChecker struct {
	pool      PressureSource
	threshold float64
}

func NewPoolChecker(pool PressureSource, threshold float64) *PoolChecker {
	return &PoolChecker{pool: pool, threshold: threshold}
}

func (pc *PoolChecker) Name() string { return "memory_pool" }

func (pc *PoolChecker) Check(_ context.Context) *ComponentHealth {
	ch := &ComponentHealth{
		Name:        pc.Name(),
		Status:      StatusHealthy,
		Message:     "device pools within limits",
		LastChecked: time.Now(),
		Metadata:    map[string]interface{}{},
	}
	var hot []int
	for _, d := range pc.pool.Devices() {
		p, ok := pc.pool.MemoryPressure(d)
		if !ok {
			continue
		}
		ch.Metadata[fmt.Sprintf("device_%d_pressure", d)] = p
		if p > pc.threshold {
			hot = append(hot, d)
		}
	}
	if len(hot) > 0 {
		ch.Status = StatusDegraded
		ch.Message = fmt.Sprintf("devices %v above %.0f%% of pool ceiling", hot, pc.threshold*100)
	}
	return ch
}

// BreakerChecker degrades while the GPU offload breaker is not closed.
// Searches still succeed on the CPU in that state.
type BreakerChecker struct {
	state func() breaker.State
}

func NewBreakerChecker(state func() breaker.State) *BreakerChecker {
	return &BreakerChecker{state: state}
}

func (bc *BreakerChecker) Name() string { return "gpu_offload" }

func (bc *BreakerChecker) Check(_ context.Context) *ComponentHealth {
	st := bc.state()
	ch := &ComponentHealth{
		Name:        bc.Name(),
		Status:      StatusHealthy,
		Message:     "GPU offload available",
		LastChecked: time.Now(),
		Metadata:    map[string]interface{}{"breaker": st.String()},
	}
	if st != breaker.StateClosed {
		ch.Status = StatusDegraded
		ch.Message = "GPU offload suspended, batches run on the CPU"
	}
	return ch
}

// StorageChecker checks that the snapshot directory is usable.
type StorageChecker struct {
	dir string
}

func NewStorageChecker(dir string) *StorageChecker {
	return &StorageChecker{dir: dir}
}

func (sc *StorageChecker) Name() string { return "storage" }

func (sc *StorageChecker) Check(_ context.Context) *ComponentHealth {
	ch := &ComponentHealth{
		Name:        sc.Name(),
		Status:      StatusHealthy,
		Message:     "snapshot directory writable",
		LastChecked: time.Now(),
		Metadata:    map[string]interface{}{"dir": sc.dir},
	}
	info, err := os.Stat(sc.dir)
	switch {
	case err != nil:
		ch.Status = StatusUnhealthy
		ch.Message = err.Error()
	case !info.IsDir():
		ch.Status = StatusUnhealthy
		ch.Message = "snapshot path is not a directory"
	case info.Mode().Perm()&0o200 == 0:
		ch.Status = StatusDegraded
		ch.Message = "snapshot directory is read-only"
	}
	return ch
}
