// Package memory implements the process-wide device buffer pool used by the
// GPU offload path.
package memory

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
)

// DefaultMaxPoolBytes is the per-device ceiling applied to devices that have
// not been configured explicitly.
const DefaultMaxPoolBytes = 1 << 30

// PoolConfig configures a Pool.
type PoolConfig struct {
	// DefaultMaxBytes is the ceiling for devices created on first use.
	DefaultMaxBytes int
	// FragmentationThreshold is the ratio of distinct keys to cached
	// buffers above which CleanupFragmented trims sparse keys.
	FragmentationThreshold float64
	// Allocator returns the backing allocator for a device. Nil means a Go
	// allocator per device.
	Allocator func(device int) memory.Allocator
	Logger    zerolog.Logger
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DefaultMaxBytes:        DefaultMaxPoolBytes,
		FragmentationThreshold: 0.5,
		Logger:                 logging.DiscardLogger(),
	}
}

type bufferKey struct {
	size      int
	precision Precision
}

// keyEntry is the free stack for one (size, precision) on one device.
type keyEntry struct {
	free     [][]byte
	inUse    int
	requests uint64
	hits     uint64
	lastUsed time.Time
}

func (e *keyEntry) reuseRate() float64 {
	if e.requests == 0 {
		return 0
	}
	return float64(e.hits) / float64(e.requests)
}

type devicePool struct {
	mu        sync.Mutex
	id        int
	label     string
	max       int
	cached    int
	live      int
	peak      int
	allocs    uint64
	deallocs  uint64
	hits      uint64
	misses    uint64
	entries   map[bufferKey]*keyEntry
	allocator *TrackingAllocator
}

func (d *devicePool) allocated() int { return d.cached + d.live }

// Pool caches device buffers keyed by (device, size, precision). Every
// device keeps allocated == cached + live at all times.
type Pool struct {
	cfg    PoolConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	devices map[int]*devicePool
}

// NewPool creates an empty pool. Devices are created on first use or by
// SetMaxPoolSize.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DefaultMaxBytes <= 0 {
		cfg.DefaultMaxBytes = DefaultMaxPoolBytes
	}
	if cfg.FragmentationThreshold <= 0 {
		cfg.FragmentationThreshold = 0.5
	}
	return &Pool{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "memory_pool"),
		now:     time.Now,
		devices: make(map[int]*devicePool),
	}
}

func (p *Pool) lookup(device int) *devicePool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.devices[device]
}

func (p *Pool) device(device int) *devicePool {
	if d := p.lookup(device); d != nil {
		return d
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[device]; ok {
		return d
	}
	var base memory.Allocator
	if p.cfg.Allocator != nil {
		base = p.cfg.Allocator(device)
	}
	d := &devicePool{
		id:        device,
		label:     strconv.Itoa(device),
		max:       p.cfg.DefaultMaxBytes,
		entries:   make(map[bufferKey]*keyEntry),
		allocator: NewTrackingAllocator(base),
	}
	p.devices[device] = d
	p.logger.Debug().Int("device", device).Int("max_bytes", d.max).Msg("device pool created")
	return d
}

func (p *Pool) snapshotDevices() []*devicePool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*devicePool, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// GetManagedBuffer borrows a buffer of exactly size bytes. It is served from
// the matching free stack when possible, otherwise freshly allocated after
// reclaiming cached buffers if the device ceiling requires it.
func (p *Pool) GetManagedBuffer(device, size int, precision Precision) (*ManagedBuffer, error) {
	const op = "get_managed_buffer"
	switch {
	case device < 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("negative device id %d", device))
	case size <= 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("buffer size must be positive, got %d", size))
	case !precision.Valid():
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("unknown precision %d", precision))
	case size%precision.ElementSize() != 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("size %d is not a multiple of the %s element size", size, precision))
	}

	d := p.device(device)
	key := bufferKey{size: size, precision: precision}

	d.mu.Lock()
	e := d.entries[key]
	if e == nil {
		e = &keyEntry{}
		d.entries[key] = e
	}
	e.requests++
	e.lastUsed = p.now()

	var buf []byte
	if n := len(e.free); n > 0 {
		buf = e.free[n-1]
		e.free[n-1] = nil
		e.free = e.free[:n-1]
		e.hits++
		d.hits++
		d.cached -= size
		metrics.PoolRequestsTotal.WithLabelValues(d.label, "hit").Inc()
	} else {
		d.misses++
		// compare against the remaining room so huge sizes cannot overflow
		if size <= d.max {
			if room := d.max - d.allocated(); size > room {
				d.reclaim(size-room, "ceiling")
			}
		}
		if size > d.max || size > d.max-d.allocated() {
			if e.inUse == 0 && len(e.free) == 0 {
				delete(d.entries, key)
			}
			allocated, ceiling := d.allocated(), d.max
			d.mu.Unlock()
			metrics.PoolRequestsTotal.WithLabelValues(d.label, "error").Inc()
			return nil, qerrors.Allocation(op, "device pool ceiling reached").
				WithContext("device", device).
				WithContext("requested", size).
				WithContext("allocated", allocated).
				WithContext("max", ceiling)
		}
		buf = d.allocator.Allocate(size)
		d.allocs++
		metrics.PoolRequestsTotal.WithLabelValues(d.label, "miss").Inc()
	}
	e.inUse++
	d.live += size
	if a := d.allocated(); a > d.peak {
		d.peak = a
	}
	d.publish()
	d.mu.Unlock()

	mb := &ManagedBuffer{pool: p, dev: d, key: key, buf: buf}
	runtime.SetFinalizer(mb, (*ManagedBuffer).finalize)
	return mb, nil
}

func (p *Pool) release(d *devicePool, key bufferKey, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.entries[key]
	if e == nil {
		// inUse > 0 keeps the entry alive, so this only happens on misuse.
		e = &keyEntry{}
		d.entries[key] = e
	} else {
		e.inUse--
	}
	overCeiling := d.allocated() > d.max
	d.live -= key.size
	d.deallocs++
	e.lastUsed = p.now()

	if overCeiling {
		d.allocator.Free(buf)
		metrics.PoolEvictionsTotal.WithLabelValues(d.label, "overflow").Inc()
		if e.inUse == 0 && len(e.free) == 0 {
			delete(d.entries, key)
		}
	} else {
		e.free = append(e.free, buf)
		d.cached += key.size
	}
	d.publish()
}

// reclaim frees cached buffers, lowest reuse rate first, until at least
// need bytes were released or the cache is empty. Caller holds d.mu.
func (d *devicePool) reclaim(need int, reason string) int {
	freed := 0
	for _, k := range d.keysByReuse() {
		if freed >= need {
			break
		}
		e := d.entries[k]
		for len(e.free) > 0 && freed < need {
			freed += d.popFree(k, e, reason)
		}
		if e.inUse == 0 && len(e.free) == 0 {
			delete(d.entries, k)
		}
	}
	return freed
}

// popFree frees the top buffer of e. Caller holds d.mu.
func (d *devicePool) popFree(k bufferKey, e *keyEntry, reason string) int {
	n := len(e.free)
	buf := e.free[n-1]
	e.free[n-1] = nil
	e.free = e.free[:n-1]
	d.allocator.Free(buf)
	d.cached -= k.size
	metrics.PoolEvictionsTotal.WithLabelValues(d.label, reason).Inc()
	return k.size
}

// keysByReuse orders keys with cached buffers by ascending reuse rate, then
// by least recent use. Caller holds d.mu.
func (d *devicePool) keysByReuse() []bufferKey {
	keys := make([]bufferKey, 0, len(d.entries))
	for k, e := range d.entries {
		if len(e.free) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ei, ej := d.entries[keys[i]], d.entries[keys[j]]
		if ri, rj := ei.reuseRate(), ej.reuseRate(); ri != rj {
			return ri < rj
		}
		if !ei.lastUsed.Equal(ej.lastUsed) {
			return ei.lastUsed.Before(ej.lastUsed)
		}
		return keys[i].size > keys[j].size
	})
	return keys
}

func (d *devicePool) publish() {
	metrics.PoolAllocatedBytes.WithLabelValues(d.label).Set(float64(d.allocated()))
	metrics.PoolPeakBytes.WithLabelValues(d.label).Set(float64(d.peak))
	metrics.PoolCachedBytes.WithLabelValues(d.label).Set(float64(d.cached))
	metrics.MemoryPressure.WithLabelValues(d.label).Set(float64(d.allocated()) / float64(d.max))
}

// SetMaxPoolSize sets the ceiling used for pressure and for the reclaim
// decision on return. Cached buffers above the new ceiling are freed. A
// ceiling below the bytes currently borrowed is refused, so pressure is at
// most 1.0 once the cache is emptied.
func (p *Pool) SetMaxPoolSize(device, bytes int) error {
	const op = "set_max_pool_size"
	if device < 0 {
		return qerrors.InvalidInput(op, fmt.Sprintf("negative device id %d", device))
	}
	if bytes <= 0 {
		return qerrors.InvalidInput(op, fmt.Sprintf("ceiling must be positive, got %d", bytes))
	}
	d := p.device(device)
	d.mu.Lock()
	defer d.mu.Unlock()
	if bytes < d.live {
		return qerrors.InvalidInput(op, fmt.Sprintf("ceiling %d is below the %d bytes borrowed", bytes, d.live)).
			WithContext("device", device)
	}
	d.max = bytes
	if over := d.allocated() - d.max; over > 0 {
		freed := d.reclaim(over, "ceiling")
		p.logger.Info().Int("device", device).Int("max_bytes", bytes).Int("freed_bytes", freed).Msg("pool ceiling lowered")
	}
	d.publish()
	return nil
}

// MaxPoolSize returns the ceiling of a device.
func (p *Pool) MaxPoolSize(device int) (int, bool) {
	d := p.lookup(device)
	if d == nil {
		return 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.max, true
}

// MemoryPressure returns allocated / ceiling. ok is false for a device the
// pool has never seen.
func (p *Pool) MemoryPressure(device int) (pressure float64, ok bool) {
	d := p.lookup(device)
	if d == nil {
		return 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.allocated()) / float64(d.max), true
}

// EmergencyCleanup frees every cached buffer on device, lowest reuse rate
// first, and returns the number of bytes freed. Borrowed buffers are untouched.
func (p *Pool) EmergencyCleanup(device int) int {
	d := p.lookup(device)
	if d == nil {
		return 0
	}
	d.mu.Lock()
	freed := d.reclaim(d.cached, "emergency")
	for k, e := range d.entries {
		if e.inUse == 0 && len(e.free) == 0 {
			delete(d.entries, k)
		}
	}
	d.publish()
	d.mu.Unlock()

	if freed > 0 {
		p.logger.Warn().Int("device", device).Int("freed_bytes", freed).Msg("emergency cleanup")
	}
	return freed
}

// EmergencyCleanupAll runs EmergencyCleanup on every known device.
func (p *Pool) EmergencyCleanupAll() int {
	total := 0
	for _, d := range p.snapshotDevices() {
		total += p.EmergencyCleanup(d.id)
	}
	return total
}

// CleanupFragmented trims sparse keys when the ratio of distinct keys to
// cached buffers exceeds the fragmentation threshold. Stacks shallower than
// the average depth are emptied and the rest are capped at twice the average.
func (p *Pool) CleanupFragmented(device int) int {
	d := p.lookup(device)
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	keys, buffers := 0, 0
	for _, e := range d.entries {
		if len(e.free) > 0 {
			keys++
			buffers += len(e.free)
		}
	}
	if buffers == 0 || float64(keys)/float64(buffers) <= p.cfg.FragmentationThreshold {
		return 0
	}

	avg := float64(buffers) / float64(keys)
	limit := int(math.Ceil(2 * avg))
	freed := 0
	for _, k := range d.keysByReuse() {
		e := d.entries[k]
		keep := limit
		if float64(len(e.free)) < avg {
			keep = 0
		}
		for len(e.free) > keep {
			freed += d.popFree(k, e, "fragmentation")
		}
		if e.inUse == 0 && len(e.free) == 0 {
			delete(d.entries, k)
		}
	}
	d.publish()
	return freed
}

// MaintenanceCleanup frees cached buffers of keys unused for longer than
// idle and halves the reuse counters so the eviction order follows recent
// behaviour.
func (p *Pool) MaintenanceCleanup(idle time.Duration) int {
	cutoff := p.now().Add(-idle)
	total := 0
	for _, d := range p.snapshotDevices() {
		d.mu.Lock()
		for k, e := range d.entries {
			if e.lastUsed.Before(cutoff) {
				for len(e.free) > 0 {
					total += d.popFree(k, e, "idle")
				}
			}
			e.hits /= 2
			e.requests /= 2
			if e.inUse == 0 && len(e.free) == 0 {
				delete(d.entries, k)
			}
		}
		d.publish()
		d.mu.Unlock()
	}
	if total > 0 {
		p.logger.Debug().Int("freed_bytes", total).Dur("idle", idle).Msg("maintenance cleanup")
	}
	return total
}

// MemoryUsage returns the allocated and peak bytes of a device.
func (p *Pool) MemoryUsage(device int) (allocated, peak int, ok bool) {
	d := p.lookup(device)
	if d == nil {
		return 0, 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated(), d.peak, true
}

// TotalMemoryUsage sums MemoryUsage over all devices.
func (p *Pool) TotalMemoryUsage() (allocated, peak int) {
	for _, d := range p.snapshotDevices() {
		d.mu.Lock()
		allocated += d.allocated()
		peak += d.peak
		d.mu.Unlock()
	}
	return allocated, peak
}

// DeviceStats is a point-in-time view of one device pool.
type DeviceStats struct {
	Device        int
	MaxBytes      int
	Allocated     int
	Peak          int
	Cached        int
	InUse         int
	Allocations   uint64
	Deallocations uint64
	CacheHits     uint64
	CacheMisses   uint64
	Keys          int
	// DeviceOutstanding is what the backing allocator reports as held.
	DeviceOutstanding int64
}

// CacheEfficiency returns hits / (hits + misses).
func (s DeviceStats) CacheEfficiency() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Stats returns the statistics of one device.
func (p *Pool) Stats(device int) (DeviceStats, bool) {
	d := p.lookup(device)
	if d == nil {
		return DeviceStats{}, false
	}
	return d.stats(), true
}

// AllStats returns statistics for every known device ordered by id.
func (p *Pool) AllStats() []DeviceStats {
	devices := p.snapshotDevices()
	out := make([]DeviceStats, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.stats())
	}
	return out
}

func (d *devicePool) stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStats{
		Device:            d.id,
		MaxBytes:          d.max,
		Allocated:         d.allocated(),
		Peak:              d.peak,
		Cached:            d.cached,
		InUse:             d.live,
		Allocations:       d.allocs,
		Deallocations:     d.deallocs,
		CacheHits:         d.hits,
		CacheMisses:       d.misses,
		Keys:              len(d.entries),
		DeviceOutstanding: d.allocator.Outstanding(),
	}
}

// Devices returns the ids of every device the pool knows about.
func (p *Pool) Devices() []int {
	devices := p.snapshotDevices()
	ids := make([]int, len(devices))
	for i, d := range devices {
		ids[i] = d.id
	}
	return ids
}

// WithBuffer borrows a buffer for the duration of fn and returns it on
// every exit path.
func (p *Pool) WithBuffer(device, size int, precision Precision, fn func(*ManagedBuffer) error) error {
	mb, err := p.GetManagedBuffer(device, size, precision)
	if err != nil {
		return err
	}
	defer mb.Release()
	return fn(mb)
}
