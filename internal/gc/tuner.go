// Package gc adjusts GOGC while the process runs. Vector buffers held by
// the host memory pool live on the Go heap, so pool pressure is weighed
// alongside heap pressure when picking a value.
package gc

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/quiver/internal/metrics"
	"github.com/rs/zerolog"
)

// highAllocationRate is the allocation rate treated as saturating.
const highAllocationRate = 100 * 1024 * 1024

// Config bounds the tuner.
type Config struct {
	MinGOGC  int
	MaxGOGC  int
	Interval time.Duration
}

// DefaultConfig returns 50..200 adjusted every second.
func DefaultConfig() Config {
	return Config{MinGOGC: 50, MaxGOGC: 200, Interval: time.Second}
}

// PressureFunc reports an external memory pressure ratio in [0, 1].
type PressureFunc func() float64

type sample struct {
	allocRate    int64
	heapPressure float64
	poolPressure float64
}

// Tuner periodically sets GOGC from allocation rate and memory pressure.
type Tuner struct {
	cfg      Config
	pressure PressureFunc
	logger   zerolog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	lastAlloc uint64
	lastTime  time.Time
	current   int
	original  int
}

// NewTuner normalizes cfg. pressure may be nil.
func NewTuner(cfg Config, pressure PressureFunc, logger zerolog.Logger) *Tuner {
	def := DefaultConfig()
	if cfg.MinGOGC <= 0 {
		cfg.MinGOGC = def.MinGOGC
	}
	if cfg.MaxGOGC <= 0 {
		cfg.MaxGOGC = def.MaxGOGC
	}
	if cfg.MinGOGC > cfg.MaxGOGC {
		cfg.MinGOGC, cfg.MaxGOGC = cfg.MaxGOGC, cfg.MinGOGC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Tuner{
		cfg:      cfg,
		pressure: pressure,
		logger:   logger,
		stopCh:   make(chan struct{}),
		lastTime: time.Now(),
	}
}

// Start launches the adjustment loop. A second call is a no-op.
func (t *Tuner) Start() {
	if t.running.Swap(true) {
		return
	}
	t.mu.Lock()
	t.original = debug.SetGCPercent(-1)
	debug.SetGCPercent(t.original)
	t.current = t.original
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop()
}

// Stop halts the loop and restores the GOGC value seen at Start.
func (t *Tuner) Stop() {
	if !t.running.Swap(false) {
		return
	}
	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	debug.SetGCPercent(t.original)
	t.current = t.original
	t.mu.Unlock()
}

// Current returns the GOGC value last applied.
func (t *Tuner) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tuner) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.adjust()
		}
	}
}

func (t *Tuner) adjust() {
	s := t.collect()
	next := t.target(s)

	t.mu.Lock()
	if next != t.current {
		debug.SetGCPercent(next)
		t.logger.Debug().
			Int("from", t.current).
			Int("to", next).
			Int64("alloc_rate", s.allocRate).
			Float64("heap_pressure", s.heapPressure).
			Float64("pool_pressure", s.poolPressure).
			Msg("GOGC adjusted")
		t.current = next
		metrics.GCTunerAdjustmentsTotal.Inc()
	}
	t.mu.Unlock()

	metrics.GCTunerGOGC.Set(float64(next))
	metrics.GCTunerAllocationRate.Set(float64(s.allocRate))
	metrics.GCTunerPressure.WithLabelValues("heap").Set(s.heapPressure)
	metrics.GCTunerPressure.WithLabelValues("pool").Set(s.poolPressure)
}

func (t *Tuner) collect() sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	t.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(t.lastTime).Seconds()
	var rate int64
	if elapsed > 0 && m.TotalAlloc > t.lastAlloc {
		rate = int64(float64(m.TotalAlloc-t.lastAlloc) / elapsed)
	}
	t.lastAlloc = m.TotalAlloc
	t.lastTime = now
	t.mu.Unlock()

	s := sample{allocRate: rate}
	if m.Sys > 0 {
		s.heapPressure = clamp01(float64(m.HeapInuse) / float64(m.Sys))
	}
	if t.pressure != nil {
		s.poolPressure = clamp01(t.pressure())
	}
	return s
}

// target maps a sample onto [MinGOGC, MaxGOGC]. Allocation rate pushes the
// value up; the worse of heap and pool pressure pulls it down.
func (t *Tuner) target(s sample) int {
	rate := s.allocRate
	if rate < 0 {
		rate = 0
	}
	alloc := math.Min(float64(rate)/highAllocationRate, 1)
	pressure := math.Max(clamp01(s.heapPressure), clamp01(s.poolPressure))

	lo, hi := float64(t.cfg.MinGOGC), float64(t.cfg.MaxGOGC)
	span := hi - lo
	v := (lo+hi)/2 + alloc*0.5*span - pressure*0.7*span
	return int(math.Round(math.Max(lo, math.Min(hi, v))))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
