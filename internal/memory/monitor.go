package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/quiver/internal/logging"
	"github.com/rs/zerolog"
)

// MonitorConfig configures the pool monitor
type MonitorConfig struct {
	ReportInterval     time.Duration // How often to report and react to pressure (default: 30s)
	CleanupInterval    time.Duration // How often to run maintenance cleanup (default: 5m)
	IdleAfter          time.Duration // Keys unused this long are freed by maintenance (default: CleanupInterval)
	AlertThreshold     float64       // Pressure above which a device is reported (default: 0.8)
	EmergencyThreshold float64       // Pressure above which cached buffers are dropped (default: 0.9)
	Logger             zerolog.Logger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ReportInterval:     30 * time.Second,
		CleanupInterval:    5 * time.Minute,
		AlertThreshold:     0.8,
		EmergencyThreshold: 0.9,
		Logger:             logging.DiscardLogger(),
	}
}

// MemoryReport summarises the pool at one point in time.
type MemoryReport struct {
	Timestamp              time.Time
	TotalAllocated         int
	TotalPeak              int
	Devices                []DeviceStats
	AverageCacheEfficiency float64
	PressureAlerts         []int
}

// Monitor periodically reports pool usage, drops cached buffers on devices
// under high pressure, and runs maintenance cleanup.
type Monitor struct {
	pool   *Pool
	config MonitorConfig
	logger zerolog.Logger

	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lastCleanup time.Time
}

// NewMonitor creates a monitor for pool.
func NewMonitor(pool *Pool, config MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.ReportInterval <= 0 {
		config.ReportInterval = defaults.ReportInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = config.CleanupInterval
	}
	if config.AlertThreshold <= 0 || config.AlertThreshold > 1 {
		config.AlertThreshold = defaults.AlertThreshold
	}
	if config.EmergencyThreshold <= 0 || config.EmergencyThreshold > 1 {
		config.EmergencyThreshold = defaults.EmergencyThreshold
	}
	return &Monitor{
		pool:        pool,
		config:      config,
		logger:      logging.Component(config.Logger, "memory_monitor"),
		stopCh:      make(chan struct{}),
		lastCleanup: time.Now(),
	}
}

// Start begins the monitor loop
func (m *Monitor) Start() {
	if m.running.Swap(true) {
		return // Already running
	}
	m.wg.Add(1)
	go m.run()
}

// Stop halts the monitor and waits for the loop to exit
func (m *Monitor) Stop() {
	if !m.running.Swap(false) {
		return // Not running
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick performs one report cycle: report, react to pressure, and run
// maintenance when the cleanup interval has elapsed.
func (m *Monitor) Tick() MemoryReport {
	report := m.Report()
	m.log(report)
	m.handleAlerts(report.PressureAlerts)

	if time.Since(m.lastCleanup) >= m.config.CleanupInterval {
		m.pool.MaintenanceCleanup(m.config.IdleAfter)
		for _, dev := range m.pool.Devices() {
			m.pool.CleanupFragmented(dev)
		}
		m.lastCleanup = time.Now()
	}
	return report
}

// Report builds a MemoryReport without side effects.
func (m *Monitor) Report() MemoryReport {
	stats := m.pool.AllStats()
	report := MemoryReport{Timestamp: time.Now(), Devices: stats}

	var efficiency float64
	for _, s := range stats {
		report.TotalAllocated += s.Allocated
		report.TotalPeak += s.Peak
		efficiency += s.CacheEfficiency()
		if float64(s.Allocated)/float64(s.MaxBytes) > m.config.AlertThreshold {
			report.PressureAlerts = append(report.PressureAlerts, s.Device)
		}
	}
	if len(stats) > 0 {
		report.AverageCacheEfficiency = efficiency / float64(len(stats))
	}
	return report
}

func (m *Monitor) log(r MemoryReport) {
	m.logger.Info().
		Int("total_allocated_bytes", r.TotalAllocated).
		Int("total_peak_bytes", r.TotalPeak).
		Float64("avg_cache_efficiency", r.AverageCacheEfficiency).
		Ints("pressure_alerts", r.PressureAlerts).
		Msg("device memory report")

	for _, s := range r.Devices {
		m.logger.Debug().
			Int("device", s.Device).
			Uint64("allocations", s.Allocations).
			Uint64("deallocations", s.Deallocations).
			Float64("cache_efficiency", s.CacheEfficiency()).
			Int("cached_bytes", s.Cached).
			Int("in_use_bytes", s.InUse).
			Msg("device pool")
	}
}

func (m *Monitor) handleAlerts(devices []int) {
	for _, dev := range devices {
		pressure, ok := m.pool.MemoryPressure(dev)
		if !ok {
			continue
		}
		m.logger.Warn().Int("device", dev).Float64("pressure", pressure).Msg("high device memory pressure")
		if pressure > m.config.EmergencyThreshold {
			m.pool.EmergencyCleanup(dev)
		}
	}
}
