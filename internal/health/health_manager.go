// Package health aggregates component checks into a single status served
// over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// worse returns the more severe of a and b.
func worse(a, b HealthStatus) HealthStatus {
	if a.gauge() <= b.gauge() {
		return a
	}
	return b
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	System     *SystemInfo                 `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo provides process level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapInuse     uint64 `json:"heap_inuse_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager runs registered checkers and combines their results. The
// overall status is the worst component status.
type HealthManager struct {
	startTime    time.Time
	version      string
	logger       zerolog.Logger
	checkCounter atomic.Int64

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string, logger zerolog.Logger) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]HealthChecker),
		logger:    logging.Component(logger, "health"),
	}
}

// RegisterChecker registers a health checker, replacing any checker of the
// same name.
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers[checker.Name()] = checker
	hm.mu.Unlock()
	hm.logger.Debug().Str("component", checker.Name()).Msg("Registered health checker")
}

func (hm *HealthManager) sortedCheckers() []HealthChecker {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]HealthChecker, 0, len(hm.checkers))
	for _, c := range hm.checkers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// CheckHealth performs health checks on all registered components
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	count := hm.checkCounter.Add(1)
	checkStart := time.Now()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  checkStart,
		Uptime:     time.Since(hm.startTime),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth),
		System:     systemInfo(),
		CheckCount: count,
	}

	for _, checker := range hm.sortedCheckers() {
		start := time.Now()
		ch := checker.Check(ctx)
		metrics.HealthCheckDuration.WithLabelValues(checker.Name()).Observe(time.Since(start).Seconds())
		metrics.HealthComponentStatus.WithLabelValues(checker.Name()).Set(ch.Status.gauge())

		health.Components[checker.Name()] = ch
		health.Status = worse(health.Status, ch.Status)
	}

	ev := hm.logger.Debug()
	if health.Status != StatusHealthy {
		ev = hm.logger.Warn()
	}
	ev.Str("overall_status", string(health.Status)).
		Int("components_checked", len(health.Components)).
		Dur("duration", time.Since(checkStart)).
		Msg("Health check completed")
	return health
}

func systemInfo() *SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		HeapInuse:     m.HeapInuse,
		NumGC:         m.NumGC,
	}
}

// HTTPHandler returns an http handler for health checks. Unhealthy systems
// answer 503.
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}
