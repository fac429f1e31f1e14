package distance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	qerrors "github.com/23skdu/quiver/internal/errors"
)

// Registry maps metric names to implementations. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry returns a registry preloaded with the built-in metrics.
func NewRegistry() *Registry {
	r := &Registry{metrics: make(map[string]Metric)}
	for _, m := range []Metric{Euclidean, Cosine, Manhattan, Chebyshev, Hamming, Jaccard, Angular, Canberra} {
		r.metrics[m.Name()] = m
	}
	return r
}

// Default is the process registry consulted when loading snapshots.
var Default = NewRegistry()

// Register adds or replaces a metric under its own name.
func (r *Registry) Register(m Metric) error {
	if m == nil {
		return qerrors.InvalidInput("register_metric", "metric is nil")
	}
	name := strings.TrimSpace(m.Name())
	if name == "" {
		return qerrors.InvalidInput("register_metric", "metric name is empty")
	}
	r.mu.Lock()
	r.metrics[name] = m
	r.mu.Unlock()
	return nil
}

// Lookup resolves a metric name, including parameterised "minkowski:<p>".
func (r *Registry) Lookup(name string) (Metric, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	m, ok := r.metrics[name]
	if !ok {
		m, ok = r.metrics[strings.ToLower(name)]
	}
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	if p, found := strings.CutPrefix(strings.ToLower(name), "minkowski:"); found {
		v, err := strconv.ParseFloat(p, 32)
		if err != nil || v < 1 {
			return nil, qerrors.InvalidInput("lookup_metric", fmt.Sprintf("invalid minkowski order %q", p))
		}
		return Minkowski{P: float32(v)}, nil
	}
	return nil, qerrors.InvalidInput("lookup_metric", fmt.Sprintf("unknown metric %q", name))
}

// Names returns the registered metric names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Parse resolves name against the Default registry.
func Parse(name string) (Metric, error) {
	return Default.Lookup(name)
}
