package store

import (
	"fmt"
	"time"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/query"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/rs/zerolog"
)

// HNSWConfig configures an HNSWIndex.
type HNSWConfig struct {
	Dimension int
	Metric    distance.Metric
	// M is the maximum number of neighbours per node.
	M int
	// Ml is the level generation factor.
	Ml float64
	// EfConstruction is the candidate list size used while inserting.
	EfConstruction int
	// EfSearch is the candidate list size used while querying.
	EfSearch int
	Seed     int64
	Logger   zerolog.Logger
}

// DefaultHNSWConfig returns graph parameters that favour recall.
func DefaultHNSWConfig(dim int) HNSWConfig {
	return HNSWConfig{
		Dimension:      dim,
		Metric:         distance.Euclidean,
		M:              16,
		Ml:             0.25,
		EfConstruction: 200,
		EfSearch:       64,
		Seed:           42,
		Logger:         logging.DiscardLogger(),
	}
}

// HNSWIndex is an approximate index over a hierarchical navigable small
// world graph. Like BruteForceIndex it needs exclusive access for writes.
type HNSWIndex struct {
	cfg    HNSWConfig
	metric distance.Metric
	logger zerolog.Logger
	label  string

	graph   *layeredGraph
	vectors map[int64][]float32
	order   []int64
	version uint64
}

// NewHNSW creates an empty graph index.
func NewHNSW(cfg HNSWConfig) (*HNSWIndex, error) {
	const op = "new_index"
	def := DefaultHNSWConfig(cfg.Dimension)
	switch {
	case cfg.Dimension <= 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("dimension must be positive, got %d", cfg.Dimension))
	case cfg.M < 0 || cfg.EfConstruction < 0 || cfg.EfSearch < 0 || cfg.Ml < 0:
		return nil, qerrors.InvalidInput(op, "graph parameters must not be negative")
	case cfg.M > storage.MaxGraphDegree || cfg.EfConstruction > storage.MaxGraphEf ||
		cfg.EfSearch > storage.MaxGraphEf || !(cfg.Ml <= storage.MaxGraphMl):
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("graph parameters out of range: M=%d ef_construction=%d ef_search=%d ml=%g",
			cfg.M, cfg.EfConstruction, cfg.EfSearch, cfg.Ml))
	}
	if cfg.Metric == nil {
		cfg.Metric = def.Metric
	}
	if cfg.M == 0 {
		cfg.M = def.M
	}
	if cfg.Ml == 0 {
		cfg.Ml = def.Ml
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = def.EfSearch
	}

	h := &HNSWIndex{
		cfg:     cfg,
		metric:  cfg.Metric,
		logger:  logging.Component(cfg.Logger, "hnsw"),
		label:   BackendApproximate.String(),
		vectors: make(map[int64][]float32),
	}
	h.graph = h.newGraph()
	return h, nil
}

func (h *HNSWIndex) newGraph() *layeredGraph {
	return newLayeredGraph(h.cfg.M, h.cfg.Ml, h.cfg.EfConstruction, h.cfg.Seed, h.distance)
}

// distance ranks with the configured metric, clamped so a misbehaving
// custom metric cannot order NaN ahead of real results.
func (h *HNSWIndex) distance(a, b []float32) float32 {
	return distance.Clamp(h.metric.Distance(a, b))
}

func (h *HNSWIndex) Kind() BackendKind       { return BackendApproximate }
func (h *HNSWIndex) Dimension() int          { return h.cfg.Dimension }
func (h *HNSWIndex) Metric() distance.Metric { return h.metric }
func (h *HNSWIndex) Len() int                { return len(h.order) }
func (h *HNSWIndex) Version() uint64         { return h.version }

// Config returns the effective graph parameters.
func (h *HNSWIndex) Config() HNSWConfig { return h.cfg }

// IDs returns the stored ids in insertion order.
func (h *HNSWIndex) IDs() []int64 { return append([]int64(nil), h.order...) }

func (h *HNSWIndex) Contains(id int64) bool {
	_, ok := h.vectors[id]
	return ok
}

// SetEfSearch changes the query breadth. Larger values raise recall at the
// cost of latency.
func (h *HNSWIndex) SetEfSearch(ef int) error {
	if ef <= 0 || ef > storage.MaxGraphEf {
		return qerrors.InvalidInput("set_ef_search", fmt.Sprintf("ef must be in [1, %d], got %d", storage.MaxGraphEf, ef))
	}
	h.cfg.EfSearch = ef
	return nil
}

func (h *HNSWIndex) Add(entries []Entry) error {
	return h.AddWithProgress(entries, nil)
}

func (h *HNSWIndex) AddWithProgress(entries []Entry, progress ProgressFunc) error {
	if err := validateBatch("add", h.cfg.Dimension, entries, h.Contains); err != nil {
		return err
	}

	for start := 0; start < len(entries); start += progressChunk {
		end := min(start+progressChunk, len(entries))
		for _, e := range entries[start:end] {
			vec := simd.Sanitized(append([]float32(nil), e.Vector...))
			h.vectors[e.ID] = vec
			h.order = append(h.order, e.ID)
			h.graph.Insert(e.ID, vec)
		}
		if progress != nil {
			progress(end, len(entries))
		}
	}

	h.version++
	metrics.IndexMutationsTotal.WithLabelValues(h.label, "add").Add(float64(len(entries)))
	metrics.IndexVectors.WithLabelValues(h.label).Set(float64(len(h.order)))
	return nil
}

// Remove deletes ids from the graph. Missing ids are ignored.
func (h *HNSWIndex) Remove(ids []int64) (int, error) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := h.vectors[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	h.graph.Delete(drop)
	for id := range drop {
		delete(h.vectors, id)
	}
	kept := h.order[:0]
	for _, id := range h.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	h.order = kept

	h.version++
	metrics.IndexMutationsTotal.WithLabelValues(h.label, "remove").Add(float64(len(drop)))
	metrics.IndexVectors.WithLabelValues(h.label).Set(float64(len(h.order)))
	return len(drop), nil
}

// Update replaces the vector of id by reinserting its node.
func (h *HNSWIndex) Update(id int64, vector []float32) error {
	const op = "update"
	if !h.Contains(id) {
		return qerrors.InvalidInput(op, fmt.Sprintf("id %d not present", id)).WithContext("id", id)
	}
	if len(vector) != h.cfg.Dimension {
		return qerrors.DimensionMismatch(op, h.cfg.Dimension, len(vector))
	}
	vec := simd.Sanitized(append([]float32(nil), vector...))
	h.graph.Delete(map[int64]struct{}{id: {}})
	h.graph.Insert(id, vec)
	h.vectors[id] = vec

	h.version++
	metrics.IndexMutationsTotal.WithLabelValues(h.label, "update").Inc()
	return nil
}

// Repair rebuilds the graph from the stored vectors.
func (h *HNSWIndex) Repair() error {
	order := make([]int64, 0, len(h.vectors))
	seen := make(map[int64]struct{}, len(h.vectors))
	for _, id := range h.order {
		if _, ok := h.vectors[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	for id := range h.vectors {
		if _, ok := seen[id]; !ok {
			delete(h.vectors, id)
		}
	}
	h.order = order
	h.rebuildGraph()
	h.logger.Info().Int("nodes", len(order)).Msg("graph rebuilt")
	return nil
}

func (h *HNSWIndex) rebuildGraph() {
	h.graph = h.newGraph()
	for _, id := range h.order {
		h.graph.Insert(id, h.vectors[id])
	}
}

func (h *HNSWIndex) Search(vector []float32, k int) ([]Result, error) {
	return h.search("single", vector, k, nil)
}

// SearchFiltered widens the candidate pool until k accepted results are
// found or the graph is exhausted.
func (h *HNSWIndex) SearchFiltered(vector []float32, k int, pred query.Predicate) ([]Result, error) {
	return h.search("filtered", vector, k, pred)
}

func (h *HNSWIndex) SearchBatch(vectors [][]float32, k int) ([][]Result, error) {
	const op = "search_batch"
	if len(vectors) == 0 {
		return nil, qerrors.InvalidInput(op, "empty query batch")
	}
	out := make([][]Result, len(vectors))
	for i, v := range vectors {
		res, err := h.search("batch", v, k, nil)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (h *HNSWIndex) search(mode string, vector []float32, k int, pred query.Predicate) (res []Result, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.SearchTotal.WithLabelValues(h.label, status).Inc()
		if err == nil {
			metrics.SearchQueriesTotal.WithLabelValues(h.label).Inc()
			metrics.SearchDurationSeconds.WithLabelValues(h.label, mode).Observe(time.Since(start).Seconds())
		}
	}()

	if err := validateQuery("search", h.cfg.Dimension, vector, k); err != nil {
		return nil, err
	}
	n := len(h.order)
	if n == 0 {
		return nil, qerrors.EmptyIndex("search")
	}
	q := simd.Sanitized(vector)

	fetch := max(k, h.cfg.EfSearch)
	for {
		fetch = min(fetch, n)
		found := h.graph.Search(q, fetch)
		hits := make([]Result, 0, min(k, len(found)))
		for _, r := range found {
			if pred != nil && !pred(r.ID) {
				continue
			}
			hits = append(hits, r)
		}
		if fetch >= n && len(found) < n {
			// the graph did not reach every node; finish exactly
			return h.exhaustive(q, k, pred), nil
		}
		if len(hits) >= k || fetch >= n {
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits, nil
		}
		fetch *= 2
	}
}

func (h *HNSWIndex) exhaustive(q []float32, k int, pred query.Predicate) []Result {
	top := newTopK(k)
	for _, id := range h.order {
		if pred != nil && !pred(id) {
			continue
		}
		top.Push(Result{ID: id, Distance: h.distance(q, h.vectors[id])})
	}
	return top.Sorted()
}

// State copies the index contents and graph parameters for persistence.
func (h *HNSWIndex) State() *storage.IndexState {
	st := &storage.IndexState{
		Backend:   h.Kind().String(),
		Dimension: h.cfg.Dimension,
		Metric:    h.metric.Name(),
		HNSW: storage.HNSWParams{
			M:              h.cfg.M,
			Ml:             h.cfg.Ml,
			EfConstruction: h.cfg.EfConstruction,
			EfSearch:       h.cfg.EfSearch,
			Seed:           h.cfg.Seed,
		},
		IDs:     append([]int64(nil), h.order...),
		Vectors: make([][]float32, len(h.order)),
	}
	for i, id := range h.order {
		st.Vectors[i] = append([]float32(nil), h.vectors[id]...)
	}
	return st
}
