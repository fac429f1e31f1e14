package store

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/23skdu/quiver/internal/breaker"
	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/query"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// progressChunk is the number of entries inserted between progress reports.
const progressChunk = 1000

// BruteForceConfig configures a BruteForceIndex.
type BruteForceConfig struct {
	Dimension int
	// Metric defaults to Euclidean.
	Metric distance.Metric
	// Workers bounds search parallelism. Zero uses GOMAXPROCS.
	Workers int
	// MinParallel is the corpus size below which a search runs on the
	// calling goroutine.
	MinParallel int

	// GPU enables offload of batch searches. Only Euclidean batches of at
	// least GPUMinBatch queries and GPUMinDim dimensions are offloaded.
	GPU         *gpu.Backend
	GPUMinBatch int
	GPUMinDim   int
	// Breaker guards the GPU route. Zero value uses breaker.DefaultSettings.
	Breaker breaker.Settings

	Logger zerolog.Logger
}

// DefaultBruteForceConfig returns the defaults for a dim-dimensional
// Euclidean index without GPU offload.
func DefaultBruteForceConfig(dim int) BruteForceConfig {
	return BruteForceConfig{
		Dimension:   dim,
		Metric:      distance.Euclidean,
		MinParallel: 4096,
		GPUMinBatch: 8,
		GPUMinDim:   16,
		Logger:      logging.DiscardLogger(),
	}
}

// BruteForceIndex is an exact k-nearest-neighbour index. Vectors live in
// one flat slice in insertion order. It is safe for concurrent readers but
// writers need exclusive access; see ThreadSafeIndex.
type BruteForceIndex struct {
	cfg     BruteForceConfig
	dim     int
	metric  distance.Metric
	workers int
	logger  zerolog.Logger
	label   string

	data  []float32
	ids   []int64
	norms []float32
	pos   map[int64]int

	version uint64
	warmed  bool
	breaker *breaker.CircuitBreaker
}

// NewBruteForce creates an empty index.
func NewBruteForce(cfg BruteForceConfig) (*BruteForceIndex, error) {
	if cfg.Dimension <= 0 {
		return nil, qerrors.InvalidInput("new_index", fmt.Sprintf("dimension must be positive, got %d", cfg.Dimension))
	}
	if cfg.Metric == nil {
		cfg.Metric = distance.Euclidean
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MinParallel <= 0 {
		cfg.MinParallel = DefaultBruteForceConfig(0).MinParallel
	}
	if cfg.GPUMinBatch <= 0 {
		cfg.GPUMinBatch = DefaultBruteForceConfig(0).GPUMinBatch
	}

	idx := &BruteForceIndex{
		cfg:     cfg,
		dim:     cfg.Dimension,
		metric:  cfg.Metric,
		workers: workers,
		logger:  logging.Component(cfg.Logger, "bruteforce"),
		pos:     make(map[int64]int),
	}
	idx.label = idx.Kind().String()
	if cfg.GPU != nil {
		st := cfg.Breaker
		if st.Name == "" {
			st = breaker.DefaultSettings("gpu_offload")
		}
		// bad input is the caller's fault, not the device's
		st.IsFailure = func(err error) bool {
			return err != nil && !qerrors.Is(err, qerrors.ErrInvalidInput)
		}
		logger := idx.logger
		st.OnStateChange = func(name string, from, to breaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("GPU offload breaker state changed")
		}
		idx.breaker = breaker.NewCircuitBreaker(st)
	}
	return idx, nil
}

func (b *BruteForceIndex) Kind() BackendKind {
	if b.cfg.GPU != nil {
		return BackendGPU
	}
	return BackendBruteForce
}

func (b *BruteForceIndex) Dimension() int          { return b.dim }
func (b *BruteForceIndex) Metric() distance.Metric { return b.metric }
func (b *BruteForceIndex) Len() int                { return len(b.ids) }
func (b *BruteForceIndex) Version() uint64         { return b.version }

// GPU returns the offload backend, or nil.
func (b *BruteForceIndex) GPU() *gpu.Backend { return b.cfg.GPU }

// BreakerState reports the GPU offload breaker state. Indexes without GPU
// offload report closed.
func (b *BruteForceIndex) BreakerState() breaker.State {
	if b.breaker == nil {
		return breaker.StateClosed
	}
	return b.breaker.State()
}

func (b *BruteForceIndex) Contains(id int64) bool {
	_, ok := b.pos[id]
	return ok
}

// Vector returns a copy of the stored vector of id.
func (b *BruteForceIndex) Vector(id int64) ([]float32, bool) {
	i, ok := b.pos[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), b.row(i)...), true
}

// IDs returns the stored ids in insertion order.
func (b *BruteForceIndex) IDs() []int64 { return append([]int64(nil), b.ids...) }

func (b *BruteForceIndex) row(i int) []float32 {
	return b.data[i*b.dim : (i+1)*b.dim : (i+1)*b.dim]
}

func (b *BruteForceIndex) Add(entries []Entry) error {
	return b.AddWithProgress(entries, nil)
}

// AddWithProgress inserts entries and reports progress every thousand
// entries. The whole batch is validated before anything is inserted.
func (b *BruteForceIndex) AddWithProgress(entries []Entry, progress ProgressFunc) error {
	const op = "add"
	if err := validateBatch(op, b.dim, entries, b.Contains); err != nil {
		return err
	}
	b.warmup()

	b.data = growFloats(b.data, len(entries)*b.dim)
	for start := 0; start < len(entries); start += progressChunk {
		end := min(start+progressChunk, len(entries))
		for _, e := range entries[start:end] {
			off := len(b.data)
			b.data = append(b.data, e.Vector...)
			vec := b.data[off:]
			simd.SanitizeInPlace(vec)
			b.norms = append(b.norms, simd.Norm(vec))
			b.pos[e.ID] = len(b.ids)
			b.ids = append(b.ids, e.ID)
		}
		if progress != nil {
			progress(end, len(entries))
		}
	}

	b.version++
	metrics.IndexMutationsTotal.WithLabelValues(b.label, "add").Add(float64(len(entries)))
	metrics.IndexVectors.WithLabelValues(b.label).Set(float64(len(b.ids)))
	return nil
}

func growFloats(s []float32, n int) []float32 {
	if cap(s)-len(s) >= n {
		return s
	}
	grown := make([]float32, len(s), len(s)+n)
	copy(grown, s)
	return grown
}

// warmup borrows and returns a device buffer on the first insert so that
// pool and kernel setup happen before the first query.
func (b *BruteForceIndex) warmup() {
	if b.cfg.GPU == nil || b.warmed {
		return
	}
	b.warmed = true
	devices := b.cfg.GPU.Devices()
	if len(devices) == 0 {
		return
	}
	if err := b.cfg.GPU.Warmup(devices[0]); err != nil {
		b.logger.Warn().Err(err).Int("device", devices[0]).Msg("GPU warmup failed")
	}
}

// Remove deletes ids and compacts storage, preserving insertion order.
func (b *BruteForceIndex) Remove(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := b.pos[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	w := 0
	for r, id := range b.ids {
		if _, gone := drop[id]; gone {
			continue
		}
		if w != r {
			copy(b.data[w*b.dim:(w+1)*b.dim], b.row(r))
			b.ids[w] = id
			b.norms[w] = b.norms[r]
		}
		w++
	}
	b.data = b.data[:w*b.dim]
	b.ids = b.ids[:w]
	b.norms = b.norms[:w]
	b.rebuildPositions()

	b.version++
	metrics.IndexMutationsTotal.WithLabelValues(b.label, "remove").Add(float64(len(drop)))
	metrics.IndexVectors.WithLabelValues(b.label).Set(float64(len(b.ids)))
	return len(drop), nil
}

func (b *BruteForceIndex) rebuildPositions() {
	b.pos = make(map[int64]int, len(b.ids))
	for i, id := range b.ids {
		b.pos[id] = i
	}
}

// Update replaces the vector of an existing id.
func (b *BruteForceIndex) Update(id int64, vector []float32) error {
	const op = "update"
	i, ok := b.pos[id]
	if !ok {
		return qerrors.InvalidInput(op, fmt.Sprintf("id %d not present", id)).WithContext("id", id)
	}
	if len(vector) != b.dim {
		return qerrors.DimensionMismatch(op, b.dim, len(vector))
	}
	dst := b.row(i)
	copy(dst, vector)
	simd.SanitizeInPlace(dst)
	b.norms[i] = simd.Norm(dst)
	b.version++
	metrics.IndexMutationsTotal.WithLabelValues(b.label, "update").Inc()
	return nil
}

// Repair truncates storage to its longest consistent prefix and rebuilds
// the id map and norm cache.
func (b *BruteForceIndex) Repair() error {
	n := min(len(b.ids), len(b.data)/b.dim)
	b.ids = b.ids[:n]
	b.data = b.data[:n*b.dim]
	b.norms = b.norms[:0]
	for i := 0; i < n; i++ {
		b.norms = append(b.norms, simd.Norm(b.row(i)))
	}
	b.rebuildPositions()
	if len(b.pos) != n {
		return qerrors.Corrupt("repair", fmt.Sprintf("%d ids map to %d distinct keys", n, len(b.pos)))
	}
	metrics.IndexVectors.WithLabelValues(b.label).Set(float64(n))
	return nil
}

func (b *BruteForceIndex) Search(vector []float32, k int) ([]Result, error) {
	return b.search("single", vector, k, nil)
}

// SearchFiltered returns the k nearest ids accepted by pred. The predicate
// runs before ranking so up to k accepted results are always returned.
func (b *BruteForceIndex) SearchFiltered(vector []float32, k int, pred query.Predicate) ([]Result, error) {
	return b.search("filtered", vector, k, pred)
}

func (b *BruteForceIndex) search(mode string, vector []float32, k int, pred query.Predicate) (res []Result, err error) {
	start := time.Now()
	defer func() { b.observe(mode, start, 1, err) }()

	if err := validateQuery("search", b.dim, vector, k); err != nil {
		return nil, err
	}
	if len(b.ids) == 0 {
		return nil, qerrors.EmptyIndex("search")
	}
	return b.scan(simd.Sanitized(vector), k, pred), nil
}

func (b *BruteForceIndex) observe(mode string, start time.Time, queries int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchTotal.WithLabelValues(b.label, status).Inc()
	if err == nil {
		metrics.SearchQueriesTotal.WithLabelValues(b.label).Add(float64(queries))
		metrics.SearchDurationSeconds.WithLabelValues(b.label, mode).Observe(time.Since(start).Seconds())
	}
}

// scan computes the top k over every stored vector, splitting the corpus
// between workers when it is large enough.
func (b *BruteForceIndex) scan(q []float32, k int, pred query.Predicate) []Result {
	n := len(b.ids)
	workers := b.workers
	if n < b.cfg.MinParallel || workers <= 1 {
		return b.scanRange(q, k, pred, 0, n)
	}
	if workers > n {
		workers = n
	}

	partials := make([][]Result, workers)
	per := (n + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo, hi := w*per, min((w+1)*per, n)
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			partials[w] = b.scanRange(q, k, pred, lo, hi)
			return nil
		})
	}
	_ = g.Wait()
	return mergeSorted(partials, k)
}

func (b *BruteForceIndex) scanRange(q []float32, k int, pred query.Predicate, lo, hi int) []Result {
	h := newTopK(k)
	prune := distance.IsEuclidean(b.metric)
	qn := simd.Norm(q)
	for i := lo; i < hi; i++ {
		id := b.ids[i]
		if pred != nil && !pred(id) {
			continue
		}
		if prune {
			// |‖q‖-‖v‖| is a lower bound of ‖q-v‖
			if worst, full := h.Bound(); full {
				lb := math.Abs(float64(qn) - float64(b.norms[i]))
				if !math.IsInf(lb, 0) && lb > float64(worst.Distance)*(1+1e-5)+1e-6 {
					continue
				}
			}
		}
		h.Push(Result{ID: id, Distance: distance.Clamp(b.metric.Distance(q, b.row(i)))})
	}
	return h.Sorted()
}

// SearchBatch answers every query. Euclidean batches that meet the GPU
// thresholds are offloaded; on GPU failure the batch is answered on the CPU.
func (b *BruteForceIndex) SearchBatch(vectors [][]float32, k int) (res [][]Result, err error) {
	const op = "search_batch"
	start := time.Now()
	mode := "batch"
	defer func() { b.observe(mode, start, len(vectors), err) }()

	if len(vectors) == 0 {
		return nil, qerrors.InvalidInput(op, "empty query batch")
	}
	for i, v := range vectors {
		if err := validateQuery(op, b.dim, v, k); err != nil {
			if se, ok := err.(*qerrors.StructuredError); ok {
				return nil, se.WithContext("query", i)
			}
			return nil, err
		}
	}
	if len(b.ids) == 0 {
		return nil, qerrors.EmptyIndex(op)
	}

	if b.useGPU(len(vectors)) {
		out, gerr := b.searchGPU(vectors, k)
		if gerr == nil {
			mode = "gpu"
			return out, nil
		}
		reason := "error"
		if qerrors.Is(gerr, breaker.ErrOpenState) || qerrors.Is(gerr, breaker.ErrTooManyRequests) {
			reason = "breaker_open"
		} else {
			b.logger.Warn().Err(gerr).Int("queries", len(vectors)).Msg("GPU batch search failed, falling back to CPU")
		}
		metrics.GPUFallbacksTotal.WithLabelValues(reason).Inc()
	}

	out := make([][]Result, len(vectors))
	if len(vectors) == 1 || b.workers <= 1 {
		for i, v := range vectors {
			out[i] = b.scan(simd.Sanitized(v), k, nil)
		}
		return out, nil
	}
	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, v := range vectors {
		g.Go(func() error {
			out[i] = b.scanRange(simd.Sanitized(v), k, nil, 0, len(b.ids))
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (b *BruteForceIndex) useGPU(queries int) bool {
	return b.cfg.GPU != nil &&
		distance.IsEuclidean(b.metric) &&
		b.dim >= b.cfg.GPUMinDim &&
		queries >= b.cfg.GPUMinBatch
}

func (b *BruteForceIndex) searchGPU(vectors [][]float32, k int) ([][]Result, error) {
	flat := make([]float32, 0, len(vectors)*b.dim)
	for _, v := range vectors {
		flat = append(flat, v...)
	}

	var matrix []float32
	err := b.breaker.Do(func() error {
		var err error
		matrix, err = b.cfg.GPU.DistanceMatrix(flat, b.data, b.dim)
		return err
	})
	if err != nil {
		return nil, err
	}

	n := len(b.ids)
	out := make([][]Result, len(vectors))
	for q := range vectors {
		h := newTopK(k)
		for i, d := range matrix[q*n : (q+1)*n] {
			h.Push(Result{ID: b.ids[i], Distance: distance.Clamp(d)})
		}
		out[q] = h.Sorted()
	}
	return out, nil
}

// State copies the index contents for persistence.
func (b *BruteForceIndex) State() *storage.IndexState {
	st := &storage.IndexState{
		Backend:   b.Kind().String(),
		Dimension: b.dim,
		Metric:    b.metric.Name(),
		IDs:       append([]int64(nil), b.ids...),
		Vectors:   make([][]float32, len(b.ids)),
	}
	for i := range b.ids {
		st.Vectors[i] = append([]float32(nil), b.row(i)...)
	}
	return st
}
