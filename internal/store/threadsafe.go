package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/query"
	"github.com/23skdu/quiver/internal/security"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/rs/zerolog"
)

// ThreadSafeIndex shares an Index between goroutines. Mutations take the
// write lock, searches share the read lock.
//
// A panic inside a mutation is returned as ErrInternal and poisons the
// wrapper. The next caller repairs the index and receives ErrLockRecovered
// once; later calls proceed normally.
type ThreadSafeIndex struct {
	mu       sync.RWMutex
	inner    Index
	poisoned bool
	logger   zerolog.Logger
}

var _ Index = (*ThreadSafeIndex)(nil)

// NewThreadSafe wraps idx.
func NewThreadSafe(idx Index, logger zerolog.Logger) *ThreadSafeIndex {
	return &ThreadSafeIndex{inner: idx, logger: logging.Component(logger, "index")}
}

func (t *ThreadSafeIndex) lock() {
	start := time.Now()
	t.mu.Lock()
	metrics.IndexLockWaitDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
}

func (t *ThreadSafeIndex) rlock() {
	start := time.Now()
	t.mu.RLock()
	metrics.IndexLockWaitDuration.WithLabelValues("read").Observe(time.Since(start).Seconds())
}

// recoverLocked repairs a poisoned index. Callers hold the write lock.
func (t *ThreadSafeIndex) recoverLocked(op string) error {
	if r, ok := t.inner.(Repairer); ok {
		if err := r.Repair(); err != nil {
			t.logger.Error().Err(err).Str("op", op).Msg("index repair failed")
			return qerrors.Internal(op, err)
		}
	}
	t.poisoned = false
	metrics.LockRecoveriesTotal.Inc()
	t.logger.Warn().Str("op", op).Int("len", t.inner.Len()).Msg("index recovered after panic")
	return qerrors.LockRecovered(op)
}

func (t *ThreadSafeIndex) write(op string, fn func(Index) error) (err error) {
	t.lock()
	defer t.mu.Unlock()
	if t.poisoned {
		return t.recoverLocked(op)
	}
	defer func() {
		if r := recover(); r != nil {
			t.poisoned = true
			metrics.PanicsRecoveredTotal.WithLabelValues(op).Inc()
			t.logger.Error().Interface("recover", r).Str("op", op).Msg("PANIC during index mutation")
			err = qerrors.Internal(op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(t.inner)
}

func (t *ThreadSafeIndex) read(op string, fn func(Index) error) (err error) {
	t.rlock()
	if t.poisoned {
		t.mu.RUnlock()
		t.lock()
		var rerr error
		if t.poisoned {
			rerr = t.recoverLocked(op)
		}
		t.mu.Unlock()
		if rerr != nil {
			return rerr
		}
		t.rlock()
	}
	defer t.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecoveredTotal.WithLabelValues(op).Inc()
			t.logger.Error().Interface("recover", r).Str("op", op).Msg("PANIC during index read")
			err = qerrors.Internal(op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(t.inner)
}

// Inner returns the wrapped index. Callers must not use it concurrently
// with the wrapper.
func (t *ThreadSafeIndex) Inner() Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner
}

// Poisoned reports whether a mutation panicked and no caller has repaired
// the index yet.
func (t *ThreadSafeIndex) Poisoned() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.poisoned
}

func (t *ThreadSafeIndex) Kind() BackendKind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner.Kind()
}

func (t *ThreadSafeIndex) Dimension() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner.Dimension()
}

func (t *ThreadSafeIndex) Metric() distance.Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner.Metric()
}

func (t *ThreadSafeIndex) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner.Len()
}

func (t *ThreadSafeIndex) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inner.Version()
}

// Contains does not repair a poisoned index; the recovery is left for the
// next call that can report it.
func (t *ThreadSafeIndex) Contains(id int64) bool {
	t.rlock()
	defer t.mu.RUnlock()
	return t.inner.Contains(id)
}

func (t *ThreadSafeIndex) Add(entries []Entry) error {
	return t.write("add", func(idx Index) error { return idx.Add(entries) })
}

func (t *ThreadSafeIndex) AddWithProgress(entries []Entry, progress ProgressFunc) error {
	return t.write("add", func(idx Index) error { return idx.AddWithProgress(entries, progress) })
}

func (t *ThreadSafeIndex) Remove(ids []int64) (int, error) {
	var n int
	err := t.write("remove", func(idx Index) error {
		var err error
		n, err = idx.Remove(ids)
		return err
	})
	return n, err
}

func (t *ThreadSafeIndex) Update(id int64, vector []float32) error {
	return t.write("update", func(idx Index) error { return idx.Update(id, vector) })
}

// SetEfSearch tunes the query breadth of an approximate index.
func (t *ThreadSafeIndex) SetEfSearch(ef int) error {
	return t.write("set_ef_search", func(idx Index) error {
		h, ok := idx.(*HNSWIndex)
		if !ok {
			return qerrors.InvalidInput("set_ef_search", fmt.Sprintf("%s index has no search breadth", idx.Kind()))
		}
		return h.SetEfSearch(ef)
	})
}

func (t *ThreadSafeIndex) Search(vector []float32, k int) ([]Result, error) {
	var res []Result
	err := t.read("search", func(idx Index) error {
		var err error
		res, err = idx.Search(vector, k)
		return err
	})
	return res, err
}

func (t *ThreadSafeIndex) SearchBatch(vectors [][]float32, k int) ([][]Result, error) {
	var res [][]Result
	err := t.read("search_batch", func(idx Index) error {
		var err error
		res, err = idx.SearchBatch(vectors, k)
		return err
	})
	return res, err
}

func (t *ThreadSafeIndex) SearchFiltered(vector []float32, k int, pred query.Predicate) ([]Result, error) {
	var res []Result
	err := t.read("search_filtered", func(idx Index) error {
		var err error
		res, err = idx.SearchFiltered(vector, k, pred)
		return err
	})
	return res, err
}

// State returns nil while the index is poisoned. Save repairs first and
// reports ErrLockRecovered instead.
func (t *ThreadSafeIndex) State() *storage.IndexState {
	t.rlock()
	defer t.mu.RUnlock()
	if t.poisoned {
		t.logger.Warn().Msg("state requested from a poisoned index")
		return nil
	}
	return t.inner.State()
}

// Save snapshots the index under the read lock and writes it to path.
func (t *ThreadSafeIndex) Save(path string, codec storage.Codec, v security.PathValidator) error {
	var st *storage.IndexState
	if err := t.read("save", func(idx Index) error {
		st = idx.State()
		return nil
	}); err != nil {
		return err
	}
	if st == nil {
		return qerrors.New(qerrors.ErrorTypeInternal, "save", "index produced no state")
	}
	return storage.Save(path, st, codec, v)
}

// Load replaces the wrapped index with the snapshot at path. The current
// index is kept if loading fails.
func (t *ThreadSafeIndex) Load(path string, codec storage.Codec, v security.PathValidator, opts LoadOptions) error {
	loaded, err := Load(path, codec, v, opts)
	if err != nil {
		return err
	}
	t.lock()
	defer t.mu.Unlock()
	t.inner = loaded
	t.poisoned = false
	return nil
}
