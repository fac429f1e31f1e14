// Package store implements the vector indexes: an exact brute-force index
// with optional GPU offload, an approximate HNSW index, and a thread-safe
// wrapper that shares either between goroutines.
package store

import (
	"fmt"
	"sort"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/query"
	"github.com/23skdu/quiver/internal/storage"
)

// Entry is one vector to insert.
type Entry struct {
	ID     int64
	Vector []float32
}

// Result is one search hit.
type Result struct {
	ID       int64
	Distance float32
}

// ProgressFunc receives the number of entries inserted so far and the batch
// size. It is called on the inserting goroutine.
type ProgressFunc func(done, total int)

// Index is implemented by every index backend.
type Index interface {
	Kind() BackendKind
	Dimension() int
	Metric() distance.Metric
	Len() int
	// Version increases with every successful mutation.
	Version() uint64

	Add(entries []Entry) error
	AddWithProgress(entries []Entry, progress ProgressFunc) error
	// Remove deletes the given ids and returns how many were present.
	// Missing ids are ignored.
	Remove(ids []int64) (int, error)
	Update(id int64, vector []float32) error
	Contains(id int64) bool

	Search(vector []float32, k int) ([]Result, error)
	SearchBatch(vectors [][]float32, k int) ([][]Result, error)
	SearchFiltered(vector []float32, k int, pred query.Predicate) ([]Result, error)

	// State captures the persisted form of the index.
	State() *storage.IndexState
}

// Repairer is implemented by indexes that can rebuild derived structures
// after an interrupted mutation.
type Repairer interface {
	Repair() error
}

// sortResults orders by ascending distance, ties by ascending id.
func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool { return less(rs[i], rs[j]) })
}

func less(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// validateBatch checks a batch against the dimension and the ids already
// present. Nothing is inserted unless every entry passes.
func validateBatch(op string, dim int, entries []Entry, exists func(int64) bool) error {
	if len(entries) == 0 {
		return qerrors.InvalidInput(op, "empty batch")
	}
	seen := make(map[int64]struct{}, len(entries))
	for i, e := range entries {
		if len(e.Vector) != dim {
			return qerrors.DimensionMismatch(op, dim, len(e.Vector)).WithContext("position", i)
		}
		if _, dup := seen[e.ID]; dup || exists(e.ID) {
			return qerrors.DuplicateID(op, e.ID).WithContext("position", i)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func validateQuery(op string, dim int, vector []float32, k int) error {
	if k <= 0 {
		return qerrors.InvalidInput(op, fmt.Sprintf("k must be positive, got %d", k))
	}
	if len(vector) != dim {
		return qerrors.DimensionMismatch(op, dim, len(vector))
	}
	return nil
}
