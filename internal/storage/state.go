// Package storage persists index snapshots. A snapshot is an IndexState
// encoded by a Codec and written atomically next to its final path.
package storage

import (
	"fmt"
	"math"

	qerrors "github.com/23skdu/quiver/internal/errors"
)

// HNSWParams are the graph parameters of an approximate index snapshot.
type HNSWParams struct {
	M              int
	Ml             float64
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// Upper bounds on graph parameters. Zero means "use the default".
const (
	MaxGraphDegree = 1 << 12
	MaxGraphEf     = 1 << 20
	MaxGraphMl     = 16
)

// Validate checks the parameters are within the ranges an index accepts.
func (p HNSWParams) Validate() error {
	const op = "validate_snapshot"
	switch {
	case p.M < 0 || p.M > MaxGraphDegree:
		return qerrors.Corrupt(op, fmt.Sprintf("graph degree %d out of range [0, %d]", p.M, MaxGraphDegree))
	case p.EfConstruction < 0 || p.EfConstruction > MaxGraphEf:
		return qerrors.Corrupt(op, fmt.Sprintf("ef_construction %d out of range [0, %d]", p.EfConstruction, MaxGraphEf))
	case p.EfSearch < 0 || p.EfSearch > MaxGraphEf:
		return qerrors.Corrupt(op, fmt.Sprintf("ef_search %d out of range [0, %d]", p.EfSearch, MaxGraphEf))
	case math.IsNaN(p.Ml) || p.Ml < 0 || p.Ml > MaxGraphMl:
		return qerrors.Corrupt(op, fmt.Sprintf("level factor %g out of range [0, %d]", p.Ml, MaxGraphMl))
	}
	return nil
}

// IndexState is the persisted form of an index. Vectors[i] belongs to
// IDs[i]; order is insertion order.
type IndexState struct {
	Backend   string
	Dimension int
	Metric    string
	HNSW      HNSWParams
	IDs       []int64
	Vectors   [][]float32
}

// Len returns the number of stored vectors.
func (s *IndexState) Len() int { return len(s.IDs) }

// Validate rejects states that cannot describe an index.
func (s *IndexState) Validate() error {
	const op = "validate_snapshot"
	switch {
	case s == nil:
		return qerrors.Corrupt(op, "missing state")
	case s.Dimension <= 0:
		return qerrors.Corrupt(op, fmt.Sprintf("dimension must be positive, got %d", s.Dimension))
	case s.Metric == "":
		return qerrors.Corrupt(op, "metric name is empty")
	case s.Backend == "":
		return qerrors.Corrupt(op, "backend name is empty")
	case len(s.IDs) != len(s.Vectors):
		return qerrors.Corrupt(op, fmt.Sprintf("%d ids but %d vectors", len(s.IDs), len(s.Vectors)))
	}
	if err := s.HNSW.Validate(); err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(s.IDs))
	for i, id := range s.IDs {
		if _, dup := seen[id]; dup {
			return qerrors.Corrupt(op, fmt.Sprintf("duplicate id %d", id)).WithContext("position", i)
		}
		seen[id] = struct{}{}
		if len(s.Vectors[i]) != s.Dimension {
			return qerrors.Corrupt(op, fmt.Sprintf("vector %d has %d components, want %d", i, len(s.Vectors[i]), s.Dimension)).
				WithContext("id", id)
		}
	}
	return nil
}
