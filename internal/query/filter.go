package query

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Predicate reports whether a candidate id may appear in search results.
// Implementations must be pure and safe for concurrent use.
type Predicate func(id int64) bool

// AcceptAll is the predicate of an unfiltered search.
func AcceptAll(int64) bool { return true }

// Filter is a composable id filter.
type Filter interface {
	Accepts(id int64) bool
	String() string
}

// PredicateOf adapts f for SearchFiltered. A nil filter accepts everything.
func PredicateOf(f Filter) Predicate {
	if f == nil {
		return AcceptAll
	}
	return f.Accepts
}

type idRange struct{ min, max int64 }

// IDRange accepts ids in the closed interval [min, max]. An inverted range
// accepts nothing.
func IDRange(min, max int64) Filter { return idRange{min: min, max: max} }

func (r idRange) Accepts(id int64) bool { return id >= r.min && id <= r.max }
func (r idRange) String() string        { return fmt.Sprintf("range[%d,%d]", r.min, r.max) }

// IDSetFilter accepts the ids of a bitmap. Ids are stored as their uint64
// bit pattern so negative ids are supported.
type IDSetFilter struct {
	bm *roaring64.Bitmap
}

// IDSet builds a set filter from ids.
func IDSet(ids ...int64) *IDSetFilter {
	bm := roaring64.New()
	for _, id := range ids {
		bm.Add(uint64(id))
	}
	bm.RunOptimize()
	return &IDSetFilter{bm: bm}
}

// IDSetFromBitmap wraps bm without copying. bm must not be modified
// afterwards.
func IDSetFromBitmap(bm *roaring64.Bitmap) *IDSetFilter {
	if bm == nil {
		bm = roaring64.New()
	}
	return &IDSetFilter{bm: bm}
}

func (s *IDSetFilter) Accepts(id int64) bool { return s.bm.Contains(uint64(id)) }

// Len returns the number of ids in the set.
func (s *IDSetFilter) Len() uint64 { return s.bm.GetCardinality() }

func (s *IDSetFilter) String() string { return fmt.Sprintf("set(%d ids)", s.bm.GetCardinality()) }

type and []Filter

// And accepts ids accepted by every filter. With no filters it accepts
// everything.
func And(filters ...Filter) Filter { return and(compact(filters)) }

func (a and) Accepts(id int64) bool {
	for _, f := range a {
		if !f.Accepts(id) {
			return false
		}
	}
	return true
}

func (a and) String() string { return join("and", a) }

type or []Filter

// Or accepts ids accepted by any filter. With no filters it accepts nothing.
func Or(filters ...Filter) Filter { return or(compact(filters)) }

func (o or) Accepts(id int64) bool {
	for _, f := range o {
		if f.Accepts(id) {
			return true
		}
	}
	return false
}

func (o or) String() string { return join("or", o) }

type not struct{ f Filter }

// Not inverts f. Not(nil) accepts nothing.
func Not(f Filter) Filter { return not{f: f} }

func (n not) Accepts(id int64) bool { return n.f != nil && !n.f.Accepts(id) }

func (n not) String() string {
	if n.f == nil {
		return "not(all)"
	}
	return "not(" + n.f.String() + ")"
}

func compact(filters []Filter) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func join(op string, filters []Filter) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return op + "(" + strings.Join(parts, ",") + ")"
}
