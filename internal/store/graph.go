package store

import (
	"container/heap"
	"math"
	"math/rand"
)

// maxGraphLevel caps the random level so a degenerate draw cannot allocate
// hundreds of empty layers.
const maxGraphLevel = 16

// graphNode is one vector in the layered graph. links[l] holds the
// out-neighbours on level l; a node lives on levels 0..len(links)-1.
type graphNode struct {
	vec   []float32
	links [][]int64
}

func (n *graphNode) level() int { return len(n.links) - 1 }

// layeredGraph is a hierarchical navigable small world graph keyed by id.
// Layer searches keep an ef-wide beam and stop only when the nearest
// unexpanded candidate is farther than the worst retained result.
type layeredGraph struct {
	m              int
	ml             float64
	efConstruction int
	dist           func(a, b []float32) float32
	rng            *rand.Rand

	nodes    map[int64]*graphNode
	entry    int64
	hasEntry bool
	top      int
}

func newLayeredGraph(m int, ml float64, efConstruction int, seed int64, dist func(a, b []float32) float32) *layeredGraph {
	return &layeredGraph{
		m:              m,
		ml:             ml,
		efConstruction: efConstruction,
		dist:           dist,
		rng:            rand.New(rand.NewSource(seed)),
		nodes:          make(map[int64]*graphNode),
	}
}

func (g *layeredGraph) Len() int { return len(g.nodes) }

// maxLinks is the out-degree bound: 2M on the base layer, M above it.
func (g *layeredGraph) maxLinks(level int) int {
	if level == 0 {
		return 2 * g.m
	}
	return g.m
}

func (g *layeredGraph) randomLevel() int {
	// 1-Float64 is in (0, 1], so the log is finite
	l := int(math.Floor(-math.Log(1-g.rng.Float64()) * g.ml))
	return min(l, maxGraphLevel)
}

// candidateHeap is a min-heap in (distance, id) order.
type candidateHeap []Result

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(Result)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer runs a beam search of width ef on one level starting from
// entries and returns up to ef results in ascending order.
func (g *layeredGraph) searchLayer(q []float32, entries []Result, ef, level int) []Result {
	visited := make(map[int64]struct{}, min(ef, 1024)*4)
	cands := make(candidateHeap, 0, min(ef, 1024))
	best := newTopK(ef)
	for _, e := range entries {
		if _, seen := visited[e.ID]; seen {
			continue
		}
		visited[e.ID] = struct{}{}
		heap.Push(&cands, e)
		best.Push(e)
	}

	for cands.Len() > 0 {
		c := heap.Pop(&cands).(Result)
		if worst, full := best.Bound(); full && less(worst, c) {
			break
		}
		node := g.nodes[c.ID]
		if node == nil || level > node.level() {
			continue
		}
		for _, nid := range node.links[level] {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}
			nb := g.nodes[nid]
			if nb == nil {
				continue
			}
			r := Result{ID: nid, Distance: g.dist(q, nb.vec)}
			if worst, full := best.Bound(); !full || less(r, worst) {
				heap.Push(&cands, r)
				best.Push(r)
			}
		}
	}
	return best.Sorted()
}

// Search returns up to ef nearest nodes to q in ascending order.
func (g *layeredGraph) Search(q []float32, ef int) []Result {
	if !g.hasEntry {
		return nil
	}
	ep := []Result{{ID: g.entry, Distance: g.dist(q, g.nodes[g.entry].vec)}}
	for l := g.top; l > 0; l-- {
		ep = g.searchLayer(q, ep, 1, l)
	}
	return g.searchLayer(q, ep, ef, 0)
}

// Insert adds id with vector vec. The caller guarantees id is new.
func (g *layeredGraph) Insert(id int64, vec []float32) {
	level := g.randomLevel()
	node := &graphNode{vec: vec, links: make([][]int64, level+1)}
	if !g.hasEntry {
		g.nodes[id] = node
		g.entry, g.top, g.hasEntry = id, level, true
		return
	}

	ep := []Result{{ID: g.entry, Distance: g.dist(vec, g.nodes[g.entry].vec)}}
	for l := g.top; l > level; l-- {
		ep = g.searchLayer(vec, ep, 1, l)
	}
	g.nodes[id] = node
	for l := min(level, g.top); l >= 0; l-- {
		found := g.searchLayer(vec, ep, g.efConstruction, l)
		keep := found
		if len(keep) > g.m {
			keep = keep[:g.m]
		}
		node.links[l] = make([]int64, 0, len(keep))
		for _, r := range keep {
			node.links[l] = append(node.links[l], r.ID)
			g.link(r.ID, id, l)
		}
		ep = found
	}
	if level > g.top {
		g.entry, g.top = id, level
	}
}

// link adds to as an out-neighbour of from on level, pruning to the closest
// maxLinks when the list overflows.
func (g *layeredGraph) link(from, to int64, level int) {
	n := g.nodes[from]
	if n == nil || level > n.level() {
		return
	}
	n.links[level] = append(n.links[level], to)
	if len(n.links[level]) > g.maxLinks(level) {
		n.links[level] = g.closest(n.vec, n.links[level], g.maxLinks(level))
	}
}

// closest returns the limit ids nearest to vec, in ascending order.
func (g *layeredGraph) closest(vec []float32, ids []int64, limit int) []int64 {
	rs := make([]Result, 0, len(ids))
	for _, id := range ids {
		if nb := g.nodes[id]; nb != nil {
			rs = append(rs, Result{ID: id, Distance: g.dist(vec, nb.vec)})
		}
	}
	sortResults(rs)
	if len(rs) > limit {
		rs = rs[:limit]
	}
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// Delete unlinks every id in drop. Nodes that lose a neighbour are
// reconnected through the removed node's own neighbours on that level, and
// the entry point moves to the highest remaining node.
func (g *layeredGraph) Delete(drop map[int64]struct{}) {
	gone := make(map[int64]*graphNode, len(drop))
	for id := range drop {
		if n, ok := g.nodes[id]; ok {
			gone[id] = n
			delete(g.nodes, id)
		}
	}
	if len(gone) == 0 {
		return
	}

	for id, n := range g.nodes {
		for l, links := range n.links {
			var lost []int64
			kept := links[:0]
			for _, nid := range links {
				if _, ok := gone[nid]; ok {
					lost = append(lost, nid)
					continue
				}
				kept = append(kept, nid)
			}
			if len(lost) == 0 {
				continue
			}
			pool := append([]int64(nil), kept...)
			for _, rid := range lost {
				r := gone[rid]
				if l > r.level() {
					continue
				}
				for _, cand := range r.links[l] {
					if cand == id || g.nodes[cand] == nil {
						continue
					}
					pool = append(pool, cand)
				}
			}
			n.links[l] = g.closest(n.vec, dedupe(pool), g.maxLinks(l))
		}
	}

	if _, ok := gone[g.entry]; ok {
		g.resetEntry()
	}
}

func (g *layeredGraph) resetEntry() {
	g.hasEntry, g.top = false, 0
	for id, n := range g.nodes {
		if !g.hasEntry || n.level() > g.top || (n.level() == g.top && id < g.entry) {
			g.entry, g.top, g.hasEntry = id, n.level(), true
		}
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
