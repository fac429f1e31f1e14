package store

import "container/heap"

// topK is a bounded max-heap that keeps the k best results seen so far.
// The root is the worst retained result and is evicted first.
type topK struct {
	items []Result
	k     int
}

func newTopK(k int) *topK {
	capacity := k
	if capacity > 1024 {
		capacity = 1024
	}
	return &topK{items: make([]Result, 0, capacity), k: k}
}

func (h *topK) Len() int { return len(h.items) }

// worse is the max-heap order: larger distance first, then larger id.
func (h *topK) worse(i, j int) bool { return less(h.items[j], h.items[i]) }

// Push offers r to the heap.
func (h *topK) Push(r Result) {
	if len(h.items) < h.k {
		h.items = append(h.items, r)
		h.bubbleUp(len(h.items) - 1)
		return
	}
	if less(r, h.items[0]) {
		h.items[0] = r
		h.bubbleDown(0)
	}
}

// Bound returns the worst retained distance once the heap is full.
func (h *topK) Bound() (Result, bool) {
	if len(h.items) < h.k {
		return Result{}, false
	}
	return h.items[0], true
}

// Sorted drains the heap into ascending (distance, id) order.
func (h *topK) Sorted() []Result {
	out := make([]Result, len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.items[0]
		last := len(h.items) - 1
		h.items[0] = h.items[last]
		h.items = h.items[:last]
		if last > 0 {
			h.bubbleDown(0)
		}
	}
	return out
}

func (h *topK) bubbleUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !h.worse(idx, parent) {
			break
		}
		h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
		idx = parent
	}
}

func (h *topK) bubbleDown(idx int) {
	n := len(h.items)
	for {
		left := 2*idx + 1
		right := left + 1
		largest := idx

		if left < n && h.worse(left, largest) {
			largest = left
		}
		if right < n && h.worse(right, largest) {
			largest = right
		}
		if largest == idx {
			return
		}
		h.items[idx], h.items[largest] = h.items[largest], h.items[idx]
		idx = largest
	}
}

// mergeItem is a cursor into one sorted partial list.
type mergeItem struct {
	result Result
	source int
	pos    int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return less(h[i].result, h[j].result) }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeSorted k-way merges lists that are each sorted by (distance, id) and
// returns the first k results. The output does not depend on how the
// candidates were partitioned.
func mergeSorted(lists [][]Result, k int) []Result {
	h := make(mergeHeap, 0, len(lists))
	total := 0
	for i, l := range lists {
		total += len(l)
		if len(l) > 0 {
			h = append(h, mergeItem{result: l[0], source: i})
		}
	}
	heap.Init(&h)
	if total > k {
		total = k
	}

	out := make([]Result, 0, total)
	for h.Len() > 0 && len(out) < k {
		item := heap.Pop(&h).(mergeItem)
		out = append(out, item.result)
		if next := item.pos + 1; next < len(lists[item.source]) {
			heap.Push(&h, mergeItem{result: lists[item.source][next], source: item.source, pos: next})
		}
	}
	return out
}
