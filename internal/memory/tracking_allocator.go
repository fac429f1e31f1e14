package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TrackingAllocator wraps a device allocator and counts the bytes it hands
// out, so pool bookkeeping can be checked against what the device holds.
type TrackingAllocator struct {
	memory.Allocator
	BytesAllocated atomic.Int64
	BytesFreed     atomic.Int64
}

// NewTrackingAllocator wraps base. If base is nil a Go allocator is used.
func NewTrackingAllocator(base memory.Allocator) *TrackingAllocator {
	if base == nil {
		base = memory.NewGoAllocator()
	}
	return &TrackingAllocator{Allocator: base}
}

func (a *TrackingAllocator) Allocate(size int) []byte {
	a.BytesAllocated.Add(int64(size))
	return a.Allocator.Allocate(size)
}

func (a *TrackingAllocator) Reallocate(size int, b []byte) []byte {
	a.BytesFreed.Add(int64(len(b)))
	a.BytesAllocated.Add(int64(size))
	return a.Allocator.Reallocate(size, b)
}

func (a *TrackingAllocator) Free(b []byte) {
	a.BytesFreed.Add(int64(len(b)))
	a.Allocator.Free(b)
}

// Outstanding returns bytes allocated and not yet freed.
func (a *TrackingAllocator) Outstanding() int64 {
	return a.BytesAllocated.Load() - a.BytesFreed.Load()
}

// Ensure interface satisfaction
var _ memory.Allocator = (*TrackingAllocator)(nil)
