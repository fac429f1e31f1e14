package memory

import (
	"runtime"
	"sync"

	"github.com/23skdu/quiver/internal/metrics"
)

// ManagedBuffer is a borrowed pool buffer. While held, the pool never hands
// the same bytes to another caller. Release returns it; a finalizer returns
// handles that were dropped without Release.
type ManagedBuffer struct {
	pool *Pool
	dev  *devicePool
	key  bufferKey
	once sync.Once
	buf  []byte
}

// Bytes returns the buffer contents. Contents are not zeroed on reuse. The
// slice must not be used after Release.
func (m *ManagedBuffer) Bytes() []byte { return m.buf }

// Len returns the buffer size in bytes.
func (m *ManagedBuffer) Len() int { return m.key.size }

// Device returns the owning device id.
func (m *ManagedBuffer) Device() int { return m.dev.id }

// Precision returns the precision the buffer was requested with.
func (m *ManagedBuffer) Precision() Precision { return m.key.precision }

// Release returns the buffer to its pool. It is safe to call more than once.
func (m *ManagedBuffer) Release() {
	m.once.Do(func() {
		runtime.SetFinalizer(m, nil)
		buf := m.buf
		m.buf = nil
		m.pool.release(m.dev, m.key, buf)
	})
}

func (m *ManagedBuffer) finalize() {
	metrics.LeakedBuffersTotal.Inc()
	m.Release()
}

// BufferBatch groups buffers borrowed on one device so they can be returned
// together.
type BufferBatch struct {
	pool    *Pool
	device  int
	buffers []*ManagedBuffer
}

// NewBatch starts an empty batch for device.
func (p *Pool) NewBatch(device int) *BufferBatch {
	return &BufferBatch{pool: p, device: device}
}

// Get borrows a buffer and adds it to the batch.
func (b *BufferBatch) Get(size int, precision Precision) (*ManagedBuffer, error) {
	mb, err := b.pool.GetManagedBuffer(b.device, size, precision)
	if err != nil {
		return nil, err
	}
	b.buffers = append(b.buffers, mb)
	return mb, nil
}

// Buffer returns the i-th buffer of the batch.
func (b *BufferBatch) Buffer(i int) (*ManagedBuffer, bool) {
	if i < 0 || i >= len(b.buffers) {
		return nil, false
	}
	return b.buffers[i], true
}

// Len returns the number of buffers in the batch.
func (b *BufferBatch) Len() int { return len(b.buffers) }

// Release returns every buffer of the batch.
func (b *BufferBatch) Release() {
	for _, mb := range b.buffers {
		mb.Release()
	}
	b.buffers = nil
}
