// Package gpu offloads batched Euclidean distance computation to one or more
// devices. Corpus data is split across devices, staged in pooled buffers,
// processed by a fixed-function kernel and gathered into a host matrix.
package gpu

import (
	"fmt"
	"strconv"
	"time"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BackendConfig configures a Backend.
type BackendConfig struct {
	// Devices to use. Empty means every device of the runtime.
	Devices   []int
	Precision memory.Precision
	// PoolBytesPerDevice caps the pool ceiling of each device. Zero uses
	// the device memory reported by the runtime.
	PoolBytesPerDevice int
	Logger             zerolog.Logger
}

// DefaultBackendConfig returns sensible defaults
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Precision: memory.FP32,
		Logger:    logging.DiscardLogger(),
	}
}

// Backend dispatches distance kernels across devices.
type Backend struct {
	cfg     BackendConfig
	runtime Runtime
	pool    *memory.Pool
	devices []int
	logger  zerolog.Logger
}

// NewBackend validates the device set against the runtime and configures
// the pool ceiling of each device.
func NewBackend(cfg BackendConfig, rt Runtime, pool *memory.Pool) (*Backend, error) {
	const op = "new_gpu_backend"
	if rt == nil {
		return nil, qerrors.Wrap(ErrGPUNotAvailable, qerrors.ErrorTypeUnsupportedBackend, op, "no device runtime")
	}
	if pool == nil {
		return nil, qerrors.InvalidInput(op, "memory pool is required")
	}
	if !cfg.Precision.Valid() {
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("unknown precision %d", cfg.Precision))
	}
	if rt.DeviceCount() == 0 {
		return nil, qerrors.Wrap(ErrGPUNotAvailable, qerrors.ErrorTypeUnsupportedBackend, op, "runtime reports no devices")
	}

	devices := cfg.Devices
	if len(devices) == 0 {
		for i := 0; i < rt.DeviceCount(); i++ {
			devices = append(devices, i)
		}
	}
	logger := logging.Component(cfg.Logger, "gpu")
	for _, id := range devices {
		info, err := rt.Device(id)
		if err != nil {
			return nil, err
		}
		if !info.Supports(cfg.Precision) {
			return nil, qerrors.InvalidInput(op, fmt.Sprintf("device %d has no %s kernel", id, cfg.Precision))
		}
		ceiling := info.MemoryBytes
		if cfg.PoolBytesPerDevice > 0 && cfg.PoolBytesPerDevice < ceiling {
			ceiling = cfg.PoolBytesPerDevice
		}
		if err := pool.SetMaxPoolSize(id, ceiling); err != nil {
			return nil, err
		}
		logger.Info().
			Int("device", id).
			Str("name", info.Name).
			Int("memory_bytes", info.MemoryBytes).
			Int("pool_bytes", ceiling).
			Msg("GPU device ready")
	}

	return &Backend{
		cfg:     cfg,
		runtime: rt,
		pool:    pool,
		devices: append([]int(nil), devices...),
		logger:  logger,
	}, nil
}

// Devices returns the device ids in use.
func (b *Backend) Devices() []int { return append([]int(nil), b.devices...) }

// Precision returns the kernel precision.
func (b *Backend) Precision() memory.Precision { return b.cfg.Precision }

// Pool returns the shared memory pool.
func (b *Backend) Pool() *memory.Pool { return b.pool }

// MemoryStats returns the pool statistics of a device.
func (b *Backend) MemoryStats(device int) (memory.DeviceStats, bool) {
	return b.pool.Stats(device)
}

// DistanceMatrix returns the Euclidean distance between every query and
// every corpus vector, row-major by query. Queries and corpus are flat
// arrays of dim-length vectors. An allocation failure triggers one
// emergency cleanup of the involved devices and one retry.
func (b *Backend) DistanceMatrix(queries, corpus []float32, dim int) ([]float32, error) {
	const op = "distance_matrix"
	switch {
	case dim <= 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("dimension must be positive, got %d", dim))
	case len(queries) == 0 || len(corpus) == 0:
		return nil, qerrors.InvalidInput(op, "queries and corpus must be non-empty")
	case len(queries)%dim != 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("query data of length %d is not a multiple of dimension %d", len(queries), dim))
	case len(corpus)%dim != 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("corpus data of length %d is not a multiple of dimension %d", len(corpus), dim))
	}

	nq, nc := len(queries)/dim, len(corpus)/dim
	if _, ok := mulChecked(nq, nc); !ok {
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("%dx%d distance matrix is too large", nq, nc))
	}

	start := time.Now()
	conv, err := ConvertData(queries, corpus, b.cfg.Precision)
	if err != nil {
		return nil, err
	}

	out, err := b.dispatch(conv, nq, nc, dim)
	if qerrors.Is(err, qerrors.ErrAllocation) {
		freed := 0
		for _, dev := range b.devices {
			freed += b.pool.EmergencyCleanup(dev)
		}
		metrics.GPURetriesTotal.Inc()
		b.logger.Warn().Err(err).Int("freed_bytes", freed).Msg("device allocation failed, retrying after cleanup")
		out, err = b.dispatch(conv, nq, nc, dim)
	}
	if err != nil {
		return nil, err
	}
	metrics.GPUKernelDurationSeconds.WithLabelValues(b.cfg.Precision.String()).Observe(time.Since(start).Seconds())
	return out, nil
}

func (b *Backend) dispatch(conv *Converted, nq, nc, dim int) ([]float32, error) {
	stride := dim * conv.Precision.ElementSize()
	chunks, err := DistributeAligned(conv.Corpus, b.devices, stride)
	if err != nil {
		return nil, err
	}

	out := make([]float32, nq*nc)
	var g errgroup.Group
	for _, c := range chunks {
		g.Go(func() error {
			return b.runChunk(c, conv, out, nq, nc, dim)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// runChunk stages one chunk on its device, launches the kernel and copies
// the partial matrix into columns [first, first+nv) of out.
func (b *Backend) runChunk(c Chunk, conv *Converted, out []float32, nq, nc, dim int) error {
	label := strconv.Itoa(c.Device)
	prec := conv.Precision.String()
	stride := dim * conv.Precision.ElementSize()
	nv := c.Len() / stride
	first := c.Start / stride

	batch := b.pool.NewBatch(c.Device)
	defer batch.Release()

	qbuf, err := batch.Get(len(conv.Queries), conv.Precision)
	if err != nil {
		return err
	}
	cbuf, err := batch.Get(c.Len(), conv.Precision)
	if err != nil {
		return err
	}
	obuf, err := batch.Get(nq*nv*4, memory.FP32)
	if err != nil {
		return err
	}
	copy(qbuf.Bytes(), conv.Queries)
	copy(cbuf.Bytes(), c.Data)
	metrics.GPUBytesTransferredTotal.WithLabelValues(label).Add(float64(len(conv.Queries) + c.Len()))

	k := &L2Kernel{
		Precision:  conv.Precision,
		Queries:    qbuf.Bytes(),
		Corpus:     cbuf.Bytes(),
		Out:        obuf.Bytes(),
		NumQueries: nq,
		NumVectors: nv,
		Dim:        dim,
		Scale:      conv.Scale,
	}
	if err := b.runtime.Launch(c.Device, k); err != nil {
		metrics.GPUKernelLaunchesTotal.WithLabelValues(label, prec, "error").Inc()
		return err
	}
	metrics.GPUKernelLaunchesTotal.WithLabelValues(label, prec, "ok").Inc()

	partial, err := asFloat32(obuf.Bytes())
	if err != nil {
		return err
	}
	for q := 0; q < nq; q++ {
		copy(out[q*nc+first:q*nc+first+nv], partial[q*nv:(q+1)*nv])
	}
	return nil
}

// Warmup launches a one-element kernel on device so the first real batch
// does not pay for buffer and kernel initialisation.
func (b *Backend) Warmup(device int) error {
	known := false
	for _, d := range b.devices {
		known = known || d == device
	}
	if !known {
		return qerrors.InvalidInput("warmup", fmt.Sprintf("device %d is not used by this backend", device))
	}
	conv, err := ConvertData([]float32{0}, []float32{0}, b.cfg.Precision)
	if err != nil {
		return err
	}
	out := make([]float32, 1)
	chunk := Chunk{Device: device, Start: 0, End: len(conv.Corpus), Data: conv.Corpus}
	if err := b.runChunk(chunk, conv, out, 1, 1, 1); err != nil {
		return err
	}
	b.logger.Debug().Int("device", device).Msg("kernel warmed up")
	return nil
}

// Tolerance returns the error bound of a GPU distance against the float32
// CPU reference for precision p, relative to max(cpu, max|x|*sqrt(dim))
// where max|x| is the largest finite input magnitude.
func Tolerance(p memory.Precision) float64 {
	switch p {
	case memory.FP16:
		return 1e-2
	case memory.INT8:
		return 5e-2
	}
	return 1e-4
}
