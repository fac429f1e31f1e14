package gpu

import (
	"fmt"
	"math"
	"math/bits"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/apache/arrow-go/v18/arrow"
)

// L2Kernel is the argument block of the fixed-function Euclidean distance
// kernel. Out receives NumQueries*NumVectors float32 distances, row-major by
// query.
type L2Kernel struct {
	Precision  memory.Precision
	Queries    []byte
	Corpus     []byte
	Out        []byte
	NumQueries int
	NumVectors int
	Dim        int
	Scale      float32
}

func mulChecked(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// Validate checks every buffer against the stated shape.
func (k *L2Kernel) Validate() error {
	const op = "launch_kernel"
	if !k.Precision.Valid() {
		return qerrors.InvalidInput(op, fmt.Sprintf("unknown precision %d", k.Precision))
	}
	if k.NumQueries <= 0 || k.NumVectors <= 0 || k.Dim <= 0 {
		return qerrors.InvalidInput(op, fmt.Sprintf("invalid shape %dx%dx%d", k.NumQueries, k.NumVectors, k.Dim))
	}
	if k.Precision == memory.INT8 && (k.Scale <= 0 || !isFinite(k.Scale)) {
		return qerrors.InvalidInput(op, fmt.Sprintf("invalid int8 scale %v", k.Scale))
	}
	es := k.Precision.ElementSize()
	check := func(name string, got, rows, cols, width int) error {
		n, ok := mulChecked(rows, cols)
		if ok {
			n, ok = mulChecked(n, width)
		}
		if !ok {
			return qerrors.InvalidInput(op, fmt.Sprintf("%s size overflows", name))
		}
		if got != n {
			return qerrors.InvalidInput(op, fmt.Sprintf("%s buffer is %d bytes, want %d", name, got, n))
		}
		return nil
	}
	if err := check("query", len(k.Queries), k.NumQueries, k.Dim, es); err != nil {
		return err
	}
	if err := check("corpus", len(k.Corpus), k.NumVectors, k.Dim, es); err != nil {
		return err
	}
	return check("output", len(k.Out), k.NumQueries, k.NumVectors, arrow.Float32SizeBytes)
}

// run executes the kernel on the host. Callers validate first.
func (k *L2Kernel) run() error {
	out, err := asFloat32(k.Out)
	if err != nil {
		return err
	}
	nq, nv, dim := k.NumQueries, k.NumVectors, k.Dim

	switch k.Precision {
	case memory.FP32:
		q, err := asFloat32(k.Queries)
		if err != nil {
			return err
		}
		c, err := asFloat32(k.Corpus)
		if err != nil {
			return err
		}
		for i := 0; i < nq; i++ {
			qv := q[i*dim : (i+1)*dim]
			for j := 0; j < nv; j++ {
				out[i*nv+j] = simd.Euclidean(qv, c[j*dim:(j+1)*dim])
			}
		}
	case memory.FP16:
		q, err := asFloat16(k.Queries)
		if err != nil {
			return err
		}
		c, err := asFloat16(k.Corpus)
		if err != nil {
			return err
		}
		for i := 0; i < nq; i++ {
			qv := q[i*dim : (i+1)*dim]
			for j := 0; j < nv; j++ {
				out[i*nv+j] = float32(math.Sqrt(float64(simd.L2SquaredF16(qv, c[j*dim:(j+1)*dim]))))
			}
		}
	case memory.INT8:
		q := arrow.Int8Traits.CastFromBytes(k.Queries)
		c := arrow.Int8Traits.CastFromBytes(k.Corpus)
		for i := 0; i < nq; i++ {
			qv := q[i*dim : (i+1)*dim]
			for j := 0; j < nv; j++ {
				out[i*nv+j] = float32(math.Sqrt(float64(simd.L2SquaredInt8(qv, c[j*dim:(j+1)*dim])))) / k.Scale
			}
		}
	}

	// overflowed float accumulators must not leak into ranking
	for i, d := range out {
		if !isFinite(d) {
			out[i] = math.MaxFloat32
		}
	}
	return nil
}
