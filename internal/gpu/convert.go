package gpu

import (
	"fmt"
	"math"
	"unsafe"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/float16"
)

// Converted holds query and corpus data encoded for transfer.
type Converted struct {
	Precision memory.Precision
	Queries   []byte
	Corpus    []byte
	// Scale maps int8 codes back to input units: value = code / Scale.
	// It is 1 for floating-point precisions.
	Scale float32
}

// ConvertData encodes queries and corpus in the requested precision.
// Non-finite components are encoded as zero. For int8 both inputs share one
// scale so codes stay comparable: finite values are multiplied by
// 127 / max|x|, clamped to [-127, 127] and truncated.
func ConvertData(queries, corpus []float32, p memory.Precision) (*Converted, error) {
	const op = "convert_data"
	if len(queries) == 0 {
		return nil, qerrors.InvalidInput(op, "queries are empty")
	}
	if len(corpus) == 0 {
		return nil, qerrors.InvalidInput(op, "corpus is empty")
	}

	switch p {
	case memory.FP32:
		return &Converted{
			Precision: p,
			Queries:   float32Bytes(queries),
			Corpus:    float32Bytes(corpus),
			Scale:     1,
		}, nil
	case memory.FP16:
		return &Converted{
			Precision: p,
			Queries:   arrow.Float16Traits.CastToBytes(toFloat16(queries)),
			Corpus:    arrow.Float16Traits.CastToBytes(toFloat16(corpus)),
			Scale:     1,
		}, nil
	case memory.INT8:
		scale := int8Scale(queries, corpus)
		return &Converted{
			Precision: p,
			Queries:   arrow.Int8Traits.CastToBytes(toInt8(queries, scale)),
			Corpus:    arrow.Int8Traits.CastToBytes(toInt8(corpus, scale)),
			Scale:     scale,
		}, nil
	}
	return nil, qerrors.InvalidInput(op, fmt.Sprintf("unsupported precision %s", p))
}

// float32Bytes returns a sanitized copy of v as little-endian bytes.
func float32Bytes(v []float32) []byte {
	clean := make([]float32, len(v))
	copy(clean, v)
	simd.SanitizeInPlace(clean)
	return arrow.Float32Traits.CastToBytes(clean)
}

func toFloat16(v []float32) []float16.Num {
	out := make([]float16.Num, len(v))
	for i, x := range v {
		if isFinite(x) {
			out[i] = float16.New(x)
		}
	}
	return out
}

func int8Scale(sets ...[]float32) float32 {
	var maxAbs float64
	for _, v := range sets {
		for _, x := range v {
			if !isFinite(x) {
				continue
			}
			maxAbs = math.Max(maxAbs, math.Abs(float64(x)))
		}
	}
	if maxAbs == 0 {
		return 1
	}
	return float32(127 / maxAbs)
}

func toInt8(v []float32, scale float32) []int8 {
	out := make([]int8, len(v))
	for i, x := range v {
		if !isFinite(x) {
			continue
		}
		s := float64(x) * float64(scale)
		s = math.Max(-127, math.Min(127, s))
		out[i] = int8(s)
	}
	return out
}

func isFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// asFloat32 reinterprets b as float32 values after checking length and
// alignment. Misaligned input is decoded into a fresh slice instead.
func asFloat32(b []byte) ([]float32, error) {
	if len(b)%arrow.Float32SizeBytes != 0 {
		return nil, qerrors.InvalidInput("reinterpret", fmt.Sprintf("%d bytes is not a whole number of float32 values", len(b)))
	}
	if len(b) == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(b)))%unsafe.Alignof(float32(0)) != 0 {
		aligned := make([]byte, len(b))
		copy(aligned, b)
		b = aligned
	}
	return arrow.Float32Traits.CastFromBytes(b), nil
}

// asFloat16 reinterprets b as fp16 values after checking length and alignment.
func asFloat16(b []byte) ([]float16.Num, error) {
	if len(b)%arrow.Float16SizeBytes != 0 {
		return nil, qerrors.InvalidInput("reinterpret", fmt.Sprintf("%d bytes is not a whole number of float16 values", len(b)))
	}
	if len(b) == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(b)))%unsafe.Alignof(uint16(0)) != 0 {
		aligned := make([]byte, len(b))
		copy(aligned, b)
		b = aligned
	}
	return arrow.Float16Traits.CastFromBytes(b), nil
}

// Decode converts an encoded buffer back to float32 values. It is the
// inverse of ConvertData up to the precision's rounding.
func Decode(b []byte, p memory.Precision, scale float32) ([]float32, error) {
	switch p {
	case memory.FP32:
		v, err := asFloat32(b)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	case memory.FP16:
		v, err := asFloat16(b)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = x.Float32()
		}
		return out, nil
	case memory.INT8:
		codes := arrow.Int8Traits.CastFromBytes(b)
		out := make([]float32, len(codes))
		for i, c := range codes {
			out[i] = float32(c) / scale
		}
		return out, nil
	}
	return nil, qerrors.InvalidInput("decode", fmt.Sprintf("unsupported precision %s", p))
}
