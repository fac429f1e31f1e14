// Package simd holds the raw vector kernels shared by the CPU distance
// metrics and the emulated device kernels. Callers guarantee equal lengths.
package simd

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/viterin/vek/vek32"
)

// Euclidean returns the L2 distance of two equal-length vectors. The root is
// taken in float64 so exact squares give exact distances.
func Euclidean(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return float32(math.Sqrt(float64(L2Squared(a, b))))
}

// L2Squared returns the squared L2 distance.
func L2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Dot returns the inner product.
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// Norm returns the L2 norm.
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// Manhattan returns the L1 distance.
func Manhattan(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.ManhattanDistance(a, b)
}

// Chebyshev returns the L-infinity distance.
func Chebyshev(a, b []float32) float32 {
	var m float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}

// AllFinite reports whether v contains no NaN or infinite component.
func AllFinite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// SanitizeInPlace replaces NaN and infinite components with zero and
// returns the number of replaced components.
func SanitizeInPlace(v []float32) int {
	n := 0
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			v[i] = 0
			n++
		}
	}
	return n
}

// Sanitized returns v when it is finite, otherwise a zero-substituted copy.
func Sanitized(v []float32) []float32 {
	if AllFinite(v) {
		return v
	}
	out := make([]float32, len(v))
	copy(out, v)
	SanitizeInPlace(out)
	return out
}

// L2SquaredF16 returns the squared L2 distance of two fp16 vectors,
// accumulated in float32.
func L2SquaredF16(a, b []float16.Num) float32 {
	var sum float32
	for i := range a {
		d := a[i].Float32() - b[i].Float32()
		sum += d * d
	}
	return sum
}

// L2SquaredInt8 returns the squared L2 distance of two int8 code vectors.
func L2SquaredInt8(a, b []int8) int64 {
	var sum int64
	for i := range a {
		d := int64(a[i]) - int64(b[i])
		sum += d * d
	}
	return sum
}
