// Package distance provides the metrics used to rank vectors. Every Metric
// returns a non-negative finite value for equal-length inputs and zero for
// identical inputs. Non-finite components contribute as zero.
package distance

import (
	"math"

	"github.com/23skdu/quiver/internal/simd"
)

// Unreachable is returned for vectors of different lengths. It sorts after
// every real distance.
const Unreachable = math.MaxFloat32

// Metric is the capability the indexes are polymorphic over.
type Metric interface {
	Name() string
	Distance(a, b []float32) float32
}

// Compute applies m with the package's safety rules: length mismatch yields
// Unreachable, non-finite components are zeroed before m sees them, and a
// negative or non-finite result is clamped.
func Compute(m Metric, a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	return Clamp(m.Distance(simd.Sanitized(a), simd.Sanitized(b)))
}

// Clamp maps a raw metric result into [0, Unreachable].
func Clamp(d float32) float32 {
	switch {
	case math.IsNaN(float64(d)), math.IsInf(float64(d), 1):
		return Unreachable
	case d < 0:
		return 0
	}
	return d
}

type euclidean struct{}

// Euclidean is the L2 metric.
var Euclidean Metric = euclidean{}

func (euclidean) Name() string { return "euclidean" }

func (euclidean) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	return Clamp(simd.Euclidean(simd.Sanitized(a), simd.Sanitized(b)))
}

// roundingFloor absorbs float32 rounding in normalised similarities so that
// a vector compared with itself scores exactly zero.
const roundingFloor = 1e-6

type cosine struct{}

// Cosine is 1 - cos(a, b). A zero vector is at distance 1 from any non-zero
// vector and at distance 0 from another zero vector.
var Cosine Metric = cosine{}

func (cosine) Name() string { return "cosine" }

func (cosine) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	na, nb := simd.Norm(a), simd.Norm(b)
	switch {
	case na == 0 && nb == 0:
		return 0
	case na == 0 || nb == 0:
		return 1
	}
	d := 1 - simd.Dot(a, b)/(na*nb)
	if d < roundingFloor {
		return 0
	}
	return Clamp(d)
}

type manhattan struct{}

// Manhattan is the L1 metric.
var Manhattan Metric = manhattan{}

func (manhattan) Name() string { return "manhattan" }

func (manhattan) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	return Clamp(simd.Manhattan(simd.Sanitized(a), simd.Sanitized(b)))
}

type chebyshev struct{}

// Chebyshev is the L-infinity metric.
var Chebyshev Metric = chebyshev{}

func (chebyshev) Name() string { return "chebyshev" }

func (chebyshev) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	return Clamp(simd.Chebyshev(simd.Sanitized(a), simd.Sanitized(b)))
}

// IsEuclidean reports whether m is the built-in L2 metric, the only metric
// the device kernels implement.
func IsEuclidean(m Metric) bool {
	_, ok := m.(euclidean)
	return ok
}
