package distance

import (
	"fmt"
	"math"

	"github.com/23skdu/quiver/internal/simd"
)

// Minkowski is the L-p metric. P must be >= 1.
type Minkowski struct {
	P float32
}

func (m Minkowski) Name() string { return fmt.Sprintf("minkowski:%g", m.P) }

func (m Minkowski) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	p := float64(m.P)
	var sum float64
	for i := range a {
		sum += math.Pow(math.Abs(float64(a[i]-b[i])), p)
	}
	return Clamp(float32(math.Pow(sum, 1/p)))
}

type hamming struct{}

// Hamming counts components that differ by more than 1e-5.
var Hamming Metric = hamming{}

func (hamming) Name() string { return "hamming" }

func (hamming) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	var n float32
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-5 {
			n++
		}
	}
	return n
}

type jaccard struct{}

// Jaccard treats components above 0.5 as set members.
var Jaccard Metric = jaccard{}

func (jaccard) Name() string { return "jaccard" }

func (jaccard) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	var inter, union float32
	for i := range a {
		x, y := a[i] > 0.5, b[i] > 0.5
		if x && y {
			inter++
		}
		if x || y {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - inter/union
}

type angular struct{}

// Angular is the angle between a and b in radians.
var Angular Metric = angular{}

func (angular) Name() string { return "angular" }

func (angular) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	na, nb := simd.Norm(a), simd.Norm(b)
	switch {
	case na == 0 && nb == 0:
		return 0
	case na == 0 || nb == 0:
		return math.Pi / 2
	}
	sim := float64(simd.Dot(a, b) / (na * nb))
	if sim >= 1-roundingFloor {
		return 0
	}
	return Clamp(float32(math.Acos(math.Max(-1, sim))))
}

type canberra struct{}

// Canberra is the weighted L1 metric sum(|x-y| / (|x|+|y|)).
var Canberra Metric = canberra{}

func (canberra) Name() string { return "canberra" }

func (canberra) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	a, b = simd.Sanitized(a), simd.Sanitized(b)
	var sum float32
	for i := range a {
		den := float32(math.Abs(float64(a[i]))) + float32(math.Abs(float64(b[i])))
		if den > 0 {
			sum += float32(math.Abs(float64(a[i]-b[i]))) / den
		}
	}
	return Clamp(sum)
}

// funcMetric adapts a plain function.
type funcMetric struct {
	name string
	fn   func(a, b []float32) float32
}

// Func wraps fn as a named Metric. The result of fn is clamped and
// non-finite components are zeroed before fn is called.
func Func(name string, fn func(a, b []float32) float32) Metric {
	return funcMetric{name: name, fn: fn}
}

func (f funcMetric) Name() string { return f.name }

func (f funcMetric) Distance(a, b []float32) float32 {
	if len(a) != len(b) {
		return Unreachable
	}
	return Clamp(f.fn(simd.Sanitized(a), simd.Sanitized(b)))
}
