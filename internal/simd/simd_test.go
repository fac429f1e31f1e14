package simd

import (
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/stretchr/testify/assert"
)

// Reference implementations for correctness verification
func referenceEuclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func testVectors(dim int) (a, b []float32) {
	a = make([]float32, dim)
	b = make([]float32, dim)
	for i := 0; i < dim; i++ {
		a[i] = float32(i%7) * 0.5
		b[i] = float32((i*3)%5) * 0.25
	}
	return a, b
}

func TestEuclideanMatchesReference(t *testing.T) {
	for _, dim := range []int{1, 3, 8, 17, 128, 384} {
		a, b := testVectors(dim)
		ref := referenceEuclidean(a, b)
		assert.InDelta(t, ref, Euclidean(a, b), 1e-3, "dim=%d", dim)
		assert.InDelta(t, ref*ref, L2Squared(a, b), 1e-4*(1+float64(ref*ref)), "dim=%d", dim)
	}
}

func TestEuclideanExactOnUnitOffsets(t *testing.T) {
	for _, dim := range []int{1, 2, 3, 4, 8, 16, 17} {
		zeros := make([]float32, dim)
		e1 := make([]float32, dim)
		e1[0] = 1
		assert.Equal(t, float32(1), Euclidean(zeros, e1), "dim=%d", dim)
		assert.Equal(t, float32(0), Euclidean(e1, e1), "dim=%d", dim)
	}
	assert.Equal(t, float32(5), Euclidean([]float32{0, 0}, []float32{3, 4}))
	assert.Equal(t, float32(5), Norm([]float32{3, 4}))
}

func TestKernelsOnEmptyInput(t *testing.T) {
	assert.Equal(t, float32(0), Euclidean(nil, nil))
	assert.Equal(t, float32(0), Dot(nil, nil))
	assert.Equal(t, float32(0), Norm(nil))
	assert.Equal(t, float32(0), Manhattan(nil, nil))
	assert.Equal(t, float32(0), Chebyshev(nil, nil))
}

func TestManhattanAndChebyshev(t *testing.T) {
	a := []float32{1, -2, 3}
	b := []float32{4, 0, 3}
	assert.InDelta(t, 5.0, float64(Manhattan(a, b)), 1e-6)
	assert.InDelta(t, 3.0, float64(Chebyshev(a, b)), 1e-6)
}

func TestDotAndNorm(t *testing.T) {
	a := []float32{3, 4}
	assert.InDelta(t, 25.0, float64(Dot(a, a)), 1e-5)
	assert.InDelta(t, 5.0, float64(Norm(a)), 1e-5)
}

func TestSanitize(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	v := []float32{1, nan, inf, -inf, 2}

	assert.False(t, AllFinite(v))
	clean := Sanitized(v)
	assert.Equal(t, []float32{1, 0, 0, 0, 2}, clean)
	assert.True(t, math.IsNaN(float64(v[1])), "Sanitized must not modify its input")

	finite := []float32{1, 2}
	assert.Same(t, &finite[0], &Sanitized(finite)[0])

	assert.Equal(t, 3, SanitizeInPlace(v))
	assert.Equal(t, []float32{1, 0, 0, 0, 2}, v)
}

func TestL2SquaredF16(t *testing.T) {
	a := []float16.Num{float16.New(1), float16.New(2)}
	b := []float16.Num{float16.New(0), float16.New(0)}
	assert.InDelta(t, 5.0, float64(L2SquaredF16(a, b)), 1e-3)
}

func TestL2SquaredInt8(t *testing.T) {
	a := []int8{127, -128}
	b := []int8{-128, 127}
	assert.Equal(t, int64(255*255*2), L2SquaredInt8(a, b))
}
