package store

import (
	"testing"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackendKind(t *testing.T) {
	tests := map[string]BackendKind{
		"bruteforce":  BackendBruteForce,
		"Exact":       BackendBruteForce,
		" flat ":      BackendBruteForce,
		"HNSW":        BackendApproximate,
		"approximate": BackendApproximate,
		"gpu":         BackendGPU,
	}
	for in, want := range tests {
		got, err := ParseBackendKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		back, err := ParseBackendKind(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, back)
	}
	_, err := ParseBackendKind("faiss")
	assert.ErrorIs(t, err, qerrors.ErrUnsupportedBackend)
	assert.Equal(t, "unknown", BackendKind(0).String())
}

func TestNew(t *testing.T) {
	idx, err := New(IndexConfig{Kind: BackendBruteForce, Dimension: 4, Metric: distance.Manhattan})
	require.NoError(t, err)
	assert.Equal(t, BackendBruteForce, idx.Kind())
	assert.Equal(t, "manhattan", idx.Metric().Name())

	idx, err = New(IndexConfig{Kind: BackendApproximate, Dimension: 4})
	require.NoError(t, err)
	assert.Equal(t, "euclidean", idx.Metric().Name())

	_, err = New(IndexConfig{Kind: BackendGPU, Dimension: 4})
	require.ErrorIs(t, err, qerrors.ErrUnsupportedBackend)
	assert.ErrorIs(t, err, gpu.ErrGPUNotAvailable)

	_, err = New(IndexConfig{Kind: BackendKind(42), Dimension: 4})
	assert.ErrorIs(t, err, qerrors.ErrUnsupportedBackend)

	_, err = New(IndexConfig{Kind: BackendApproximate, Dimension: -1})
	assert.ErrorIs(t, err, qerrors.ErrInvalidInput)
}
