package store

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/security"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempValidator(t *testing.T) security.PathValidator {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return security.NewPathValidator(root)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	entries := randomEntries(rng, 120, 5, 1)
	queries := randomEntries(rng, 5, 5, 0)
	v := tempValidator(t)

	for _, codec := range []storage.Codec{storage.ArrowCodec{}, storage.ParquetCodec{}} {
		for _, kind := range []BackendKind{BackendBruteForce, BackendApproximate} {
			t.Run(codec.Name()+"/"+kind.String(), func(t *testing.T) {
				idx, err := New(IndexConfig{Kind: kind, Dimension: 5, Metric: distance.Cosine, Logger: logging.DiscardLogger()})
				require.NoError(t, err)
				require.NoError(t, idx.Add(entries))

				path := filepath.Join("indices", codec.Name()+"-"+kind.String())
				require.NoError(t, Save(idx, path, codec, v))

				loaded, err := Load(path, codec, v, LoadOptions{})
				require.NoError(t, err)
				assert.Equal(t, kind, loaded.Kind())
				assert.Equal(t, 5, loaded.Dimension())
				assert.Equal(t, "cosine", loaded.Metric().Name())
				assert.Equal(t, idx.State().IDs, loaded.State().IDs)
				assert.Equal(t, idx.State().Vectors, loaded.State().Vectors)

				for _, q := range queries {
					want, err := idx.Search(q.Vector, 7)
					require.NoError(t, err)
					got, err := loaded.Search(q.Vector, 7)
					require.NoError(t, err)
					if kind == BackendBruteForce {
						assert.Equal(t, want, got)
					} else {
						assert.Len(t, got, 7)
					}
				}
			})
		}
	}
}

func TestSaveLoad_ThreadSafe(t *testing.T) {
	v := tempValidator(t)
	ts := NewThreadSafe(newHNSW(t, 3, distance.Euclidean), logging.DiscardLogger())
	require.NoError(t, ts.Add([]Entry{{ID: 1, Vector: []float32{1, 2, 3}}, {ID: 2, Vector: []float32{3, 2, 1}}}))
	require.NoError(t, ts.SetEfSearch(80))
	require.NoError(t, Save(ts, "snap.arrow", storage.ArrowCodec{}, v))

	other := NewThreadSafe(newBruteForce(t, 3, nil), logging.DiscardLogger())
	require.NoError(t, other.Load("snap.arrow", storage.ArrowCodec{}, v, LoadOptions{}))
	assert.Equal(t, BackendApproximate, other.Kind())
	assert.Equal(t, 2, other.Len())
	h, ok := other.Inner().(*HNSWIndex)
	require.True(t, ok)
	assert.Equal(t, 80, h.Config().EfSearch)

	err := other.Load("missing.arrow", storage.ArrowCodec{}, v, LoadOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, other.Len(), "failed load keeps the current index")
}

func TestSave_InvalidPathNeverTouchesIndex(t *testing.T) {
	v := tempValidator(t)
	idx := newBruteForce(t, 2, nil)
	require.NoError(t, idx.Add([]Entry{{ID: 1, Vector: []float32{0, 0}}}))
	assert.ErrorIs(t, Save(idx, "../outside", storage.ParquetCodec{}, v), qerrors.ErrInvalidPath)
	_, err := Load("/etc/shadow", storage.ParquetCodec{}, v, LoadOptions{})
	assert.ErrorIs(t, err, qerrors.ErrInvalidPath)
}

func TestFromState(t *testing.T) {
	base := func() *storage.IndexState {
		return &storage.IndexState{
			Backend:   "gpu",
			Dimension: 2,
			Metric:    "euclidean",
			IDs:       []int64{4, 5},
			Vectors:   [][]float32{{0, 0}, {1, 1}},
		}
	}

	idx, err := FromState(base(), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendBruteForce, idx.Kind(), "GPU snapshots load on the CPU without a device")

	rt := gpu.NewHostRuntime(gpu.DefaultHostRuntimeConfig())
	backend, err := gpu.NewBackend(gpu.DefaultBackendConfig(), rt, memory.NewPool(memory.DefaultPoolConfig()))
	require.NoError(t, err)
	idx, err = FromState(base(), LoadOptions{GPU: backend})
	require.NoError(t, err)
	assert.Equal(t, BackendGPU, idx.Kind())

	st := base()
	st.Metric = "no-such-metric"
	_, err = FromState(st, LoadOptions{})
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)

	st = base()
	st.Backend = "quantum"
	_, err = FromState(st, LoadOptions{})
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)

	st = base()
	st.IDs[1] = 4
	_, err = FromState(st, LoadOptions{})
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)

	st = base()
	st.Backend = "hnsw"
	st.HNSW = storage.HNSWParams{M: 16, EfConstruction: 1 << 40, EfSearch: 64}
	_, err = FromState(st, LoadOptions{})
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)

	reg := distance.NewRegistry()
	require.NoError(t, reg.Register(distance.Func("flat", func(a, b []float32) float32 { return 1 })))
	st = base()
	st.Metric = "flat"
	idx, err = FromState(st, LoadOptions{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, "flat", idx.Metric().Name())
}
