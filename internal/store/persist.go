package store

import (
	"fmt"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/security"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/rs/zerolog"
)

// LoadOptions supplies what a snapshot cannot carry.
type LoadOptions struct {
	// Registry resolves the metric name. Nil uses distance.Default.
	Registry *distance.Registry
	// GPU is attached to snapshots of GPU indexes. Without it they load as
	// plain brute-force indexes.
	GPU        *gpu.Backend
	BruteForce BruteForceConfig
	Logger     zerolog.Logger
}

// Save writes a snapshot of idx to path.
func Save(idx Index, path string, codec storage.Codec, v security.PathValidator) error {
	if ts, ok := idx.(*ThreadSafeIndex); ok {
		return ts.Save(path, codec, v)
	}
	return storage.Save(path, idx.State(), codec, v)
}

// Load reads the snapshot at path and rebuilds the index it describes.
func Load(path string, codec storage.Codec, v security.PathValidator, opts LoadOptions) (Index, error) {
	st, err := storage.Load(path, codec, v)
	if err != nil {
		return nil, err
	}
	return FromState(st, opts)
}

// FromState rebuilds an index from a validated snapshot.
func FromState(st *storage.IndexState, opts LoadOptions) (Index, error) {
	const op = "load"
	if err := st.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = distance.Default
	}
	logger := logging.Component(opts.Logger, "loader")

	metric, err := reg.Lookup(st.Metric)
	if err != nil {
		return nil, qerrors.WrapCorrupt(err, op, fmt.Sprintf("snapshot metric %q is not registered", st.Metric))
	}
	kind, err := ParseBackendKind(st.Backend)
	if err != nil {
		return nil, qerrors.WrapCorrupt(err, op, fmt.Sprintf("snapshot backend %q is unknown", st.Backend))
	}
	if kind == BackendGPU && opts.GPU == nil {
		logger.Warn().Msg("snapshot was taken with GPU offload; loading as brute-force index")
		kind = BackendBruteForce
	}

	idx, err := New(IndexConfig{
		Kind:       kind,
		Dimension:  st.Dimension,
		Metric:     metric,
		BruteForce: opts.BruteForce,
		HNSW: HNSWConfig{
			M:              st.HNSW.M,
			Ml:             st.HNSW.Ml,
			EfConstruction: st.HNSW.EfConstruction,
			EfSearch:       st.HNSW.EfSearch,
			Seed:           st.HNSW.Seed,
		},
		GPU:    opts.GPU,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if len(st.IDs) == 0 {
		return idx, nil
	}

	entries := make([]Entry, len(st.IDs))
	for i, id := range st.IDs {
		entries[i] = Entry{ID: id, Vector: st.Vectors[i]}
	}
	if err := idx.Add(entries); err != nil {
		return nil, qerrors.WrapCorrupt(err, op, "snapshot entries rejected")
	}
	logger.Info().
		Str("backend", kind.String()).
		Str("metric", metric.Name()).
		Int("vectors", idx.Len()).
		Msg("index loaded")
	return idx, nil
}
