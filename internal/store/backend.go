package store

import (
	"strings"

	"github.com/23skdu/quiver/internal/distance"
	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/rs/zerolog"
)

// BackendKind selects an index implementation.
type BackendKind uint8

const (
	BackendBruteForce BackendKind = iota + 1
	BackendApproximate
	// BackendGPU is a brute-force index whose batch searches are offloaded
	// to a GPU backend.
	BackendGPU
)

func (k BackendKind) String() string {
	switch k {
	case BackendBruteForce:
		return "bruteforce"
	case BackendApproximate:
		return "hnsw"
	case BackendGPU:
		return "gpu"
	}
	return "unknown"
}

// ParseBackendKind maps a configuration value to a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bruteforce", "brute_force", "brute-force", "exact", "flat":
		return BackendBruteForce, nil
	case "hnsw", "approximate", "ann":
		return BackendApproximate, nil
	case "gpu":
		return BackendGPU, nil
	}
	return 0, qerrors.UnsupportedBackend("parse_backend", s)
}

// IndexConfig selects and configures a backend. Dimension and Metric
// override the per-backend settings.
type IndexConfig struct {
	Kind       BackendKind
	Dimension  int
	Metric     distance.Metric
	BruteForce BruteForceConfig
	HNSW       HNSWConfig
	GPU        *gpu.Backend
	Logger     zerolog.Logger
}

// New creates an empty index of the configured kind.
func New(cfg IndexConfig) (Index, error) {
	switch cfg.Kind {
	case BackendBruteForce, BackendGPU:
		bf := cfg.BruteForce
		bf.Dimension = cfg.Dimension
		bf.Logger = cfg.Logger
		if cfg.Metric != nil {
			bf.Metric = cfg.Metric
		}
		bf.GPU = nil
		if cfg.Kind == BackendGPU {
			if cfg.GPU == nil {
				return nil, qerrors.Wrap(gpu.ErrGPUNotAvailable, qerrors.ErrorTypeUnsupportedBackend, "new_index", "gpu backend requires a device runtime")
			}
			bf.GPU = cfg.GPU
		}
		return NewBruteForce(bf)
	case BackendApproximate:
		h := cfg.HNSW
		h.Dimension = cfg.Dimension
		h.Logger = cfg.Logger
		if cfg.Metric != nil {
			h.Metric = cfg.Metric
		}
		return NewHNSW(h)
	}
	return nil, qerrors.UnsupportedBackend("new_index", cfg.Kind.String())
}
