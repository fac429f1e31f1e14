package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/23skdu/quiver/internal/breaker"
	"github.com/23skdu/quiver/internal/distance"
	"github.com/23skdu/quiver/internal/gc"
	"github.com/23skdu/quiver/internal/gpu"
	"github.com/23skdu/quiver/internal/health"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/security"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/23skdu/quiver/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// server owns the index and the resources shared by its backends.
type server struct {
	cfg       Config
	logger    zerolog.Logger
	pool      *memory.Pool
	gpu       *gpu.Backend
	monitor   *memory.Monitor
	tuner     *gc.Tuner
	remote    *storage.Remote
	index     *store.ThreadSafeIndex
	codec     storage.Codec
	validator security.PathValidator
	health    *health.HealthManager
}

// newS3Client is replaced in tests.
var newS3Client = func(ctx context.Context, cfg storage.RemoteConfig) (storage.S3API, error) {
	return storage.NewS3Client(ctx, cfg)
}

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServer(cfg Config, logger zerolog.Logger) (*server, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &server{cfg: cfg, logger: logger}
	s.pool = memory.NewPool(memory.PoolConfig{
		DefaultMaxBytes:        cfg.PoolMaxBytes,
		FragmentationThreshold: memory.DefaultPoolConfig().FragmentationThreshold,
		Logger:                 logger,
	})

	rt, err := newRuntime(cfg)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		precision, _ := memory.ParsePrecision(cfg.GPUPrecision)
		s.gpu, err = gpu.NewBackend(gpu.BackendConfig{
			Precision:          precision,
			PoolBytesPerDevice: cfg.PoolMaxBytes,
			Logger:             logger,
		}, rt, s.pool)
		if err != nil {
			return nil, err
		}
	}

	s.codec, _ = storage.CodecByName(cfg.SnapshotCodec)
	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	v := security.NewPathValidator(root)
	v.Audit = security.NewAuditLogger(logger)
	s.validator = v

	if cfg.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.S3Timeout)
		client, err := newS3Client(ctx, cfg.remoteConfig())
		cancel()
		if err != nil {
			return nil, err
		}
		s.remote = storage.NewRemote(client, cfg.S3Bucket, cfg.S3Prefix, logging.Component(logger, "remote"))
	}

	idx, err := s.openIndex()
	if err != nil {
		return nil, err
	}
	s.index = store.NewThreadSafe(idx, logger)
	s.registerHealthChecks()
	s.monitor = memory.NewMonitor(s.pool, memory.MonitorConfig{
		ReportInterval:  cfg.MonitorInterval,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          logger,
	})
	if cfg.GCTuner {
		s.tuner = gc.NewTuner(gc.Config{
			MinGOGC:  cfg.GCMinGOGC,
			MaxGOGC:  cfg.GCMaxGOGC,
			Interval: cfg.GCTuneInterval,
		}, s.poolPressure, logging.Component(logger, "gc"))
	}
	return s, nil
}

// poolPressure is the highest allocated/ceiling ratio across device pools.
func (s *server) poolPressure() float64 {
	var worst float64
	for _, d := range s.pool.Devices() {
		if p, ok := s.pool.MemoryPressure(d); ok && p > worst {
			worst = p
		}
	}
	return worst
}

func newRuntime(cfg Config) (gpu.Runtime, error) {
	switch cfg.GPURuntime {
	case "host":
		return gpu.NewHostRuntime(gpu.HostRuntimeConfig{
			Devices:     cfg.GPUDevices,
			MemoryBytes: cfg.GPUMemoryBytes,
		}), nil
	case "native":
		return gpu.NewNativeRuntime()
	}
	return nil, nil
}

func (s *server) bruteForceConfig() store.BruteForceConfig {
	bf := store.DefaultBruteForceConfig(s.cfg.Dimension)
	bf.Workers = s.cfg.SearchWorkers
	bf.GPUMinBatch = s.cfg.GPUMinBatch
	bf.GPUMinDim = s.cfg.GPUMinDim
	bf.Breaker = breaker.DefaultSettings("gpu_offload")
	return bf
}

func (s *server) loadOptions() store.LoadOptions {
	return store.LoadOptions{
		GPU:        s.gpu,
		BruteForce: s.bruteForceConfig(),
		Logger:     s.logger,
	}
}

// openIndex loads the snapshot in the data dir, or creates an empty index
// when there is none.
func (s *server) openIndex() (store.Index, error) {
	idx, err := store.Load(s.cfg.SnapshotName, s.codec, s.validator, s.loadOptions())
	switch {
	case err == nil:
		if idx.Dimension() != s.cfg.Dimension {
			s.logger.Warn().
				Int("snapshot_dimension", idx.Dimension()).
				Int("configured_dimension", s.cfg.Dimension).
				Msg("snapshot dimension overrides configuration")
		}
		return idx, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if s.remote != nil {
		if idx, err := s.pullSnapshot(); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return idx, err
		}
	}

	kind, _ := store.ParseBackendKind(s.cfg.Backend)
	metric, _ := distance.Parse(s.cfg.Metric)
	hnswCfg := store.DefaultHNSWConfig(s.cfg.Dimension)
	hnswCfg.M = s.cfg.HNSWM
	hnswCfg.EfConstruction = s.cfg.HNSWEfConstruction
	hnswCfg.EfSearch = s.cfg.HNSWEfSearch

	s.logger.Info().Str("backend", kind.String()).Int("dimension", s.cfg.Dimension).Msg("no snapshot found, starting empty index")
	return store.New(store.IndexConfig{
		Kind:       kind,
		Dimension:  s.cfg.Dimension,
		Metric:     metric,
		BruteForce: s.bruteForceConfig(),
		HNSW:       hnswCfg,
		GPU:        s.gpu,
		Logger:     s.logger,
	})
}

// pullSnapshot fetches the snapshot from the bucket and loads it.
func (s *server) pullSnapshot() (store.Index, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.S3Timeout)
	defer cancel()
	if err := s.remote.Pull(ctx, s.cfg.SnapshotName, s.validator); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to pull snapshot: %w", err)
	}
	idx, err := store.Load(s.cfg.SnapshotName, s.codec, s.validator, s.loadOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load pulled snapshot: %w", err)
	}
	s.logger.Info().Int("vectors", idx.Len()).Msg("index restored from remote snapshot")
	return idx, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.health.HTTPHandler())
	return security.SecurityHeaders(mux)
}

func (s *server) registerHealthChecks() {
	s.health = health.NewHealthManager(version, s.logger)
	s.health.RegisterChecker(health.NewIndexChecker(s.index))
	s.health.RegisterChecker(health.NewStorageChecker(s.cfg.DataDir))
	if s.gpu != nil {
		s.health.RegisterChecker(health.NewPoolChecker(s.pool, memory.DefaultMonitorConfig().AlertThreshold))
		s.health.RegisterChecker(health.NewBreakerChecker(func() breaker.State {
			if bf, ok := s.index.Inner().(*store.BruteForceIndex); ok {
				return bf.BreakerState()
			}
			return breaker.StateClosed
		}))
	}
}

// Close stops background work and writes a final snapshot.
func (s *server) Close() error {
	s.monitor.Stop()
	if s.tuner != nil {
		s.tuner.Stop()
	}
	if err := store.Save(s.index, s.cfg.SnapshotName, s.codec, s.validator); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.logger.Info().
		Str("snapshot", s.cfg.SnapshotName).
		Int("vectors", s.index.Len()).
		Msg("snapshot written")
	if s.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.S3Timeout)
		err := s.remote.Push(ctx, s.cfg.SnapshotName, s.validator)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to push snapshot: %w", err)
		}
	}
	if s.gpu != nil {
		freed := s.pool.EmergencyCleanupAll()
		s.logger.Debug().Int("bytes", freed).Msg("device pools released")
	}
	return nil
}
