package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/quiver/internal/distance"
	"github.com/23skdu/quiver/internal/memory"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/23skdu/quiver/internal/store"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix prefixes every environment variable, e.g. QUIVER_DIMENSION.
const envPrefix = "QUIVER"

// Config is the process configuration.
type Config struct {
	MetricsAddr     string        `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	DataDir       string `envconfig:"DATA_DIR" default:"./data"`
	SnapshotName  string `envconfig:"SNAPSHOT_NAME" default:"index.arrow"`
	SnapshotCodec string `envconfig:"SNAPSHOT_CODEC" default:"arrow"`

	Backend            string `envconfig:"BACKEND" default:"bruteforce"`
	Dimension          int    `envconfig:"DIMENSION" default:"128"`
	Metric             string `envconfig:"METRIC" default:"euclidean"`
	SearchWorkers      int    `envconfig:"SEARCH_WORKERS" default:"0"`
	HNSWM              int    `envconfig:"HNSW_M" default:"16"`
	HNSWEfConstruction int    `envconfig:"HNSW_EF_CONSTRUCTION" default:"200"`
	HNSWEfSearch       int    `envconfig:"HNSW_EF_SEARCH" default:"64"`

	// GPURuntime is "none", "host" (emulated devices) or "native".
	GPURuntime     string `envconfig:"GPU_RUNTIME" default:"none"`
	GPUDevices     int    `envconfig:"GPU_DEVICES" default:"1"`
	GPUMemoryBytes int    `envconfig:"GPU_MEMORY_BYTES" default:"1073741824"`
	GPUPrecision   string `envconfig:"GPU_PRECISION" default:"fp32"`
	GPUMinBatch    int    `envconfig:"GPU_MIN_BATCH" default:"8"`
	GPUMinDim      int    `envconfig:"GPU_MIN_DIM" default:"16"`
	PoolMaxBytes   int    `envconfig:"POOL_MAX_BYTES" default:"1073741824"`

	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"30s"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"5m"`

	GCTuner        bool          `envconfig:"GC_TUNER" default:"false"`
	GCMinGOGC      int           `envconfig:"GC_MIN_GOGC" default:"50"`
	GCMaxGOGC      int           `envconfig:"GC_MAX_GOGC" default:"200"`
	GCTuneInterval time.Duration `envconfig:"GC_TUNE_INTERVAL" default:"1s"`

	S3Bucket          string        `envconfig:"S3_BUCKET"`
	S3Prefix          string        `envconfig:"S3_PREFIX"`
	S3Endpoint        string        `envconfig:"S3_ENDPOINT"`
	S3Region          string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKeyID     string        `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool          `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	S3Timeout         time.Duration `envconfig:"S3_TIMEOUT" default:"5m"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// Config validation errors
var (
	ErrInvalidMetricsAddr     = errors.New("metrics_addr cannot be empty")
	ErrInvalidShutdownTimeout = errors.New("shutdown_timeout must be positive")
	ErrInvalidDataDir         = errors.New("data_dir cannot be empty")
	ErrInvalidSnapshotName    = errors.New("snapshot_name cannot be empty")
	ErrInvalidSnapshotCodec   = errors.New("snapshot_codec must be 'arrow' or 'parquet'")
	ErrInvalidBackend         = errors.New("backend must be bruteforce, hnsw, or gpu")
	ErrInvalidDimension       = errors.New("dimension must be positive")
	ErrInvalidMetric          = errors.New("metric is not registered")
	ErrInvalidHNSWParams      = errors.New("hnsw parameters must be positive")
	ErrInvalidGPURuntime      = errors.New("gpu_runtime must be none, host, or native")
	ErrInvalidGPUDevices      = errors.New("gpu_devices must be positive")
	ErrInvalidGPUMemory       = errors.New("gpu_memory_bytes must be positive")
	ErrInvalidPrecision       = errors.New("gpu_precision must be fp32, fp16, or int8")
	ErrInvalidPoolMaxBytes    = errors.New("pool_max_bytes must be positive")
	ErrGPUBackendNeedsRuntime = errors.New("backend gpu requires gpu_runtime host or native")
	ErrInvalidMonitorInterval = errors.New("monitor and cleanup intervals must be positive")
	ErrInvalidGCTuner         = errors.New("gc tuner bounds must satisfy 0 < min <= max and interval > 0")
	ErrInvalidS3Config        = errors.New("s3 credentials must be set together and s3_timeout must be positive")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
)

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		MetricsAddr:        "0.0.0.0:9090",
		ShutdownTimeout:    10 * time.Second,
		DataDir:            "./data",
		SnapshotName:       "index.arrow",
		SnapshotCodec:      "arrow",
		Backend:            "bruteforce",
		Dimension:          128,
		Metric:             "euclidean",
		HNSWM:              16,
		HNSWEfConstruction: 200,
		HNSWEfSearch:       64,
		GPURuntime:         "none",
		GPUDevices:         1,
		GPUMemoryBytes:     1 << 30,
		GPUPrecision:       "fp32",
		GPUMinBatch:        8,
		GPUMinDim:          16,
		PoolMaxBytes:       1 << 30,
		MonitorInterval:    30 * time.Second,
		CleanupInterval:    5 * time.Minute,
		GCMinGOGC:          50,
		GCMaxGOGC:          200,
		GCTuneInterval:     time.Second,
		S3Region:           "us-east-1",
		S3Timeout:          5 * time.Minute,
		LogFormat:          "json",
		LogLevel:           "info",
	}
}

// LoadConfig reads the given .env files (".env" when none are named; a
// missing file is not an error) and then the QUIVER_* environment.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}
	if cfg.DataDir == "" {
		return ErrInvalidDataDir
	}
	if cfg.SnapshotName == "" {
		return ErrInvalidSnapshotName
	}
	if _, err := storage.CodecByName(cfg.SnapshotCodec); err != nil {
		return ErrInvalidSnapshotCodec
	}
	kind, err := store.ParseBackendKind(cfg.Backend)
	if err != nil {
		return ErrInvalidBackend
	}
	if cfg.Dimension <= 0 {
		return ErrInvalidDimension
	}
	if _, err := distance.Parse(cfg.Metric); err != nil {
		return ErrInvalidMetric
	}
	if cfg.HNSWM <= 0 || cfg.HNSWEfConstruction <= 0 || cfg.HNSWEfSearch <= 0 {
		return ErrInvalidHNSWParams
	}
	switch cfg.GPURuntime {
	case "none":
		if kind == store.BackendGPU {
			return ErrGPUBackendNeedsRuntime
		}
	case "host", "native":
	default:
		return ErrInvalidGPURuntime
	}
	if cfg.GPUDevices <= 0 {
		return ErrInvalidGPUDevices
	}
	if cfg.GPUMemoryBytes <= 0 {
		return ErrInvalidGPUMemory
	}
	if _, err := memory.ParsePrecision(cfg.GPUPrecision); err != nil {
		return ErrInvalidPrecision
	}
	if cfg.PoolMaxBytes <= 0 {
		return ErrInvalidPoolMaxBytes
	}
	if cfg.MonitorInterval <= 0 || cfg.CleanupInterval <= 0 {
		return ErrInvalidMonitorInterval
	}
	if cfg.GCTuner && (cfg.GCMinGOGC <= 0 || cfg.GCMaxGOGC < cfg.GCMinGOGC || cfg.GCTuneInterval <= 0) {
		return ErrInvalidGCTuner
	}
	if cfg.S3Bucket != "" && (cfg.remoteConfig().Validate() != nil || cfg.S3Timeout <= 0) {
		return ErrInvalidS3Config
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

func (cfg *Config) remoteConfig() storage.RemoteConfig {
	return storage.RemoteConfig{
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UsePathStyle:    cfg.S3UsePathStyle,
	}
}
