package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/quiver/internal/health"
	"github.com/23skdu/quiver/internal/logging"
	"github.com/23skdu/quiver/internal/storage"
	"github.com/23skdu/quiver/internal/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Dimension = 16
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func addRandom(t *testing.T, s *server, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	entries := make([]store.Entry, n)
	for i := range entries {
		v := make([]float32, s.cfg.Dimension)
		for j := range v {
			v[j] = rng.Float32()
		}
		entries[i] = store.Entry{ID: int64(i), Vector: v}
	}
	require.NoError(t, s.index.Add(entries))
}

func TestServer_SnapshotSurvivesRestart(t *testing.T) {
	for _, codec := range []string{"arrow", "parquet"} {
		for _, backend := range []string{"bruteforce", "hnsw"} {
			t.Run(codec+"/"+backend, func(t *testing.T) {
				cfg := testConfig(t)
				cfg.SnapshotCodec = codec
				cfg.Backend = backend

				s, err := newServer(cfg, logging.DiscardLogger())
				require.NoError(t, err)
				assert.Zero(t, s.index.Len())
				addRandom(t, s, 40)
				require.NoError(t, s.Close())

				_, err = os.Stat(filepath.Join(cfg.DataDir, cfg.SnapshotName))
				require.NoError(t, err)

				restarted, err := newServer(cfg, logging.DiscardLogger())
				require.NoError(t, err)
				assert.Equal(t, 40, restarted.index.Len())
				assert.Equal(t, backend, restarted.index.Kind().String())
				require.NoError(t, restarted.Close())
			})
		}
	}
}

func TestServer_GPUBackendOnHostRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "gpu"
	cfg.GPURuntime = "host"
	cfg.GPUDevices = 2
	cfg.GPUMemoryBytes = 8 << 20
	cfg.PoolMaxBytes = 8 << 20

	s, err := newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, s.gpu)
	assert.Equal(t, store.BackendGPU, s.index.Kind())
	addRandom(t, s, 64)

	queries := make([][]float32, cfg.GPUMinBatch)
	for i := range queries {
		queries[i] = make([]float32, cfg.Dimension)
		queries[i][i%cfg.Dimension] = 1
	}
	res, err := s.index.SearchBatch(queries, 3)
	require.NoError(t, err)
	require.Len(t, res, len(queries))
	for _, r := range res {
		assert.Len(t, r, 3)
	}
	require.NoError(t, s.Close())
}

func TestServer_GCTuner(t *testing.T) {
	cfg := testConfig(t)
	s, err := newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	assert.Nil(t, s.tuner)
	require.NoError(t, s.Close())

	before := debug.SetGCPercent(100)
	defer debug.SetGCPercent(before)

	cfg = testConfig(t)
	cfg.GCTuner = true
	cfg.GCMinGOGC = 20
	cfg.GCMaxGOGC = 40
	cfg.GCTuneInterval = 5 * time.Millisecond
	s, err = newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, s.tuner)
	p := s.poolPressure()
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)

	s.tuner.Start()
	require.Eventually(t, func() bool {
		g := s.tuner.Current()
		return g >= cfg.GCMinGOGC && g <= cfg.GCMaxGOGC
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	assert.Equal(t, 100, s.tuner.Current())
}

// bucket is an in-memory S3 stand-in.
type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *bucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *bucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestServer_RestoresFromRemoteSnapshot(t *testing.T) {
	b := &bucket{objects: make(map[string][]byte)}
	orig := newS3Client
	newS3Client = func(context.Context, storage.RemoteConfig) (storage.S3API, error) { return b, nil }
	t.Cleanup(func() { newS3Client = orig })

	cfg := testConfig(t)
	cfg.S3Bucket = "snapshots"
	cfg.S3Prefix = "node-1"

	s, err := newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, s.remote)
	assert.Zero(t, s.index.Len())
	addRandom(t, s, 25)
	require.NoError(t, s.Close())
	assert.Contains(t, b.objects, "node-1/snapshots/"+cfg.SnapshotName)

	// A fresh data dir has no local snapshot, so startup pulls it.
	cfg.DataDir = t.TempDir()
	s, err = newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, 25, s.index.Len())
	_, err = os.Stat(filepath.Join(cfg.DataDir, cfg.SnapshotName))
	assert.NoError(t, err)
	require.NoError(t, s.Close())

	// An empty bucket starts an empty index.
	b.objects = make(map[string][]byte)
	cfg.DataDir = t.TempDir()
	s, err = newServer(cfg, logging.DiscardLogger())
	require.NoError(t, err)
	assert.Zero(t, s.index.Len())
	require.NoError(t, s.Close())
}

func TestServer_NativeRuntimeUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.GPURuntime = "native"
	_, err := newServer(cfg, logging.DiscardLogger())
	assert.Error(t, err)
}

func TestServer_CorruptSnapshotFailsStartup(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, cfg.SnapshotName), []byte("garbage"), 0o600))
	_, err := newServer(cfg, logging.DiscardLogger())
	assert.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	s, err := newServer(testConfig(t), logging.DiscardLogger())
	require.NoError(t, err)
	addRandom(t, s, 5)
	h := s.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body health.SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	require.Contains(t, body.Components, "index")
	require.Contains(t, body.Components, "storage")
	assert.NotContains(t, body.Components, "gpu_offload")
	assert.EqualValues(t, 5, body.Components["index"].Metadata["vectors"])

	_, err = s.index.Search(make([]float32, 16), 1)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quiver_search_total")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:" + strconv.Itoa(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logging.DiscardLogger()) }()

	url := "http://" + cfg.MetricsAddr + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	_, err = os.Stat(filepath.Join(cfg.DataDir, cfg.SnapshotName))
	assert.NoError(t, err, "shutdown writes a snapshot")
}
