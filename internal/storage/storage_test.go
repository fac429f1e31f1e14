package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/security"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(n, dim int) *IndexState {
	rng := rand.New(rand.NewSource(7))
	st := &IndexState{
		Backend:   "hnsw",
		Dimension: dim,
		Metric:    "cosine",
		HNSW:      HNSWParams{M: 12, Ml: 0.3, EfConstruction: 100, EfSearch: 40, Seed: 99},
		IDs:       make([]int64, n),
		Vectors:   make([][]float32, n),
	}
	for i := range st.IDs {
		st.IDs[i] = int64(i*3 + 1)
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		st.Vectors[i] = v
	}
	return st
}

func testCodecs(t *testing.T) map[string]func() (Codec, func()) {
	return map[string]func() (Codec, func()){
		"arrow": func() (Codec, func()) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			return ArrowCodec{Allocator: mem}, func() { mem.AssertSize(t, 0) }
		},
		"parquet": func() (Codec, func()) {
			return ParquetCodec{RowGroupRows: 100}, func() {}
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for name, mk := range testCodecs(t) {
		for _, n := range []int{0, 1, 257, arrowBatchRows + 5} {
			codec, check := mk()
			st := sampleState(n, 8)

			var buf bytes.Buffer
			require.NoError(t, codec.Encode(&buf, st), "%s/%d", name, n)
			got, err := codec.Decode(&buf)
			require.NoError(t, err, "%s/%d", name, n)

			assert.Equal(t, st.Backend, got.Backend)
			assert.Equal(t, st.Dimension, got.Dimension)
			assert.Equal(t, st.Metric, got.Metric)
			assert.Equal(t, st.HNSW, got.HNSW)
			assert.Equal(t, n, got.Len())
			if n > 0 {
				assert.Equal(t, st.IDs, got.IDs)
				assert.Equal(t, st.Vectors, got.Vectors)
			}
			check()
		}
	}
}

func TestCodec_EncodeRejectsInvalidState(t *testing.T) {
	st := sampleState(3, 4)
	st.Vectors[1] = st.Vectors[1][:2]
	for name, mk := range testCodecs(t) {
		codec, _ := mk()
		err := codec.Encode(&bytes.Buffer{}, st)
		assert.ErrorIs(t, err, qerrors.ErrCorrupt, name)
	}
}

func TestCodec_DecodeGarbage(t *testing.T) {
	for name, mk := range testCodecs(t) {
		codec, _ := mk()
		_, err := codec.Decode(bytes.NewReader([]byte("definitely not a snapshot")))
		assert.ErrorIs(t, err, qerrors.ErrCorrupt, name)
	}
}

func TestArrowCodec_MissingMetadata(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Float32)},
	}, nil)
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	require.NoError(t, w.Close())

	_, err := ArrowCodec{Allocator: mem}.Decode(&buf)
	require.ErrorIs(t, err, qerrors.ErrCorrupt)
	assert.Contains(t, err.Error(), metaFormat)
}

func TestArrowCodec_WidthMismatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	st := sampleState(0, 4)
	keys, vals := headerPairs(st)
	md := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(3, arrow.PrimitiveTypes.Float32)},
	}, &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	lb := b.Field(1).(*array.FixedSizeListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2, 3}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	_, err := ArrowCodec{Allocator: mem}.Decode(&buf)
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)
}

func TestCodec_DecodeRejectsGraphParams(t *testing.T) {
	mutations := map[string]func(*IndexState){
		"ef_search":       func(s *IndexState) { s.HNSW.EfSearch = 1 << 40 },
		"ef_construction": func(s *IndexState) { s.HNSW.EfConstruction = -5 },
		"m":               func(s *IndexState) { s.HNSW.M = MaxGraphDegree + 1 },
		"ml":              func(s *IndexState) { s.HNSW.Ml = math.Inf(1) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			st := sampleState(4, 3)
			mutate(st)
			keys, vals := headerPairs(st)

			// arrow: schema metadata written without going through Encode
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)
			md := arrow.NewMetadata(keys, vals)
			schema := arrow.NewSchema([]arrow.Field{
				{Name: "id", Type: arrow.PrimitiveTypes.Int64},
				{Name: "vector", Type: arrow.FixedSizeListOf(3, arrow.PrimitiveTypes.Float32)},
			}, &md)
			var buf bytes.Buffer
			w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
			require.NoError(t, w.Close())
			_, err := ArrowCodec{Allocator: mem}.Decode(&buf)
			assert.ErrorIs(t, err, qerrors.ErrCorrupt)

			// parquet: the same header in file metadata
			buf.Reset()
			opts := make([]parquet.WriterOption, 0, len(keys))
			for i := range keys {
				opts = append(opts, parquet.KeyValueMetadata(keys[i], vals[i]))
			}
			pw := parquet.NewGenericWriter[VectorRecord](&buf, opts...)
			_, err = pw.Write([]VectorRecord{{ID: 1, Vector: []float32{1, 2, 3}}})
			require.NoError(t, err)
			require.NoError(t, pw.Close())
			_, err = ParquetCodec{}.Decode(bytes.NewReader(buf.Bytes()))
			assert.ErrorIs(t, err, qerrors.ErrCorrupt)

			// and Encode refuses to write it in the first place
			assert.ErrorIs(t, ArrowCodec{}.Encode(&bytes.Buffer{}, st), qerrors.ErrCorrupt)
		})
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"arrow": "arrow", "IPC": "arrow", "Parquet": "parquet"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := CodecByName("json")
	assert.ErrorIs(t, err, qerrors.ErrInvalidInput)
}

func TestIndexState_Validate(t *testing.T) {
	var nilState *IndexState
	assert.ErrorIs(t, nilState.Validate(), qerrors.ErrCorrupt)

	tests := map[string]func(*IndexState){
		"dimension":  func(s *IndexState) { s.Dimension = 0 },
		"metric":     func(s *IndexState) { s.Metric = "" },
		"backend":    func(s *IndexState) { s.Backend = "" },
		"count":      func(s *IndexState) { s.IDs = s.IDs[:1] },
		"duplicate":  func(s *IndexState) { s.IDs[1] = s.IDs[0] },
		"ragged row": func(s *IndexState) { s.Vectors[2] = append(s.Vectors[2], 1) },
		"huge ef":    func(s *IndexState) { s.HNSW.EfSearch = 1 << 30 },
		"huge efc":   func(s *IndexState) { s.HNSW.EfConstruction = MaxGraphEf + 1 },
		"negative m": func(s *IndexState) { s.HNSW.M = -1 },
		"huge m":     func(s *IndexState) { s.HNSW.M = 1 << 20 },
		"nan ml":     func(s *IndexState) { s.HNSW.Ml = math.NaN() },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			st := sampleState(3, 4)
			mutate(st)
			assert.ErrorIs(t, st.Validate(), qerrors.ErrCorrupt)
		})
	}
	assert.NoError(t, sampleState(3, 4).Validate())
}

func snapshotRoot(t *testing.T) (*security.DefaultPathValidator, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return security.NewPathValidator(root), root
}

func TestSaveLoad(t *testing.T) {
	v, root := snapshotRoot(t)
	for name, mk := range testCodecs(t) {
		t.Run(name, func(t *testing.T) {
			codec, check := mk()
			defer check()
			st := sampleState(50, 6)
			okBefore := testutil.ToFloat64(metrics.SnapshotTotal.WithLabelValues("save", codec.Name(), "ok"))

			path := filepath.Join("indices", name, "snap.bin")
			require.NoError(t, Save(path, st, codec, v))
			assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.SnapshotTotal.WithLabelValues("save", codec.Name(), "ok")))
			assert.Greater(t, testutil.ToFloat64(metrics.SnapshotSizeBytes), 0.0)

			entries, err := os.ReadDir(filepath.Join(root, "indices", name))
			require.NoError(t, err)
			require.Len(t, entries, 1, "temporary files must not survive a successful save")

			got, err := Load(path, codec, v)
			require.NoError(t, err)
			assert.Equal(t, st.IDs, got.IDs)
			assert.Equal(t, st.Vectors, got.Vectors)
		})
	}
}

func TestSave_Overwrites(t *testing.T) {
	v, _ := snapshotRoot(t)
	codec := ParquetCodec{}
	require.NoError(t, Save("snap.parquet", sampleState(10, 3), codec, v))
	require.NoError(t, Save("snap.parquet", sampleState(4, 3), codec, v))

	got, err := Load("snap.parquet", codec, v)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
}

func TestSaveLoad_RejectsPathBeforeIO(t *testing.T) {
	v, root := snapshotRoot(t)
	for _, p := range []string{"../escape.bin", "/etc/passwd", "data/%2e%2e/x", ""} {
		err := Save(p, sampleState(1, 2), ArrowCodec{}, v)
		assert.ErrorIs(t, err, qerrors.ErrInvalidPath, p)

		_, err = Load(p, ArrowCodec{}, v)
		assert.ErrorIs(t, err, qerrors.ErrInvalidPath, p)
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSave_InvalidStateWritesNothing(t *testing.T) {
	v, root := snapshotRoot(t)
	st := sampleState(2, 2)
	st.Metric = ""
	errBefore := testutil.ToFloat64(metrics.SnapshotTotal.WithLabelValues("save", "arrow", "error"))

	require.ErrorIs(t, Save("bad.arrow", st, ArrowCodec{}, v), qerrors.ErrCorrupt)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.SnapshotTotal.WithLabelValues("save", "arrow", "error")))
	_, err := os.Stat(filepath.Join(root, "bad.arrow"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoad_Missing(t *testing.T) {
	v, _ := snapshotRoot(t)
	_, err := Load("nope.arrow", ArrowCodec{}, v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoad_CorruptFile(t *testing.T) {
	v, root := snapshotRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk.parquet"), []byte("PAR1 nonsense"), 0o600))
	_, err := Load("junk.parquet", ParquetCodec{}, v)
	assert.ErrorIs(t, err, qerrors.ErrCorrupt)
}

func TestSaveLoad_NilCodec(t *testing.T) {
	v, _ := snapshotRoot(t)
	assert.ErrorIs(t, Save("x", sampleState(1, 1), nil, v), qerrors.ErrInvalidInput)
	_, err := Load("x", nil, v)
	assert.ErrorIs(t, err, qerrors.ErrInvalidInput)
}
