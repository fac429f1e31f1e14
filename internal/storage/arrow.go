package storage

import (
	"fmt"
	"io"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowBatchRows bounds the rows per IPC record batch.
const arrowBatchRows = 8192

// ArrowCodec writes snapshots as a zstd compressed Arrow IPC stream with
// columns id:int64 and vector:fixed_size_list<float32>[dim]. Index
// parameters travel in the schema metadata.
type ArrowCodec struct {
	Allocator memory.Allocator
}

func (ArrowCodec) Name() string { return "arrow" }

func (c ArrowCodec) mem() memory.Allocator {
	if c.Allocator != nil {
		return c.Allocator
	}
	return memory.DefaultAllocator
}

func snapshotSchema(st *IndexState) *arrow.Schema {
	keys, vals := headerPairs(st)
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(st.Dimension), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

func (c ArrowCodec) Encode(w io.Writer, st *IndexState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	mem := c.mem()
	schema := snapshotSchema(st)

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem), ipc.WithZstd())
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idBuilder := b.Field(0).(*array.Int64Builder)
	vecBuilder := b.Field(1).(*array.FixedSizeListBuilder)
	vecValBuilder := vecBuilder.ValueBuilder().(*array.Float32Builder)

	for start := 0; start < len(st.IDs) || start == 0; start += arrowBatchRows {
		end := min(start+arrowBatchRows, len(st.IDs))
		idBuilder.AppendValues(st.IDs[start:end], nil)
		for _, vec := range st.Vectors[start:end] {
			vecBuilder.Append(true)
			vecValBuilder.AppendValues(vec, nil)
		}
		rec := b.NewRecord()
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("write record batch: %w", err)
		}
		if end == len(st.IDs) {
			break
		}
	}
	return writer.Close()
}

func (c ArrowCodec) Decode(r io.Reader) (*IndexState, error) {
	const op = "decode_snapshot"
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(c.mem()))
	if err != nil {
		return nil, qerrors.WrapCorrupt(err, op, "not an arrow ipc stream")
	}
	defer rdr.Release()

	md := rdr.Schema().Metadata()
	st, err := stateFromHeader(func(key string) (string, bool) {
		i := md.FindKey(key)
		if i < 0 {
			return "", false
		}
		return md.Values()[i], true
	})
	if err != nil {
		return nil, err
	}

	for rdr.Next() {
		if err := appendRecord(st, rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, qerrors.WrapCorrupt(err, op, "truncated arrow ipc stream")
	}
	return st, nil
}

func appendRecord(st *IndexState, rec arrow.Record) error {
	const op = "decode_snapshot"
	if rec.NumCols() != 2 {
		return qerrors.Corrupt(op, fmt.Sprintf("record has %d columns, want 2", rec.NumCols()))
	}
	ids, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return qerrors.Corrupt(op, fmt.Sprintf("id column is %s", rec.Column(0).DataType()))
	}
	vecs, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return qerrors.Corrupt(op, fmt.Sprintf("vector column is %s", rec.Column(1).DataType()))
	}
	width := int(vecs.DataType().(*arrow.FixedSizeListType).Len())
	if width != st.Dimension {
		return qerrors.Corrupt(op, fmt.Sprintf("vector width %d, metadata says %d", width, st.Dimension))
	}
	values, ok := vecs.ListValues().(*array.Float32)
	if !ok {
		return qerrors.Corrupt(op, fmt.Sprintf("vector values are %s", vecs.ListValues().DataType()))
	}
	floats := values.Float32Values()

	for i := 0; i < ids.Len(); i++ {
		if ids.IsNull(i) || vecs.IsNull(i) {
			return qerrors.Corrupt(op, fmt.Sprintf("null entry at row %d", i))
		}
		start, end := vecs.ValueOffsets(i)
		if start < 0 || end > int64(len(floats)) || int(end-start) != width {
			return qerrors.Corrupt(op, fmt.Sprintf("vector %d out of bounds", i))
		}
		st.IDs = append(st.IDs, ids.Value(i))
		st.Vectors = append(st.Vectors, append([]float32(nil), floats[start:end]...))
	}
	return nil
}
