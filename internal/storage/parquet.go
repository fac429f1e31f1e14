package storage

import (
	"bytes"
	"fmt"
	"io"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/parquet-go/parquet-go"
)

// VectorRecord represents a single row for Parquet serialization
type VectorRecord struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector"`
}

// ParquetCodec writes snapshots as zstd compressed Parquet with index
// parameters in the file key/value metadata.
type ParquetCodec struct {
	// RowGroupRows bounds the rows buffered per row group. Zero uses the
	// writer default.
	RowGroupRows int64
}

func (ParquetCodec) Name() string { return "parquet" }

func (c ParquetCodec) Encode(w io.Writer, st *IndexState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	opts := []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}
	keys, vals := headerPairs(st)
	for i := range keys {
		opts = append(opts, parquet.KeyValueMetadata(keys[i], vals[i]))
	}
	if c.RowGroupRows > 0 {
		opts = append(opts, parquet.MaxRowsPerRowGroup(c.RowGroupRows))
	}

	pw := parquet.NewGenericWriter[VectorRecord](w, opts...)
	rows := make([]VectorRecord, 0, min(len(st.IDs), 1024))
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.Write(rows); err != nil {
			return err
		}
		rows = rows[:0]
		return nil
	}
	for i, id := range st.IDs {
		rows = append(rows, VectorRecord{ID: id, Vector: st.Vectors[i]})
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				_ = pw.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}

func (ParquetCodec) Decode(r io.Reader) (*IndexState, error) {
	const op = "decode_snapshot"
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, qerrors.WrapCorrupt(err, op, "not a parquet file")
	}
	st, err := stateFromHeader(pf.Lookup)
	if err != nil {
		return nil, err
	}

	pr := parquet.NewGenericReader[VectorRecord](pf)
	defer func() { _ = pr.Close() }()
	rows := make([]VectorRecord, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, qerrors.WrapCorrupt(err, op, "unreadable parquet rows")
	}
	if int64(n) != pr.NumRows() {
		return nil, qerrors.Corrupt(op, fmt.Sprintf("read %d of %d rows", n, pr.NumRows()))
	}

	st.IDs = make([]int64, n)
	st.Vectors = make([][]float32, n)
	for i, row := range rows[:n] {
		st.IDs[i] = row.ID
		st.Vectors[i] = row.Vector
	}
	return st, nil
}
