package storage

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	qerrors "github.com/23skdu/quiver/internal/errors"
)

// Codec encodes snapshots.
type Codec interface {
	Name() string
	Encode(w io.Writer, st *IndexState) error
	Decode(r io.Reader) (*IndexState, error)
}

// metadata keys shared by the codecs
const (
	metaFormat         = "quiver.format"
	metaBackend        = "quiver.backend"
	metaDimension      = "quiver.dimension"
	metaMetric         = "quiver.metric"
	metaM              = "quiver.hnsw.m"
	metaMl             = "quiver.hnsw.ml"
	metaEfConstruction = "quiver.hnsw.ef_construction"
	metaEfSearch       = "quiver.hnsw.ef_search"
	metaSeed           = "quiver.hnsw.seed"

	formatVersion = "1"
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "arrow", "ipc":
		return ArrowCodec{}, nil
	case "parquet":
		return ParquetCodec{}, nil
	}
	return nil, qerrors.InvalidInput("codec", fmt.Sprintf("unknown snapshot codec %q", name))
}

func headerPairs(st *IndexState) ([]string, []string) {
	keys := []string{metaFormat, metaBackend, metaDimension, metaMetric, metaM, metaMl, metaEfConstruction, metaEfSearch, metaSeed}
	vals := []string{
		formatVersion,
		st.Backend,
		strconv.Itoa(st.Dimension),
		st.Metric,
		strconv.Itoa(st.HNSW.M),
		strconv.FormatFloat(st.HNSW.Ml, 'g', -1, 64),
		strconv.Itoa(st.HNSW.EfConstruction),
		strconv.Itoa(st.HNSW.EfSearch),
		strconv.FormatInt(st.HNSW.Seed, 10),
	}
	return keys, vals
}

// stateFromHeader parses the metadata written by headerPairs.
func stateFromHeader(lookup func(key string) (string, bool)) (*IndexState, error) {
	const op = "decode_snapshot"
	get := func(key string) (string, error) {
		v, ok := lookup(key)
		if !ok {
			return "", qerrors.Corrupt(op, fmt.Sprintf("missing metadata %q", key))
		}
		return v, nil
	}
	atoi := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, qerrors.WrapCorrupt(err, op, fmt.Sprintf("bad metadata %q", key))
		}
		return n, nil
	}

	format, err := get(metaFormat)
	if err != nil {
		return nil, err
	}
	if format != formatVersion {
		return nil, qerrors.Corrupt(op, fmt.Sprintf("unsupported snapshot format %q", format))
	}

	st := &IndexState{}
	if st.Backend, err = get(metaBackend); err != nil {
		return nil, err
	}
	if st.Metric, err = get(metaMetric); err != nil {
		return nil, err
	}
	if st.Dimension, err = atoi(metaDimension); err != nil {
		return nil, err
	}
	if st.HNSW.M, err = atoi(metaM); err != nil {
		return nil, err
	}
	if st.HNSW.EfConstruction, err = atoi(metaEfConstruction); err != nil {
		return nil, err
	}
	if st.HNSW.EfSearch, err = atoi(metaEfSearch); err != nil {
		return nil, err
	}
	ml, err := get(metaMl)
	if err != nil {
		return nil, err
	}
	if st.HNSW.Ml, err = strconv.ParseFloat(ml, 64); err != nil {
		return nil, qerrors.WrapCorrupt(err, op, fmt.Sprintf("bad metadata %q", metaMl))
	}
	seed, err := get(metaSeed)
	if err != nil {
		return nil, err
	}
	if st.HNSW.Seed, err = strconv.ParseInt(seed, 10, 64); err != nil {
		return nil, qerrors.WrapCorrupt(err, op, fmt.Sprintf("bad metadata %q", metaSeed))
	}
	if st.Dimension <= 0 {
		return nil, qerrors.Corrupt(op, fmt.Sprintf("dimension must be positive, got %d", st.Dimension))
	}
	if err := st.HNSW.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}
