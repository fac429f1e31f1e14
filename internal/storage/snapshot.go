package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/security"
)

// Save validates path, then writes st through codec to a temporary file in
// the target directory and renames it into place. A nil validator uses
// security.NewPathValidator rooted at the working directory.
func Save(path string, st *IndexState, codec Codec, v security.PathValidator) (err error) {
	const op = "save"
	start := time.Now()
	name := codecName(codec)
	defer func() { observe(op, name, start, err) }()

	if codec == nil {
		return qerrors.InvalidInput(op, "codec is nil")
	}
	if v == nil {
		v = security.NewPathValidator("")
	}
	resolved, err := v.Validate(path)
	if err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}

	size, err := writeAtomic(resolved, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, 1<<20)
		if err := codec.Encode(bw, st); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("failed to flush snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.SnapshotSizeBytes.Set(float64(size))
	return nil
}

// Load validates path and decodes the snapshot stored there. Decoding
// failures are reported as Corrupt; a missing file still satisfies
// errors.Is(err, fs.ErrNotExist).
func Load(path string, codec Codec, v security.PathValidator) (st *IndexState, err error) {
	const op = "load"
	start := time.Now()
	name := codecName(codec)
	defer func() { observe(op, name, start, err) }()

	if codec == nil {
		return nil, qerrors.InvalidInput(op, "codec is nil")
	}
	if v == nil {
		v = security.NewPathValidator("")
	}
	resolved, err := v.Validate(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err = codec.Decode(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		if qerrors.TypeOf(err) == "" {
			err = qerrors.WrapCorrupt(err, op, "snapshot decode failed")
		}
		return nil, err
	}
	if err = st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// writeAtomic creates a temp file next to resolved, fills it with fill,
// syncs it and renames it into place. The temp file is removed on failure.
func writeAtomic(resolved string, fill func(io.Writer) error) (size int64, err error) {
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(resolved)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = fill(tmp); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	info, statErr := tmp.Stat()
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err = os.Rename(tmpName, resolved); err != nil {
		return 0, fmt.Errorf("failed to rename snapshot: %w", err)
	}
	if statErr == nil {
		size = info.Size()
	}
	return size, nil
}

func codecName(c Codec) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}

func observe(op, codec string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SnapshotTotal.WithLabelValues(op, codec, status).Inc()
	metrics.SnapshotDurationSeconds.WithLabelValues(op, codec).Observe(time.Since(start).Seconds())
}
