package security

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootedValidator(t *testing.T) (*DefaultPathValidator, string) {
	t.Helper()
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return NewPathValidator(root), resolved
}

func TestDefaultPathValidator_Accepts(t *testing.T) {
	v, root := rootedValidator(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o755))

	tests := []struct {
		path string
		want string
	}{
		{"model.bin", filepath.Join(root, "model.bin")},
		{"./data/index.bin", filepath.Join(root, "data", "index.bin")},
		{"indices/new/dir/index.arrow", filepath.Join(root, "indices", "new", "dir", "index.arrow")},
		{"snap%20shot.bin", filepath.Join(root, "snap%20shot.bin")},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := v.Validate(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultPathValidator_Rejects(t *testing.T) {
	v, _ := rootedValidator(t)

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"empty", "", "empty"},
		{"traversal", "../../../etc/passwd", "traversal"},
		{"embedded traversal", "data/../../x.bin", "traversal"},
		{"backslash traversal", "..\\..\\windows\\system32", "traversal"},
		{"encoded traversal", "%2e%2e/etc/passwd", "traversal"},
		{"encoded slash", "data%2fx.bin", "traversal"},
		{"double encoded", "%25%32%65%25%32%65/x", "encoded_traversal"},
		{"malformed escape", "snap%zz.bin", "malformed_escape"},
		{"trailing percent", "snap%", "malformed_escape"},
		{"absolute", "/tmp/index.bin", "absolute"},
		{"windows drive", "D:\\indices\\x.bin", "absolute"},
		{"rooted backslash", "\\share\\x.bin", "absolute"},
		{"null byte", "test.bin\x00", "control_char"},
		{"control char", "test\x01.bin", "control_char"},
		{"newline", "test\n.bin", "control_char"},
		{"proc", "proc/self/environ", "traversal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.PathRejectionsTotal.WithLabelValues(tt.reason))
			_, err := v.Validate(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, qerrors.ErrInvalidPath)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.PathRejectionsTotal.WithLabelValues(tt.reason)))
		})
	}
}

func TestDefaultPathValidator_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	v, root := rootedValidator(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := v.Validate("escape/index.bin")
	assert.ErrorIs(t, err, qerrors.ErrInvalidPath)
}

func TestDefaultPathValidator_AllowedDirs(t *testing.T) {
	root := t.TempDir()
	v := &DefaultPathValidator{Root: root, AllowedDirs: []string{"data"}}

	_, err := v.Validate("data/x.bin")
	assert.NoError(t, err)
	_, err = v.Validate("models/x.bin")
	assert.ErrorIs(t, err, qerrors.ErrInvalidPath)
}

func TestDefaultPathValidator_Audit(t *testing.T) {
	var buf bytes.Buffer
	v, _ := rootedValidator(t)
	v.Audit = NewAuditLogger(zerolog.New(&buf))

	_, err := v.Validate("../secret")
	require.Error(t, err)
	out := buf.String()
	assert.Contains(t, out, `"operation":"validate_path"`)
	assert.Contains(t, out, `"status":"failed"`)
	assert.Contains(t, out, `"reason":"traversal"`)
	assert.True(t, strings.Contains(out, `"level":"warn"`))
}

func TestPercentDecode(t *testing.T) {
	got, ok := percentDecode("a%2Fb%41")
	require.True(t, ok)
	assert.Equal(t, "a/bA", got)

	_, ok = percentDecode("%ff%fe")
	assert.False(t, ok, "invalid utf-8 is malformed")

	got, ok = percentDecode("plain")
	assert.True(t, ok)
	assert.Equal(t, "plain", got)
}

func FuzzDefaultPathValidator(f *testing.F) {
	for _, seed := range []string{"model.bin", "../x", "%2e%2e/x", "data/%252e%252e/x", "/abs", "a\x00b", "data/ok.bin"} {
		f.Add(seed)
	}
	root := f.TempDir()
	v := NewPathValidator(root)
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, path string) {
		got, err := v.Validate(path)
		if err != nil {
			if !qerrors.Is(err, qerrors.ErrInvalidPath) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		if !within(resolvedRoot, got) {
			t.Fatalf("%q resolved outside root: %q", path, got)
		}
	})
}
