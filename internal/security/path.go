package security

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/metrics"
)

// PathValidator vets a user supplied snapshot path before any I/O.
type PathValidator interface {
	// Validate returns the resolved path to use, or an InvalidPath error.
	Validate(path string) (string, error)
}

// DefaultAllowedDirs are the base directories, relative to the root,
// snapshots may live under.
var DefaultAllowedDirs = []string{".", "data", "models", "indices", "tmp"}

// maxDecodeRounds bounds percent-decoding so nested encodings are caught
// without unbounded work.
const maxDecodeRounds = 4

var dangerousSequences = []string{
	"..", "/etc/", "\\windows\\", "c:\\", "proc/", "dev/",
	"%2e%2e", "%2f", "%5c", "..%2f", "..\\", ".%2e",
	"%252e", "%252f", "%255c",
	"%25252e", "%25252f", "%25255c",
}

// DefaultPathValidator accepts relative paths that resolve, after symlinks,
// inside one of the allowed directories under Root.
type DefaultPathValidator struct {
	// Root anchors relative paths. Empty means the working directory at
	// validation time.
	Root        string
	AllowedDirs []string
	// Audit receives rejected paths when set.
	Audit *AuditLogger
}

// NewPathValidator returns a validator rooted at root with the default
// allowed directories.
func NewPathValidator(root string) *DefaultPathValidator {
	return &DefaultPathValidator{Root: root, AllowedDirs: DefaultAllowedDirs}
}

func (v *DefaultPathValidator) Validate(path string) (string, error) {
	resolved, reason, err := v.validate(path)
	if err != nil {
		metrics.PathRejectionsTotal.WithLabelValues(reason).Inc()
		if v.Audit != nil {
			v.Audit.LogAuditEntry(context.Background(), AuditEntry{
				Timestamp: time.Now(),
				Operation: "validate_path",
				Resource:  path,
				Success:   false,
				Reason:    reason,
			})
		}
		return "", err
	}
	return resolved, nil
}

func (v *DefaultPathValidator) validate(path string) (string, string, error) {
	const op = "validate_path"
	reject := func(reason, msg string) (string, string, error) {
		return "", reason, qerrors.InvalidPath(op, path, msg)
	}

	if path == "" {
		return reject("empty", "path is empty")
	}
	for _, r := range path {
		if r == 0 || unicode.IsControl(r) {
			return reject("control_char", "path contains invalid characters")
		}
	}
	if containsDangerous(path) {
		return reject("traversal", "path contains potentially dangerous sequences")
	}
	cur := path
	for i := 0; i < maxDecodeRounds; i++ {
		decoded, ok := percentDecode(cur)
		if !ok {
			return reject("malformed_escape", "path contains malformed percent-encoding")
		}
		if decoded == cur {
			break
		}
		if containsDangerous(decoded) {
			return reject("encoded_traversal", "path contains potentially dangerous sequences after decoding")
		}
		cur = decoded
	}
	if isAbsolute(path) {
		return reject("absolute", "absolute paths are not allowed")
	}

	root := v.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return reject("root", "cannot determine working directory")
		}
		root = wd
	}
	root, err := resolve(root)
	if err != nil {
		return reject("root", "cannot resolve root directory")
	}

	full := filepath.Join(root, path)
	resolved, err := resolve(full)
	if err != nil {
		return reject("unresolvable", "cannot resolve path")
	}

	allowed := v.AllowedDirs
	if len(allowed) == 0 {
		allowed = DefaultAllowedDirs
	}
	for _, dir := range allowed {
		base, err := resolve(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		if within(base, resolved) {
			return resolved, "", nil
		}
	}
	return reject("outside_base", "path is outside allowed directories")
}

func containsDangerous(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range dangerousSequences {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// percentDecode decodes one round of %XX escapes. A '%' not followed by two
// hex digits, or a result that is not UTF-8, is malformed.
func percentDecode(s string) (string, bool) {
	if !strings.Contains(s, "%") {
		return s, true
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	out := b.String()
	if !utf8.ValidString(out) {
		return "", false
	}
	return out, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// isAbsolute rejects host absolute paths as well as rooted and drive
// letter forms of other platforms.
func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && unicode.IsLetter(rune(p[0]))
}

// resolve evaluates symlinks of the longest existing prefix of p and
// appends the remaining components unchanged.
func resolve(p string) (string, error) {
	p = filepath.Clean(p)
	var rest []string
	cur := p
	for {
		r, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{r}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
