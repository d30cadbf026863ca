// Package security guards file names and paths built from user-supplied
// labels before anything is written to disk.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside its base directory.
var ErrOutsideDir = errors.New("path escapes output directory")

const maxNameLen = 128

// SanitizeFilename maps a label to a file name made of ASCII letters,
// digits, '.', '_' and '-'. Runs of other characters become one underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}

// resolve returns the absolute path with symlinks resolved for the longest
// existing prefix, so a not-yet-created file under a symlinked directory is
// still followed.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	rest := ""
	for cur := abs; ; {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// WithinDir reports an error wrapping ErrOutsideDir unless path, after
// resolving ".." and symlinks, lies inside dir.
func WithinDir(path, dir string) error {
	p, err := resolve(path)
	if err != nil {
		return err
	}
	d, err := resolve(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideDir, path, dir)
	}
	return nil
}

// OutputPath joins a sanitised name and extension onto dir and checks the
// result stays inside dir. dir is created when missing.
func OutputPath(dir, name, ext string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(dir, SanitizeFilename(name)+ext)
	if err := WithinDir(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
