package isolation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rendis/convo/pkg/schema"
)

// PathRules restrict which host paths a script may be pointed at (working
// directory, extra read-only mounts). DenyPaths always win. An empty
// ReadOnlyPaths list allows any path not denied.
type PathRules struct {
	ReadOnlyPaths []string `json:"read_only_paths,omitempty" yaml:"read_only_paths"`
	DenyPaths     []string `json:"deny_paths,omitempty" yaml:"deny_paths"`
}

// Validate checks whether path is permitted under these rules.
func (r PathRules) Validate(path string) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	// Fail closed: an unparseable deny rule denies everything.
	for _, deny := range r.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(r.ReadOnlyPaths) == 0 {
		return nil
	}
	for _, ro := range r.ReadOnlyPaths {
		base, err := resolveCleanPath(ro)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is not under any allowed path", path)
}

// resolveCleanPath cleans a path to absolute form and resolves symlinks on
// the longest existing prefix.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		dir = parent
	}
	return abs, nil
}

// isUnderPath reports whether path equals base or lies beneath it.
// filepath.Rel avoids prefix confusion such as /tmp vs /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
