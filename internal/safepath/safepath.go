// Package safepath resolves caller-supplied paths against a root directory
// and rejects any that land outside it.
package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside its root.
var ErrOutsideRoot = errors.New("path is outside root")

// Resolve joins target onto root (absolute targets are taken as-is),
// follows symlinks in the part of the path that already exists, and
// returns the resulting absolute path if it is strictly inside root. The
// target itself and any missing parent directories need not exist.
func Resolve(root, target string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("safety root is required")
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("target path is required")
	}

	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolve root path %s: %w", root, err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve root symlinks %s: %w", root, err)
	}

	joined := target
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(rootAbs, target)
	}
	resolved, err := resolveExistingPrefix(filepath.Clean(joined))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", target, err)
	}

	rel, err := filepath.Rel(rootReal, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	return resolved, nil
}

// resolveExistingPrefix evaluates symlinks on the longest existing ancestor
// of p and re-appends the missing tail.
func resolveExistingPrefix(p string) (string, error) {
	var missing []string
	current := p
	for {
		_, err := os.Lstat(current)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}

	resolved, err := filepath.EvalSymlinks(current)
	if err != nil {
		return "", err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, missing[i])
	}
	return filepath.Clean(resolved), nil
}
