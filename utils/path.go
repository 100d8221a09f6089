package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolve returns an absolute, symlink-free form of path when possible.
func resolve(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Abs(path)
}

// IsPathWithin returns true if path is inside (or equal to) any of the roots.
func IsPathWithin(path string, roots ...string) bool {
	absPath, err := resolve(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := resolve(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// JoinWithin joins name onto root and rejects results that escape root.
func JoinWithin(root, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(root, name)
	if !IsPathWithin(path, root) {
		return "", fmt.Errorf("%s escapes %s", name, root)
	}
	return path, nil
}
