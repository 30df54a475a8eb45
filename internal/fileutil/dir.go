package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/giantswarm/notifyenv/internal/sentinel"
)

// ErrModuleRootNotFound is returned by FindModuleRoot when no ancestor of the
// start directory contains a go.mod file.
const ErrModuleRootNotFound = sentinel.Error("no go.mod found in any parent directory")

// EnsureDir creates a directory and all parent directories if they don't exist.
// Uses mode 0755. Returns nil if directory already exists.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// FindModuleRoot walks up from start and returns the first directory that
// contains a go.mod file. The returned path is absolute.
func FindModuleRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		info, err := os.Stat(filepath.Join(dir, "go.mod"))
		switch {
		case err == nil && !info.IsDir():
			return dir, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat go.mod in %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", start, ErrModuleRootNotFound)
		}
		dir = parent
	}
}
