// Package local writes fetched artifacts to a directory tree.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes artifacts under a base directory.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating it when absent and
// verifying it is writable.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive: base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("archive: create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("archive: stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive: %s is not a directory", baseDir)
	}

	probe := filepath.Join(baseDir, ".writable")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("archive: base directory not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("archive: remove probe file: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// resolve maps an archive path onto the filesystem, refusing anything
// that escapes the base directory.
func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("archive: path is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), base+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: path %q escapes base directory", path)
	}
	return full, nil
}

// Put writes the content via a temp file plus rename and returns a
// file:// URI. Concurrent writers of the same artifact produce
// identical content, so last rename wins harmlessly.
func (s *Store) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("archive: create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: rename %s: %w", path, err)
	}
	return "file://" + full, nil
}

// Get reads previously stored content.
func (s *Store) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}
	return data, nil
}
