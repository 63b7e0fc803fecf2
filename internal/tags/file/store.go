// Package file provides a filesystem-backed tag store. Keys map to
// files under a base directory, so prefix deletion is directory
// removal.
//
// The claim path pairs O_EXCL file creation with an in-process mutex.
// That makes PutIfAbsent atomic for workers inside one process; for
// fleets of worker processes use the Postgres or Redis backend.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

type record struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Store persists tags as one JSON file per key.
type Store struct {
	base string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates the base directory if needed and returns a Store.
func New(base string) (*Store, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("create tag directory: %w", err)
	}
	return &Store{
		base: base,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

const leafSuffix = ".tag"

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(filepath.Join(s.base, filepath.FromSlash(key)+leafSuffix))
	if !strings.HasPrefix(clean, filepath.Clean(s.base)+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes tag directory: %q", key)
	}
	return clean, nil
}

func (s *Store) read(key string) (record, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return record{}, false, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode tag %q: %w", key, err)
	}
	if rec.expired(s.now()) {
		return record{}, false, nil
	}
	return rec, true, nil
}

// Exists reports whether a live tag file is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, ok, err := s.read(key)
	return ok, err
}

// Get returns a live tag value.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	rec, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Put writes a tag, replacing any existing file.
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := s.encode(value, ttl)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	return nil
}

// PutIfAbsent claims the key with an exclusive create. An expired file
// silently reclaims the slot.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	raw, err := s.encode(value, ttl)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}

	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		_, live, readErr := s.readFile(path)
		if readErr != nil {
			return false, readErr
		}
		if live {
			return false, nil
		}
		// Expired: rewrite in place under the store mutex.
		if err := os.WriteFile(path, raw, 0o640); err != nil {
			return false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	defer fh.Close()
	if _, err := fh.Write(raw); err != nil {
		return false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	return true, nil
}

// DeletePrefix removes every tag whose key starts with the prefix. The
// walk completes before returning.
func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	// Prefixes end at a segment boundary in practice, which maps to a
	// directory subtree.
	if strings.HasSuffix(prefix, "/") {
		dir := filepath.Join(s.base, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
		}
		return nil
	}
	return filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, leafSuffix) {
			return err
		}
		rel, relErr := filepath.Rel(s.base, path)
		if relErr != nil {
			return relErr
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), leafSuffix)
		if strings.HasPrefix(key, prefix) {
			return os.Remove(path)
		}
		return nil
	})
}

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

func (s *Store) encode(value []byte, ttl time.Duration) ([]byte, error) {
	rec := record{Value: value}
	if ttl > 0 {
		expires := s.now().Add(ttl)
		rec.ExpiresAt = &expires
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode tag: %w", err)
	}
	return raw, nil
}

func (s *Store) readFile(path string) (record, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("%w: %v", crawl.ErrStoreUnavailable, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A torn write is treated as absent so the slot can be
		// reclaimed.
		return record{}, false, nil
	}
	return rec, !rec.expired(s.now()), nil
}
