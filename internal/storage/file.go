package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FileKV stores one file per key under a directory.
// Writes go through a temp file and a rename so a crash never leaves a torn value.
type FileKV struct {
	dir string
	mu  sync.RWMutex
}

// NewFile creates a FileKV rooted at dir. The directory is created lazily on first write.
func NewFile(dir string) *FileKV {
	return &FileKV{dir: dir}
}

// path maps a key to a file name; keys like "@driver/pending_trip_offers" are escaped.
func (s *FileKV) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

func (s *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %q: %w", key, err)
	}
	return data, nil
}

func (s *FileKV) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany stages every value in a temp file first and renames them while holding
// the write lock, so readers of this store see either none or all of the values.
func (s *FileKV) SetMany(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}

	staged := make(map[string]string, len(values))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}

	for key, value := range values {
		f, err := os.CreateTemp(s.dir, ".tmp-*")
		if err != nil {
			cleanup()
			return fmt.Errorf("storage: create temp file: %w", err)
		}
		staged[key] = f.Name()
		if _, err := f.Write(value); err != nil {
			f.Close()
			cleanup()
			return fmt.Errorf("storage: write %q: %w", key, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			cleanup()
			return fmt.Errorf("storage: sync %q: %w", key, err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return fmt.Errorf("storage: close %q: %w", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, tmp := range staged {
		if err := os.Rename(tmp, s.path(key)); err != nil {
			cleanup()
			return fmt.Errorf("storage: commit %q: %w", key, err)
		}
		delete(staged, key)
	}
	return nil
}

func (s *FileKV) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: delete %q: %w", key, err)
		}
	}
	return nil
}
