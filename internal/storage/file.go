package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"unilog/internal/metrics"
)

// FileStore writes each object to <dir>/<key>. Writes go to a temporary file
// that is renamed into place, so readers never see a partial object.
type FileStore struct {
	dir    string
	closed atomic.Bool
}

// NewFileStore creates the root directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a key is stored at
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *FileStore) Persist(ctx context.Context, key string, payload []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("file store: %w", err)
	}

	metrics.FailureStoreBytesWritten.WithLabelValues("file").Add(float64(len(payload)))
	return nil
}

func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}
