// Package storage provides the durable local byte store used as the
// recording write-ahead buffer before upload.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Writer appends bytes to one stored file.
type Writer interface {
	Write(p []byte) (int, error)
	Close() error
}

// Store is a per-key append/read/delete byte store that survives
// process restarts.
type Store interface {
	// CreateFile opens a fresh writer for key, truncating any previous
	// content.
	CreateFile(key string) (Writer, error)
	// GetFile returns the stored bytes, or nil when the key does not
	// exist.
	GetFile(key string) ([]byte, error)
	// DeleteFile removes the key. Deleting a missing key is not an
	// error.
	DeleteFile(key string) error
	// ListKeys returns all stored keys in lexical order.
	ListKeys() ([]string, error)
}

// SpoolStore stores each key as one file in a spool directory.
type SpoolStore struct {
	fs  afero.Fs
	dir string
}

// NewSpoolStore creates a store rooted at dir on the real filesystem.
func NewSpoolStore(dir string) (*SpoolStore, error) {
	return NewSpoolStoreFs(afero.NewOsFs(), dir)
}

// NewSpoolStoreFs creates a store over an arbitrary filesystem; tests
// pass afero.NewMemMapFs().
func NewSpoolStoreFs(fs afero.Fs, dir string) (*SpoolStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}
	return &SpoolStore{fs: fs, dir: dir}, nil
}

// path maps a key to its file, rejecting keys that would escape the
// spool directory.
func (s *SpoolStore) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage key is required")
	}
	if strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *SpoolStore) CreateFile(key string) (Writer, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file %s: %w", key, err)
	}
	slog.Debug("Spool file created", "key", key)
	return f, nil
}

func (s *SpoolStore) GetFile(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read spool file %s: %w", key, err)
	}
	return data, nil
}

func (s *SpoolStore) DeleteFile(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete spool file %s: %w", key, err)
	}
	return nil
}

func (s *SpoolStore) ListKeys() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool directory: %w", err)
	}
	var keys []string
	for _, info := range infos {
		if !info.IsDir() {
			keys = append(keys, info.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}
