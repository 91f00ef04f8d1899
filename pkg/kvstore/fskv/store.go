// Package fskv implements kvstore.Store on a local directory tree.
//
// Layout: each key maps to a regular file under the root, one path
// component per key segment. Writes go through a temp file + rename so a
// concurrent reader sees the previous value or the new one, never a
// partial file.
package fskv

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// Store is a filesystem-backed key-value store.
type Store struct {
	root string
}

var _ kvstore.Store = (*Store)(nil)

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, &kvstore.StoreError{Op: "New", Backend: kvstore.BackendFS, Err: kvstore.ErrInvalidKey}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &kvstore.StoreError{Op: "New", Backend: kvstore.BackendFS, Err: err}
	}
	return &Store{root: root}, nil
}

// RootDir returns the store's root directory.
func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) path(key string) (string, error) {
	segs := strings.Split(key, "/")
	for _, seg := range segs {
		if err := kvstore.ValidateSegment(seg); err != nil {
			return "", err
		}
	}
	return filepath.Join(append([]string{s.root}, segs...)...), nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &kvstore.StoreError{Op: "Get", Backend: kvstore.BackendFS, Key: key, Err: kvstore.ErrNotFound}
		}
		return nil, &kvstore.StoreError{Op: "Get", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	return b, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendFS, Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".kv.tmp.*")
	if err != nil {
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &kvstore.StoreError{Op: "Set", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return &kvstore.StoreError{Op: "Delete", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &kvstore.StoreError{Op: "Exists", Backend: kvstore.BackendFS, Key: key, Err: err}
	}
	return !info.IsDir(), nil
}

func (s *Store) Enumerate(_ context.Context, prefix string) ([]string, error) {
	path, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &kvstore.StoreError{Op: "Enumerate", Backend: kvstore.BackendFS, Key: prefix, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// Leftover temp files from interrupted writes are not children.
		if strings.HasPrefix(name, ".kv.tmp.") {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

func (s *Store) NewCollection(_ context.Context, prefix string) (string, error) {
	path, err := s.path(prefix)
	if err != nil {
		return "", err
	}
	// uuid makes the id unique; Mkdir reserves it and doubles as a
	// collision check.
	for i := 0; i < 3; i++ {
		id := uuid.New().String()
		dir := filepath.Join(path, id)
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", &kvstore.StoreError{Op: "NewCollection", Backend: kvstore.BackendFS, Key: prefix, Err: err}
		}
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return id, nil
		}
		if !os.IsExist(err) {
			return "", &kvstore.StoreError{Op: "NewCollection", Backend: kvstore.BackendFS, Key: prefix, Err: err}
		}
	}
	return "", &kvstore.StoreError{Op: "NewCollection", Backend: kvstore.BackendFS, Key: prefix, Err: kvstore.ErrStoreUnavailable}
}

func (s *Store) Close() error {
	return nil
}
