package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time interface check.
var _ ObjectStore = (*localStore)(nil)

// localStore keeps objects as files under a root directory. Keys map to
// relative paths; traversal outside the root is rejected.
type localStore struct {
	root string
}

// NewLocalStore creates an ObjectStore rooted at dir.
func NewLocalStore(dir string) ObjectStore {
	return &localStore{root: dir}
}

func (l *localStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *localStore) GetBytes(_ context.Context, key string) ([]byte, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}
	return data, nil
}

func (l *localStore) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing object %q: %w", key, err)
	}
	return nil
}

func (l *localStore) Delete(_ context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}
	return nil
}
