// Package filestore abstracts where uploaded document bytes live. The
// default implementation is a local directory; storage paths recorded on
// document rows are relative to the store root.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a storage path has no bytes behind it.
var ErrNotFound = errors.New("filestore: file not found")

// Store reads and writes document payloads by storage path.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Save(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Local is a Store rooted at a directory on disk.
type Local struct {
	root string
}

// NewLocal returns a Store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Local{root: dir}, nil
}

// resolve rejects paths that would escape the root.
func (l *Local) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("filestore: invalid path %q", path)
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *Local) Read(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	return data, nil
}

func (l *Local) Save(ctx context.Context, path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("filestore: create dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("filestore: delete %s: %w", path, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("filestore: stat %s: %w", path, err)
	}
	return true, nil
}
