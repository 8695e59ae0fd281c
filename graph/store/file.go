package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each blob in its own file. Relative paths resolve against
// Root; an empty Root uses the working directory.
type FileStore struct {
	Root string
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (f *FileStore) resolve(path string) string {
	if filepath.IsAbs(path) || f.Root == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(f.Root, path)
}

// SaveBlob writes blob through a temporary file and a rename, so a reader
// never observes a partial blob.
func (f *FileStore) SaveBlob(ctx context.Context, path string, blob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.WriteString(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to move checkpoint %s into place: %w", path, err)
	}
	return nil
}

// LoadBlob reads the blob at path.
func (f *FileStore) LoadBlob(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(f.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	return string(data), nil
}
