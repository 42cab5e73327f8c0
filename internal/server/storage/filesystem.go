package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystemStore writes backups under a local directory.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem backup destination.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureContainer creates dir below the base path if it doesn't exist.
func (fs *FileSystemStore) EnsureContainer(ctx context.Context, dir string) error {
	full, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory %s: %w", full, err)
	}
	return nil
}

// Put copies r into name. The file is written under a temporary name and
// renamed once complete, so readers never see a partial backup.
func (fs *FileSystemStore) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	full, err := fs.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Each writer gets its own temp file; concurrent puts of one name race
	// only on the final rename.
	file, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*.partial")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", full, err)
	}
	tmp := file.Name()

	n, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("wrote %d of %d bytes", n, size)
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}
	return full, nil
}

func (fs *FileSystemStore) resolve(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(clean)), nil
}
