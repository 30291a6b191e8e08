package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/contentstor/contentstor/internal/config"
)

// FileBackend serves artifacts straight from a media root on local disk.
type FileBackend struct {
	root string
}

func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("media root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (f *FileBackend) Kind() string {
	return config.StorageFilesystem
}

func (f *FileBackend) LocalPath(name string) (string, bool) {
	return filepath.Join(f.root, filepath.FromSlash(name)), true
}

// PutFile moves src under the media root. Rename is attempted first; a copy
// fallback handles temp directories on another filesystem.
func (f *FileBackend) PutFile(ctx context.Context, name, src string) error {
	dst, _ := f.LocalPath(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy into media root: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	return os.Remove(src)
}

func (f *FileBackend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, _ := f.LocalPath(name)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return file, nil
}

func (f *FileBackend) Exists(ctx context.Context, name string) (bool, error) {
	path, _ := f.LocalPath(name)
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileBackend) PresignedURL(ctx context.Context, name string, opts ObjectURLOptions) (string, error) {
	return "", fmt.Errorf("filesystem storage does not issue URLs")
}
