package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"spatialsync/internal/core/ports"
)

// FileStore keeps received frame files in one flat directory.
type FileStore struct {
	basePath string
}

var _ ports.FrameStorage = (*FileStore)(nil)

// NewFileStore creates basePath if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

func (fs *FileStore) Dir() string { return fs.basePath }

// Save writes data to name through a temporary file so that readers never
// see a partial frame.
func (fs *FileStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	filePath := filepath.Join(fs.basePath, name)

	tmp, err := os.CreateTemp(fs.basePath, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}
	return filePath, nil
}

// Load reads a stored file.
func (fs *FileStore) Load(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(fs.basePath, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// List lists all files with the given prefix, sorted by name.
func (fs *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
