package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Blob is a flat namespace of small files rooted at one checkpoint
// directory. Get on a missing name returns an error matching fs.ErrNotExist.
type Blob interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Location() string
	Close() error
}

// Opener returns the Blob rooted at dir.
type Opener func(ctx context.Context, dir string) (Blob, error)

// OpenLocal is the Opener for plain filesystem directories.
func OpenLocal(_ context.Context, dir string) (Blob, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	return &LocalBlob{dir: dir}, nil
}

// LocalBlob stores checkpoint files in a directory on local disk. The
// directory is created on the first write, never on reads.
type LocalBlob struct {
	dir string
}

// Put writes data to a temp file first, then renames it into place.
func (b *LocalBlob) Put(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	target := filepath.Join(b.dir, name)
	tmp, err := os.CreateTemp(b.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Get reads a file from the directory.
func (b *LocalBlob) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a file; deleting a missing file is not an error.
func (b *LocalBlob) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(b.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the regular files in the directory, sorted. A missing
// directory lists as empty.
func (b *LocalBlob) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Location returns the directory path.
func (b *LocalBlob) Location() string {
	return b.dir
}

// Close releases resources.
func (b *LocalBlob) Close() error {
	return nil
}
