// Package local archives run objects in a directory tree, for runs configured
// with a file:// bucket.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/trainlog/internal/storage"
)

// Config captures the parameters for the directory store.
type Config struct {
	// BaseDir is the root directory run objects are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes each object to BaseDir/<path>. An object becomes visible
// only once fully written, so a crashed job never leaves a truncated batch.
type BlobStore struct {
	baseDir string
}

// New prepares BaseDir, creating it when missing.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", dir)
	}
	return &BlobStore{baseDir: filepath.Clean(dir)}, nil
}

// PutObject streams r into a temporary sibling file and renames it into
// place. The returned URI uses the file:// scheme.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("object path %q escapes the base directory", path)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		committed = true
		return "", fmt.Errorf("commit %s: %w", path, err)
	}
	committed = true
	return storage.LocalScheme + target, nil
}
