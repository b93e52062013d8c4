// Package local implements a snapshot store on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the directory snapshots are written to.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes snapshot blobs as files under a base directory. Writes go
// through a temp file and a rename so a crash mid-write never leaves a
// truncated snapshot behind.
type Store struct {
	baseDir string
}

// New creates the store, verifying the directory exists and is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &Store{baseDir: cfg.BaseDir}, nil
}

// Save writes data atomically and returns a file:// URI.
func (s *Store) Save(_ context.Context, name string, data []byte) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return "file://" + path, nil
}

// Load reads the blob saved under name.
func (s *Store) Load(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", crawler.ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// path resolves name under baseDir, rejecting traversal outside it.
func (s *Store) path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("snapshot name is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, name+".json"))
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot name escapes base directory")
	}
	return full, nil
}
