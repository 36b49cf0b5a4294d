// Package file implements a filesystem-backed snapshot store. Each key
// maps to one JSON file; writes go through a temp file and rename so a
// crash mid-write never corrupts the previous snapshot.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edusync/harvester/internal/core"
)

// Config captures the parameters for the file snapshot store.
type Config struct {
	// BaseDir is the root directory for snapshot files.
	BaseDir string `mapstructure:"base_dir"`
}

// Store persists snapshot records as JSON files under a base directory.
type Store struct {
	baseDir string
}

// New creates a file-backed snapshot store, creating BaseDir if needed.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Store{baseDir: cfg.BaseDir}, nil
}

// Save writes value as JSON under key, atomically.
func (s *Store) Save(_ context.Context, key string, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", key, err)
	}
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

// Load reads the JSON record stored under key into out.
func (s *Store) Load(_ context.Context, key string, out any) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.ErrSnapshotNotFound
		}
		return fmt.Errorf("read snapshot file: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal snapshot %q: %w", key, err)
	}
	return nil
}

func (s *Store) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("snapshot key is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key)+".json")
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot key escapes base directory")
	}
	return full, nil
}
