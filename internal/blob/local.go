package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"order-activity-relay/internal/faults"
)

// LocalStore keeps payloads under a base directory. Used for development
// and tests when no bucket is configured.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./blobs"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) string {
	// Resolve against a virtual root so ".." in a key cannot escape baseDir.
	return filepath.Join(l.baseDir, filepath.Clean(string(filepath.Separator)+key))
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	body, err := os.ReadFile(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, faults.NotFound("blob %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return body, nil
}
