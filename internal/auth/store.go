package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	storeDirMode = 0o700
	storeFileMod = 0o600
)

// ErrNoArtifact is returned by ArtifactStore.Load when nothing is persisted.
var ErrNoArtifact = errors.New("auth: no persisted artifact")

// ArtifactStore persists the session artifact between runs.
type ArtifactStore interface {
	Load(ctx context.Context) (Artifact, error)
	Save(ctx context.Context, a Artifact) error
	Delete(ctx context.Context) error
}

// DefaultArtifactPath is session.cookies under the user config directory
// ($XDG_CONFIG_HOME/raidline on Linux).
func DefaultArtifactPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("auth: locate config dir: %w", err)
	}
	return filepath.Join(dir, "raidline", "session.cookies"), nil
}

// FileStore keeps the artifact in a single owner-only file.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

var _ ArtifactStore = (*FileStore)(nil)

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns the artifact file location.
func (s *FileStore) Path() string { return s.path }

// Load reads and parses the artifact file.
func (s *FileStore) Load(ctx context.Context) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, ErrNoArtifact
		}
		return Artifact{}, fmt.Errorf("auth: read artifact: %w", err)
	}
	return ParseArtifact(string(data))
}

// Save writes the artifact atomically with mode 0600.
func (s *FileStore) Save(ctx context.Context, a Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Empty() {
		return errors.New("auth: refusing to save empty artifact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), storeDirMode); err != nil {
		return fmt.Errorf("auth: create artifact directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(a.Encode()), storeFileMod); err != nil {
		return fmt.Errorf("auth: write artifact: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("auth: replace artifact: %w", err)
	}
	return nil
}

// Delete removes the artifact file. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth: delete artifact: %w", err)
	}
	return nil
}
