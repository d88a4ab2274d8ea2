package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileArtifactStore writes artifacts as files in a directory. A write goes
// to a temporary file that is fsync'ed and renamed into place, so a crash
// never leaves a partial artifact under the final name.
type FileArtifactStore struct {
	dir    string
	logger *zap.Logger
}

var _ ArtifactStore = (*FileArtifactStore)(nil)

// NewFileArtifactStore creates dir if needed.
func NewFileArtifactStore(dir string, logger *zap.Logger) (*FileArtifactStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileArtifactStore{dir: dir, logger: logger.Named("artifacts")}, nil
}

// Dir is the directory artifacts are written to.
func (s *FileArtifactStore) Dir() string { return s.dir }

func (s *FileArtifactStore) Persist(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	final := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename artifact %s: %w", name, err)
	}
	if err := syncDir(s.dir); err != nil {
		return fmt.Errorf("failed to sync artifact directory: %w", err)
	}
	s.logger.Info("artifact persisted", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *FileArtifactStore) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact %s: %w", name, err)
	}
	if err == nil {
		s.logger.Info("artifact removed", zap.String("name", name))
	}
	return nil
}

// DirResourceStore keeps each resource as a file in a directory.
type DirResourceStore struct {
	dir    string
	logger *zap.Logger
}

var _ ResourceStore = (*DirResourceStore)(nil)

func NewDirResourceStore(dir string, logger *zap.Logger) (*DirResourceStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create resource directory %s: %w", dir, err)
	}
	return &DirResourceStore{dir: dir, logger: logger.Named("resources")}, nil
}

func (s *DirResourceStore) Delete(resource string) error {
	if err := ValidateName(resource); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, resource))
	switch {
	case err == nil:
		s.logger.Info("resource deleted", zap.String("resource", resource))
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("resource already gone", zap.String("resource", resource))
	default:
		return fmt.Errorf("failed to delete resource %s: %w", resource, err)
	}
	return nil
}

func (s *DirResourceStore) Exists(resource string) bool {
	if ValidateName(resource) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, resource))
	return err == nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
