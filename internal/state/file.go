package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the document in a YAML file. Saves replace the file atomically.
type FileStore struct {
	guarded
}

// NewFileStore creates a store backed by the YAML file at path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	s := &FileStore{}
	s.b = &fileBackend{path: path, logger: logger}
	return s
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

type fileBackend struct {
	path   string
	logger *zap.Logger
}

func (f *fileBackend) load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		f.logger.Warn("State file is corrupt, starting fresh",
			zap.String("path", f.path),
			zap.Error(err))
		return NewDocument(), nil
	}

	return doc.normalize(), nil
}

func (f *fileBackend) save(_ context.Context, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
