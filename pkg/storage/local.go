package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/contextmesh/ragcore/pkg/models"
)

// LocalStore serves file://relative/path refs from a root directory.
// Used by tests and single-node deployments without object storage.
type LocalStore struct {
	root string
}

// NewLocalStore creates a filesystem blob store rooted at dir
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: local storage root is required", models.ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Read returns the file content at the ref
func (s *LocalStore) Read(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return data, nil
}

// Write stores content at the ref, creating parent directories as needed
func (s *LocalStore) Write(_ context.Context, ref string, data []byte, _ string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", ref, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ref, err)
	}
	return nil
}

// Delete removes the file; missing is not an error
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

// HealthCheck verifies the root directory exists
func (s *LocalStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage root unreachable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", s.root)
	}
	return nil
}

// path resolves a file:// ref inside the root, rejecting traversal
func (s *LocalStore) path(ref string) (string, error) {
	rel, err := splitRef(ref, "file")
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(rel))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: storage ref %q escapes root", models.ErrInvalidInput, ref)
	}
	return path, nil
}
