package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore writes artifacts under root/{executionId}/{path}.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: strings.TrimSpace(root)}
}

func (s *DiskStore) Put(_ context.Context, executionID, path string, content []byte) error {
	full, err := s.pathFor(executionID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (s *DiskStore) Get(_ context.Context, executionID, path string) ([]byte, error) {
	full, err := s.pathFor(executionID, path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *DiskStore) GetURL(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (s *DiskStore) List(_ context.Context, executionID string) ([]string, error) {
	if s.root == "" {
		return nil, fmt.Errorf("root is required")
	}
	id, _, err := normalizeKey(executionID, "_")
	if err != nil {
		return nil, err
	}
	execRoot := filepath.Join(s.root, id)
	paths := make([]string, 0, 16)
	walkErr := filepath.WalkDir(execRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(execRoot, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		if os.IsNotExist(walkErr) {
			return []string{}, nil
		}
		return nil, walkErr
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *DiskStore) pathFor(executionID, path string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("root is required")
	}
	id, p, err := normalizeKey(executionID, path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("invalid path: %s", p)
	}
	return filepath.Join(s.root, id, filepath.FromSlash(p)), nil
}
