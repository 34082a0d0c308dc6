package chainstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chainrunner/internal/chain"
)

// FileStore keeps one {id}.json file per chain under dir.
type FileStore struct {
	dir string
	now func() time.Time
	mu  sync.RWMutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: strings.TrimSpace(dir), now: time.Now}
}

func (s *FileStore) path(id string) (string, error) {
	id, err := normalizeID(id)
	if err != nil {
		return "", err
	}
	if s.dir == "" {
		return "", fmt.Errorf("chain store dir is required")
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileStore) Load(_ context.Context, id string) (chain.Chain, error) {
	p, err := s.path(id)
	if err != nil {
		return chain.Chain{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readChain(p)
}

func readChain(p string) (chain.Chain, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return chain.Chain{}, ErrNotFound
		}
		return chain.Chain{}, err
	}
	return chain.DecodeJSON(raw)
}

func (s *FileStore) Save(_ context.Context, c chain.Chain) (chain.Chain, error) {
	out, err := prepare(c, s.now())
	if err != nil {
		return chain.Chain{}, err
	}
	p, err := s.path(out.ID)
	if err != nil {
		return chain.Chain{}, err
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return chain.Chain{}, fmt.Errorf("encode chain: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return chain.Chain{}, err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return chain.Chain{}, err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return chain.Chain{}, err
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]chain.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []chain.Summary{}, nil
		}
		return nil, err
	}
	out := make([]chain.Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		c, err := readChain(filepath.Join(s.dir, e.Name()))
		if err != nil {
			log.Printf("chain store: skipping %s: %v", e.Name(), err)
			continue
		}
		out = append(out, c.Summary())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *FileStore) Summary(ctx context.Context, id string) (chain.Summary, error) {
	c, err := s.Load(ctx, id)
	if err != nil {
		return chain.Summary{}, err
	}
	return c.Summary(), nil
}
