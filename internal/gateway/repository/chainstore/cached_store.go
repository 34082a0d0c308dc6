package chainstore

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"chainrunner/internal/chain"
)

const DefaultCacheEntries = 256

// CachedStore keeps recently loaded chains in memory. Writes go to origin
// first and then refresh or evict the cached copy.
type CachedStore struct {
	origin Store
	chains *lru.Cache[string, chain.Chain]
}

func NewCachedStore(origin Store, entries int) (*CachedStore, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	c, err := lru.New[string, chain.Chain](entries)
	if err != nil {
		return nil, err
	}
	return &CachedStore{origin: origin, chains: c}, nil
}

func (s *CachedStore) Load(ctx context.Context, id string) (chain.Chain, error) {
	key := strings.TrimSpace(id)
	if c, ok := s.chains.Get(key); ok {
		return c.Clone(), nil
	}
	c, err := s.origin.Load(ctx, key)
	if err != nil {
		return chain.Chain{}, err
	}
	s.chains.Add(key, c.Clone())
	return c, nil
}

func (s *CachedStore) Save(ctx context.Context, c chain.Chain) (chain.Chain, error) {
	saved, err := s.origin.Save(ctx, c)
	if err != nil {
		return chain.Chain{}, err
	}
	s.chains.Add(saved.ID, saved.Clone())
	return saved, nil
}

func (s *CachedStore) Delete(ctx context.Context, id string) error {
	key := strings.TrimSpace(id)
	s.chains.Remove(key)
	return s.origin.Delete(ctx, key)
}

func (s *CachedStore) List(ctx context.Context) ([]chain.Summary, error) {
	return s.origin.List(ctx)
}

func (s *CachedStore) Summary(ctx context.Context, id string) (chain.Summary, error) {
	c, err := s.Load(ctx, id)
	if err != nil {
		return chain.Summary{}, err
	}
	return c.Summary(), nil
}
