package archive

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	ListTTL        time.Duration
	ListMaxEntries int

	// URLTTL must stay below PresignExpiry so cached links are still valid.
	URLTTL        time.Duration
	URLMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ListTTL:        30 * time.Second,
		ListMaxEntries: 512,
		URLTTL:         5 * time.Minute,
		URLMaxEntries:  1024,
	}
}

type MetricsSnapshot struct {
	ListHits   uint64
	ListMisses uint64
	URLHits    uint64
	URLMisses  uint64
}

// CachedStore caches listings and presigned URLs in front of origin.
// Content reads always go to origin.
type CachedStore struct {
	origin Store

	lists *expirable.LRU[string, []string]
	urls  *expirable.LRU[string, string]

	listHits, listMisses atomic.Uint64
	urlHits, urlMisses   atomic.Uint64
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = def.ListTTL
	}
	if cfg.ListMaxEntries <= 0 {
		cfg.ListMaxEntries = def.ListMaxEntries
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = def.URLTTL
	}
	if cfg.URLMaxEntries <= 0 {
		cfg.URLMaxEntries = def.URLMaxEntries
	}
	return &CachedStore{
		origin: origin,
		lists:  expirable.NewLRU[string, []string](cfg.ListMaxEntries, nil, cfg.ListTTL),
		urls:   expirable.NewLRU[string, string](cfg.URLMaxEntries, nil, cfg.URLTTL),
	}
}

func (s *CachedStore) Put(ctx context.Context, executionID, path string, content []byte) error {
	if err := s.origin.Put(ctx, executionID, path, content); err != nil {
		return err
	}
	s.lists.Remove(strings.TrimSpace(executionID))
	s.urls.Remove(cacheKey(executionID, path))
	return nil
}

func (s *CachedStore) Get(ctx context.Context, executionID, path string) ([]byte, error) {
	return s.origin.Get(ctx, executionID, path)
}

func (s *CachedStore) GetURL(ctx context.Context, executionID, path string) (string, error) {
	key := cacheKey(executionID, path)
	if u, ok := s.urls.Get(key); ok {
		s.urlHits.Add(1)
		return u, nil
	}
	s.urlMisses.Add(1)
	u, err := s.origin.GetURL(ctx, executionID, path)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u) != "" {
		s.urls.Add(key, u)
	}
	return u, nil
}

func (s *CachedStore) List(ctx context.Context, executionID string) ([]string, error) {
	key := strings.TrimSpace(executionID)
	if list, ok := s.lists.Get(key); ok {
		s.listHits.Add(1)
		return append([]string(nil), list...), nil
	}
	s.listMisses.Add(1)
	list, err := s.origin.List(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s.lists.Add(key, append([]string(nil), list...))
	return list, nil
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		ListHits:   s.listHits.Load(),
		ListMisses: s.listMisses.Load(),
		URLHits:    s.urlHits.Load(),
		URLMisses:  s.urlMisses.Load(),
	}
}

func cacheKey(executionID, path string) string {
	return strings.TrimSpace(executionID) + "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
}
