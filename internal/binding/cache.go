package binding

import (
	"sort"

	"chainrunner/internal/chain"
)

// OutputCache maps "{stepId}.{outputNodeId}" to the cached relative path of
// the artifact that output node produced. It lives for one execution and is
// written only after a step succeeds.
type OutputCache struct {
	entries map[string]string
}

func NewOutputCache() *OutputCache {
	return &OutputCache{entries: make(map[string]string)}
}

func (c *OutputCache) Put(stepID, outputNodeID, cachedPath string) {
	if c == nil {
		return
	}
	c.entries[chain.OutputKey(stepID, outputNodeID)] = cachedPath
}

func (c *OutputCache) Get(stepID, outputNodeID string) (string, bool) {
	return c.Lookup(chain.OutputKey(stepID, outputNodeID))
}

func (c *OutputCache) Lookup(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.entries[key]
	return v, ok
}

func (c *OutputCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Keys returns the cache keys in sorted order.
func (c *OutputCache) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
