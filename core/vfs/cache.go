package vfs

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const subtreeCacheSize = 256

// subtreeCache caches recursive folder-id sets per root. Any folder
// mutation invalidates the whole cache: subtree membership can change from
// a move anywhere in the tree, so per-root invalidation is not worth the
// bookkeeping.
type subtreeCache struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, map[string]bool]
}

func newSubtreeCache() *subtreeCache {
	cache, _ := lru.New[string, map[string]bool](subtreeCacheSize)
	return &subtreeCache{lru: cache}
}

func (c *subtreeCache) get(rootID string) (map[string]bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Get(rootID)
}

func (c *subtreeCache) put(rootID string, ids map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(rootID, ids)
}

func (c *subtreeCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
