package bufferpool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies one decoded raw block: (mounted partition file
// index, block index within that partition) — the same key space used
// by pkg/tracker.
type Key struct {
	FileIndex  int
	BlockIndex int
}

// BlockCache is a fixed-size LRU of decoded raw blocks. Built on
// hashicorp/golang-lru's generic Cache, with a side-set of locked keys.
// The stock LRU has no pinning primitive and its eviction does not
// consult the locked set: when the cache is full, adding an entry
// evicts the least-recently-used one whether or not it is locked.
type BlockCache struct {
	cache *lru.Cache[Key, []byte]

	mu     sync.Mutex
	locked map[Key]struct{}
}

// NewBlockCache returns an LRU cache holding up to capacity decoded
// blocks.
func NewBlockCache(capacity int) *BlockCache {
	c, _ := lru.New[Key, []byte](capacity)
	return &BlockCache{cache: c, locked: make(map[Key]struct{})}
}

// Lock marks key as in use. While key is locked, Store leaves its
// entry untouched; a Store of another key can still evict it.
func (c *BlockCache) Lock(key Key) {
	c.mu.Lock()
	c.locked[key] = struct{}{}
	c.mu.Unlock()
}

// Unlock releases a Lock.
func (c *BlockCache) Unlock(key Key) {
	c.mu.Lock()
	delete(c.locked, key)
	c.mu.Unlock()
}

func (c *BlockCache) isLocked(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locked[key]
	return ok
}

// Read copies the cached block for key into dst, returning true on a
// hit.
func (c *BlockCache) Read(key Key, dst []byte) bool {
	c.Lock(key)
	defer c.Unlock(key)
	v, ok := c.cache.Get(key)
	if !ok {
		return false
	}
	copy(dst, v)
	return true
}

// Store inserts a copy of data under key. If key itself is locked,
// nothing is stored and any existing entry stays as it is. When the
// cache is full, golang-lru evicts its least-recently-used entry to
// make room, locked or not.
func (c *BlockCache) Store(key Key, data []byte) {
	if c.isLocked(key) {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.cache.Add(key, cp)
}

// Remove evicts key unconditionally.
func (c *BlockCache) Remove(key Key) {
	c.cache.Remove(key)
}

// Len reports the current number of cached blocks.
func (c *BlockCache) Len() int { return c.cache.Len() }
