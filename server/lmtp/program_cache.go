package lmtp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/migadu/sievevm/sieve/binary"
)

// programCacheEntry is a loaded user program and the file state it was
// loaded from.
type programCacheEntry struct {
	program    *binary.Program
	modTime    time.Time
	size       int64
	createdAt  time.Time
	lastAccess time.Time
}

// ProgramCache keeps compiled user programs in memory, keyed by path. An
// entry is reloaded when the file's modification time or size changes or
// when it is older than the TTL. The least recently used entry is evicted
// at capacity.
type ProgramCache struct {
	mu          sync.Mutex
	cache       map[string]*programCacheEntry
	maxEntries  int
	ttl         time.Duration
	accessOrder []string
}

// NewProgramCache creates a cache holding at most maxEntries programs.
func NewProgramCache(maxEntries int, ttl time.Duration) *ProgramCache {
	return &ProgramCache{
		cache:       make(map[string]*programCacheEntry),
		maxEntries:  maxEntries,
		ttl:         ttl,
		accessOrder: make([]string, 0, maxEntries),
	}
}

// Load returns the program stored at path. A missing file is not an
// error: the result is nil and the user has no script.
func (c *ProgramCache) Load(path string) (*binary.Program, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Remove(path)
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.cache[path]; ok {
		if now.Sub(entry.createdAt) <= c.ttl && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
			entry.lastAccess = now
			c.updateAccessOrder(path)
			c.mu.Unlock()
			return entry.program, nil
		}
		delete(c.cache, path)
		c.removeFromAccessOrder(path)
	}
	c.mu.Unlock()

	prog, err := binary.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load user program: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[path]; !ok {
		if c.maxEntries > 0 && len(c.cache) >= c.maxEntries {
			c.evictOldest()
		}
		c.accessOrder = append(c.accessOrder, path)
	} else {
		c.updateAccessOrder(path)
	}
	c.cache[path] = &programCacheEntry{
		program:    prog,
		modTime:    info.ModTime(),
		size:       info.Size(),
		createdAt:  now,
		lastAccess: now,
	}
	return prog, nil
}

// Remove drops path from the cache.
func (c *ProgramCache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[path]; ok {
		delete(c.cache, path)
		c.removeFromAccessOrder(path)
	}
}

// Size returns the current number of cached entries
func (c *ProgramCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// CleanExpired removes all expired entries from the cache
func (c *ProgramCache) CleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for path, entry := range c.cache {
		if now.Sub(entry.createdAt) > c.ttl {
			delete(c.cache, path)
			c.removeFromAccessOrder(path)
		}
	}
}

// updateAccessOrder moves the key to the end of the access order list
func (c *ProgramCache) updateAccessOrder(key string) {
	c.removeFromAccessOrder(key)
	c.accessOrder = append(c.accessOrder, key)
}

func (c *ProgramCache) removeFromAccessOrder(key string) {
	for i, k := range c.accessOrder {
		if k == key {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			return
		}
	}
}

// evictOldest removes the least recently used entry from the cache
func (c *ProgramCache) evictOldest() {
	if len(c.accessOrder) == 0 {
		return
	}
	oldest := c.accessOrder[0]
	delete(c.cache, oldest)
	c.accessOrder = c.accessOrder[1:]
}
