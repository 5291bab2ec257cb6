package school

import (
	"sync"
	"time"
)

var nowFunc = time.Now // mockable

type cacheEntry struct {
	info    Info
	expires time.Time
	used    time.Time
}

// infoCache is a size bounded TTL cache; the least recently used entry is evicted when full.
type infoCache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	entries map[string]*cacheEntry
}

func newInfoCache(size int, ttl time.Duration) *infoCache {
	if size <= 0 {
		size = 128
	}
	return &infoCache{size: size, ttl: ttl, entries: make(map[string]*cacheEntry, size)}
}

func (c *infoCache) get(key string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Info{}, false
	}
	now := nowFunc()
	if c.ttl > 0 && now.After(e.expires) {
		delete(c.entries, key)
		return Info{}, false
	}
	e.used = now
	return e.info, true
}

func (c *infoCache) put(key string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowFunc()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.size {
		var oldest string
		var oldestUse time.Time
		for k, e := range c.entries {
			if oldest == "" || e.used.Before(oldestUse) {
				oldest, oldestUse = k, e.used
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = &cacheEntry{info: info, expires: now.Add(c.ttl), used: now}
}

func (c *infoCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *infoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
