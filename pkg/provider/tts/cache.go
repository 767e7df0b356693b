package tts

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCacheTTL     = 15 * time.Minute
	defaultCacheEntries = 256
)

type cacheEntry struct {
	audio   Audio
	expires time.Time
}

// Cache holds synthesized clips in memory until they expire or are evicted.
// Oldest entries are evicted first once the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewCache returns a Cache keeping at most maxEntries clips for ttl each.
// Non-positive arguments select the defaults (256 clips, 15 minutes).
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		max:     maxEntries,
		now:     time.Now,
	}
}

// Put stores a and returns its id.
func (c *Cache) Put(a Audio) string {
	id := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()
	for len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[id] = cacheEntry{audio: a, expires: c.now().Add(c.ttl)}
	c.order = append(c.order, id)
	return id
}

// Get returns the clip stored under id.
func (c *Cache) Get(id string) (Audio, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.now().After(e.expires) {
		return Audio{}, false
	}
	return e.audio, true
}

// Len returns the number of stored clips, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expireLocked drops expired entries from the front of the insertion order.
// Entries share one TTL, so insertion order is expiry order.
func (c *Cache) expireLocked() {
	now := c.now()
	i := 0
	for ; i < len(c.order); i++ {
		e, ok := c.entries[c.order[i]]
		if ok && !now.After(e.expires) {
			break
		}
		delete(c.entries, c.order[i])
	}
	c.order = c.order[i:]
}
