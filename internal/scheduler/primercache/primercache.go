// Package primercache coalesces concurrent primer-segment synthesis calls
// for the same (voice, lang, speed, text) key, so a burst of requests for a frequently
// repeated opening line only pays the inference cost once.
package primercache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached primer result: the synthesized PCM bytes for one
// (voice, lang, speed, text) key.
type Entry struct {
	PCM []byte
}

// Cache holds synthesized primers keyed by voice+lang+speed+text, evicting
// the least recently used entry at capacity, with in-flight synthesis
// calls for the same key coalesced via singleflight.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]Entry
	cap     int
	order   []string // least recently used first, for LRU eviction
}

// New creates a primer cache that holds at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 64
	}
	return &Cache{
		entries: make(map[string]Entry),
		cap:     capacity,
	}
}

// Get returns a cached primer if present, marking it most recently used.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
				break
			}
		}
	}
	return e, ok
}

// GetOrSynthesize returns the cached primer for key, or calls synth exactly
// once across all concurrent callers sharing key, storing and returning its
// result. Concurrent callers with different keys never block each other.
func (c *Cache) GetOrSynthesize(key string, synth func() ([]byte, error)) ([]byte, error) {
	if e, ok := c.Get(key); ok {
		return e.PCM, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight lock: another caller may have
		// populated the cache while this one was waiting to be scheduled.
		if e, ok := c.Get(key); ok {
			return e.PCM, nil
		}
		pcm, err := synth()
		if err != nil {
			return nil, err
		}
		c.put(key, pcm)
		return pcm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) put(key string, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = Entry{PCM: pcm}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
