package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/use-agent/renderd/models"
)

const (
	entryTTL      = time.Hour
	sweepInterval = 5 * time.Minute
)

// entry is one stored result and the time it was stored.
type entry struct {
	result    *models.RenderResult
	createdAt time.Time
}

// Cache keeps successful render results in memory, bounded by entry count.
// Safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// New returns a Cache holding at most maxEntries results. Entries older than
// entryTTL are swept every sweepInterval until Close.
func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go c.sweepLoop()
	return c
}

// Key derives a cache key from everything that changes what a render
// returns: URL, selector, viewport and extra headers.
func Key(req models.RenderRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%dx%d", req.URL, req.WaitSelector, req.Viewport.Width, req.Viewport.Height)
	for _, k := range slices.Sorted(maps.Keys(req.Headers)) {
		fmt.Fprintf(h, "|%s=%s", k, req.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached result if it exists and is younger than maxAge.
// maxAge is in milliseconds. If maxAge <= 0, no cache lookup is performed.
// Returns the result and whether it was a cache hit.
func (c *Cache) Get(key string, maxAgeMs int64) (*models.RenderResult, bool) {
	if maxAgeMs <= 0 {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	maxAge := time.Duration(maxAgeMs) * time.Millisecond
	if c.now().Sub(e.createdAt) > maxAge {
		return nil, false
	}

	return e.result, true
}

// Set stores a result in the cache. Failed results are ignored. If the cache
// is at capacity, a random entry is evicted to make room.
func (c *Cache) Set(key string, res *models.RenderResult) {
	if res == nil || !res.Success {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Full: drop an arbitrary entry.
	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		result:    res,
		createdAt: c.now(),
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictBefore(c.now().Add(-entryTTL))
		}
	}
}

func (c *Cache) evictBefore(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
}
