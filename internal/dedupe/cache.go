// ABOUTME: TTL-bounded LRU of recently seen keys built on hashicorp/golang-lru
// ABOUTME: The gateway uses it to drop replayed request frame ids per connection

package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is used when New is given a non-positive size.
const DefaultMaxSize = 10_000

// Cache remembers keys for ttl, holding at most maxSize of them. When
// full, the least recently marked key is evicted first.
type Cache struct {
	mu     sync.Mutex
	seen   *lru.Cache[string, time.Time]
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	// lru.New only errors on non-positive size, guarded above.
	seen, _ := lru.New[string, time.Time](maxSize)
	c := &Cache{
		seen: seen,
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check reports whether key was marked within the TTL. It does not
// refresh the key's position.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, time.Now())
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.liveLocked(key, now) {
		return true
	}
	c.seen.Add(key, now)
	return false
}

// Mark records key as seen now, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(key, time.Now())
}

// Len returns the number of tracked keys, expired ones included until
// the next cleanup.
func (c *Cache) Len() int {
	return c.seen.Len()
}

func (c *Cache) liveLocked(key string, now time.Time) bool {
	at, ok := c.seen.Peek(key)
	return ok && now.Sub(at) < c.ttl
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	// Keys are ordered oldest first, so the scan stops at the first live one
	for _, key := range c.seen.Keys() {
		at, ok := c.seen.Peek(key)
		if ok && now.Sub(at) < c.ttl {
			break
		}
		c.seen.Remove(key)
		removed++
	}
	return removed
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
