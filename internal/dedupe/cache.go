// ABOUTME: Thread-safe TTL cache of idempotent request outcomes.
// ABOUTME: Replays stored results and collapses concurrent duplicates into one execution.

package dedupe

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/switchboard/internal/protocol"
)

// Outcome is the stored result of a request. Payload is kept as the encoded
// bytes produced by the first execution so replays are byte-identical.
type Outcome struct {
	OK      bool
	Payload json.RawMessage
	Error   *protocol.ErrorShape
}

// Key scopes an idempotency key by request class.
func Key(class, key string) string {
	return class + ":" + key
}

type cacheEntry struct {
	timestamp time.Time
	outcome   Outcome
	element   *list.Element
}

// Cache is a TTL- and size-bounded map of outcomes. A doubly-linked list keeps
// insertion order so the oldest entry is evicted in O(1) when full.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	flight  singleflight.Group
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of entries.
// A background goroutine periodically sweeps expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Get returns the stored outcome for key if present and not expired.
func (c *Cache) Get(key string) (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return Outcome{}, false
	}
	return entry.outcome, true
}

// Put stores an outcome, evicting the oldest entry if the cache is full.
func (c *Cache) Put(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, outcome)
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key string, outcome Outcome) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.outcome = outcome
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		outcome:   outcome,
		element:   elem,
	}
}

// Do returns the cached outcome for key, or runs fn and stores its outcome.
// Concurrent callers with the same key share a single run of fn. The boolean
// reports whether the outcome was replayed from the cache.
func (c *Cache) Do(key string, fn func() Outcome) (Outcome, bool) {
	if outcome, ok := c.Get(key); ok {
		return outcome, true
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		// A caller that lost the race with a finished flight finds it here.
		if outcome, ok := c.Get(key); ok {
			return outcome, nil
		}
		outcome := fn()
		c.Put(key, outcome)
		return outcome, nil
	})
	outcome, _ := v.(Outcome)
	return outcome, false
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
