// ABOUTME: Thread-safe TTL cache mapping client message keys to stored sequence numbers.
// ABOUTME: Lets the relay answer retried sends without a store lookup miss or a duplicate write.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the accepted sequence, when it was recorded, and its list element.
type cacheEntry struct {
	seq       int64
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map from "conversation|sender|clientMessageId"
// keys to the sequence number the broker assigned. Oldest entries are evicted
// first via a doubly-linked list.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the cache key for a sender's client message id within a conversation.
// Client ids are only unique per sender. Uses | as delimiter since it's not valid in UUIDs.
func Key(conversationID, senderID, clientMessageID string) string {
	return conversationID + "|" + senderID + "|" + clientMessageID
}

// Lookup returns the sequence recorded for key if present and not expired.
func (c *Cache) Lookup(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.seq, true
}

// Remember records seq for key, refreshing it if already present.
// If the cache is at capacity the oldest entry is evicted.
func (c *Cache) Remember(key string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.seen[key]; exists {
		entry.seq = seq
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		seq:       seq,
		timestamp: now,
		element:   elem,
	}
}

// Forget removes key. Used when the write it guarded did not commit.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
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

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
