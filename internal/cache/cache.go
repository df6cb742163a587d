// Package cache is a small bounded TTL cache. It is constructed once and
// passed by reference to whatever needs it; there are no package-level
// instances.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache maps string keys to values with a max age and a max entry count.
// Eviction is least-recently-used once the bound is reached.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// New returns a cache bounded to maxSize entries, each valid for maxAge.
func New[V any](maxSize int, maxAge time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &Cache[V]{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Put stores the value, evicting the oldest entry if the cache is full.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expires = c.now().Add(c.maxAge)
		c.order.MoveToFront(el)
		return
	}
	if len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry[V]).key)
		}
	}
	el := c.order.PushFront(&entry[V]{key: key, value: value, expires: c.now().Add(c.maxAge)})
	c.entries[key] = el
}

// Len reports the current entry count, expired entries included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
