// ABOUTME: Bounded, expiring seen-set for detecting replayed one-shot values
// ABOUTME: The consent flow records finalized tickets here to flag repeat submissions

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTTL     = 15 * time.Minute
	DefaultMaxSize = 10000
	sweepInterval  = time.Minute
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Config configures a Cache.
type Config struct {
	// TTL is how long a key is remembered. It should cover the lifetime of the
	// values being tracked.
	TTL     time.Duration
	MaxSize int
	Now     func() time.Time
	// Sweep starts a background goroutine that drops expired keys.
	Sweep bool
}

// Cache remembers keys for a limited time. Once full, the oldest key is
// evicted first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Cache.
func New(cfg Config) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Sweep {
		go c.sweepLoop()
	}
	return c
}

// Observe records key and reports whether it had already been seen within
// the TTL. The check and the record happen atomically.
func (c *Cache) Observe(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if c.live(e, now) {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Seen reports whether key was observed within the TTL without recording it.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.live(e, c.now())
}

// Len returns the number of keys held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep drops expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// Entries are in observation order, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.seen[key]
		if e != nil && c.live(e, now) {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) live(e *entry, now time.Time) bool {
	return now.Sub(e.seenAt) < c.ttl
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

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
