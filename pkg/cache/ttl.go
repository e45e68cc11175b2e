package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// TTL is an in-process cache with per-entry expiry and a size bound. When
// full, the oldest entry is evicted.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]*entry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewTTL creates a cache. maxSize <= 0 means unbounded.
func NewTTL[K comparable, V any](defaultTTL time.Duration, maxSize int) *TTL[K, V] {
	return &TTL[K, V]{
		data:    make(map[K]*entry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores value for ttl, or the default TTL when ttl is zero
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictOldest()
	}

	now := c.now()
	c.data[key] = &entry[V]{value: value, expiresAt: now.Add(ttl), createdAt: now}
}

// Get returns the live value for key
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.data[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.data, key)
		return zero, false
	}
	return e.value, true
}

// Delete removes key
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until
// they are swept
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *TTL[K, V]) evictOldest() {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, e := range c.data {
		if !found || e.createdAt.Before(oldest) {
			oldestKey, oldest, found = k, e.createdAt, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}

func (c *TTL[K, V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired entries every interval. The returned func
// stops the sweeper.
func (c *TTL[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := c.sweep(); n > 0 {
					logger.Debug("Expired cache entries removed", zap.Int("count", n))
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
