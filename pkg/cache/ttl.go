package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlCache expires entries ttl after they are set. Expired entries are
// dropped lazily on Get and by the background sweep.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]*ttlEntry[V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

func newTTLCache[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions[V]) (*ttlCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newTTLCache", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]*ttlEntry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.sweep(ctx, cleanupInterval)
	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || entry.expired(time.Now()) {
		if exists {
			c.dropExpired(key)
		}
		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return !exists, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.recordDelete()
			c.metrics.updateSize(size)
		}
	}
	return exists, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	evicted := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range evicted {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *ttlCache[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweep to finish")
	}
}

// dropExpired removes key if it is still present and still expired.
func (c *ttlCache[V]) dropExpired(key string) {
	c.mu.Lock()
	entry, exists := c.items[key]
	if !exists || !entry.expired(time.Now()) {
		c.mu.Unlock()
		return
	}
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	c.stats.Eviction()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordEviction()
		c.metrics.updateSize(size)
	}
}

func (c *ttlCache[V]) sweep(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := time.Now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expired(now) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, entry := range expired {
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}
