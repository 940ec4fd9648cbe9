package cache

import (
	"container/list"
	"sync"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache evicts the least recently used entry once maxSize is
// exceeded.
type lruCache[V any] struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

func newLRUCache[V any](maxSize int, opts *cacheOptions[V]) (*lruCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newLRUCache", "metrics registration")
		}
	}

	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return element.Value.(*lruEntry[V]).value, true
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evictKey string
	var evictValue V
	var evicted bool

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		c.mu.Unlock()

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	if len(c.items) > c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			entry := oldest.Value.(*lruEntry[V])
			evictKey, evictValue, evicted = entry.key, entry.value, true
			delete(c.items, entry.key)
			c.order.Remove(oldest)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	// Eviction callback runs outside the lock
	if evicted {
		if c.evictFn != nil {
			c.evictFn(evictKey, evictValue)
		}
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}
	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return true, nil
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	entry := element.Value.(*lruEntry[V])
	delete(c.items, key)
	c.order.Remove(element)
	size := len(c.items)
	c.mu.Unlock()

	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return true, nil
}

func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	var evicted []lruEntry[V]
	if c.evictFn != nil {
		evicted = make([]lruEntry[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			evicted = append(evicted, *element.Value.(*lruEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	for _, entry := range evicted {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

func (c *lruCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns keys most recently used first.
func (c *lruCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *lruCache[V]) Close() error {
	return nil
}
