// Package cache provides generic, thread-safe in-process caches. The
// platform uses the TTL cache for gateway health snapshots and the
// version-gated display policy cache, and the LRU cache for bounded
// lookaside caching. Statistics are always collected; Prometheus export
// is opt-in via WithMetrics.
package cache

import (
	"context"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
)

// Cache is the contract every cache implementation satisfies.
type Cache[V any] interface {
	// Get retrieves a value by key.
	Get(key string) (V, bool)

	// Set stores a value. Returns true when a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true when the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns the keys currently present.
	Keys() []string

	// Stats returns the cache statistics.
	Stats() *Statistics

	// Close releases background resources.
	Close() error
}

// EvictCallback is invoked with the key and value of evicted entries.
type EvictCallback[V any] func(key string, value V)

// Option configures a cache.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
}

// WithMetrics exposes cache statistics as Prometheus metrics labelled
// with prefix. Ignored when registry is nil.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for every evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

// NewTTL creates a cache whose entries expire after ttl; a background
// goroutine sweeps expired entries every cleanupInterval until the
// context is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	return newTTLCache[V](ctx, ttl, cleanupInterval, applyOptions(options...))
}

// NewLRU creates a cache bounded to maxSize entries with least-recently-
// used eviction.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	return newLRUCache[V](maxSize, applyOptions(options...))
}

// NewNoop creates a cache that never stores anything. Used when caching
// is disabled by configuration.
func NewNoop[V any]() Cache[V] {
	return &noopCache[V]{}
}

type noopCache[V any] struct{}

func (c *noopCache[V]) Get(_ string) (V, bool) {
	var zero V
	return zero, false
}
func (c *noopCache[V]) Set(_ string, _ V) (bool, error) { return false, nil }
func (c *noopCache[V]) Delete(_ string) (bool, error)   { return false, nil }
func (c *noopCache[V]) Clear() error                    { return nil }
func (c *noopCache[V]) Size() int                       { return 0 }
func (c *noopCache[V]) Keys() []string                  { return nil }
func (c *noopCache[V]) Stats() *Statistics              { return nil }
func (c *noopCache[V]) Close() error                    { return nil }

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
