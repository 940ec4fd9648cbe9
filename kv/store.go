// Package kv defines the shared key-value store contract the pipeline
// coordinates through. All cross-instance state (locks, the downlink
// queue, rate-limit buckets, dedup hashes, delivery metrics) lives behind
// this interface; implementations must make each method atomic.
//
// Two backends are provided: kv/redis for production and kv/memory for
// tests and single-node deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or a blocking pop
// times out without producing an element.
var ErrNotFound = errors.New("kv: key not found")

// Store is the atomic primitive surface of the shared KV store.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key does not exist. Returns true when
	// the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// CompareAndDelete deletes key only if its current value equals
	// expected. Returns true when the key was deleted. Used for
	// value-stamped lock release.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// IncrBy atomically adds delta to the integer at key (creating it at
	// zero) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// HSet stores fields into the hash at key, replacing existing fields.
	// A non-zero ttl (re)sets the expiry of the whole hash.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll returns all fields of the hash at key; an empty map when
	// the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// RPush appends values to the tail of the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// BLPop pops from the head of the list at key, blocking up to
	// timeout. Returns ErrNotFound on timeout or context cancellation.
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// LRem removes all occurrences of value from the list at key and
	// returns the number removed.
	LRem(ctx context.Context, key, value string) (int64, error)

	// LLen returns the length of the list at key (0 when missing).
	LLen(ctx context.Context, key string) (int64, error)

	// LRange returns list elements between start and stop inclusive,
	// with negative indices counting from the tail as in Redis.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LPushCapped pushes value onto the head of the list at key and
	// trims the list to at most limit elements.
	LPushCapped(ctx context.Context, key, value string, limit int64) error

	// ZAdd adds member to the sorted set at key with the given score,
	// updating the score if the member exists.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key, member string) error

	// ZPopByScore atomically removes and returns up to limit members of
	// the sorted set at key whose score is <= max, lowest scores first.
	ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)

	// TakeToken performs an atomic token-bucket take on the bucket at
	// key. The bucket refills at ratePerSec up to burst. Returns whether
	// a token was consumed and, when denied, the seconds until one is
	// available. The bucket hash expires after ttl of inactivity.
	TakeToken(ctx context.Context, key string, ratePerSec, burst float64, ttl time.Duration) (bool, float64, error)

	// Close releases backend resources.
	Close() error
}
