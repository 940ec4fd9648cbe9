// Package redis implements the kv.Store contract on a Redis server using
// go-redis. Operations that must be atomic across round-trips
// (value-stamped delete, token-bucket take, popping due retry members)
// run as Lua scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
)

// compareAndDelete deletes KEYS[1] only when it still holds ARGV[1].
var compareAndDeleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// takeToken refills the bucket hash at KEYS[1] from its last_update
// timestamp and consumes one token when available. ARGV: rate, burst,
// now (float seconds), ttl seconds. Returns {allowed, retry_after_ms}.
var takeTokenScript = goredis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_update")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
    tokens = burst
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(burst, tokens + elapsed * rate)
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_update", tostring(now))
redis.call("EXPIRE", KEYS[1], ttl)
return {allowed, retry_ms}
`)

// zpopByScore removes and returns up to ARGV[2] members of KEYS[1] with
// score <= ARGV[1], lowest first.
var zpopByScoreScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
if #due > 0 then
    redis.call("ZREM", KEYS[1], unpack(due))
end
return due
`)

// Store is a Redis-backed kv.Store.
type Store struct {
	client *goredis.Client
}

var _ kv.Store = (*Store)(nil)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

// IncrBy implements kv.Store.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return n, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return m, nil
}

// RPush implements kv.Store.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	return nil
}

// BLPop implements kv.Store.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, goredis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis blpop %s: %w", key, err)
	}
	// BLPop returns [key, value]
	if len(res) < 2 {
		return "", kv.ErrNotFound
	}
	return res[1], nil
}

// LRem implements kv.Store.
func (s *Store) LRem(ctx context.Context, key, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lrem %s: %w", key, err)
	}
	return n, nil
}

// LLen implements kv.Store.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

// LRange implements kv.Store.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// LPushCapped implements kv.Store.
func (s *Store) LPushCapped(ctx context.Context, key, value string, limit int64) error {
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, value)
	if limit > 0 {
		pipe.LTrim(ctx, key, 0, limit-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

// ZRem implements kv.Store.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return nil
}

// ZPopByScore implements kv.Store.
func (s *Store) ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	res, err := zpopByScoreScript.Run(ctx, s.client, []string{key},
		fmt.Sprintf("%f", max), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis zpop %s: %w", key, err)
	}
	return res, nil
}

// TakeToken implements kv.Store.
func (s *Store) TakeToken(ctx context.Context, key string, ratePerSec, burst float64, ttl time.Duration) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	ttlSec := int64(ttl / time.Second)
	if ttlSec <= 0 {
		ttlSec = 120
	}

	res, err := takeTokenScript.Run(ctx, s.client, []string{key},
		fmt.Sprintf("%f", ratePerSec), fmt.Sprintf("%f", burst),
		fmt.Sprintf("%f", now), ttlSec).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis take token %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis take token %s: unexpected reply length %d", key, len(res))
	}

	allowed := res[0] == 1
	retryAfter := float64(res[1]) / 1000.0
	return allowed, retryAfter, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
