// Package memory provides an in-process implementation of the kv.Store
// contract. It backs tests and single-node deployments; semantics match
// the redis backend including lazy key expiry and blocking list pops.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Store is an in-memory kv.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	zsets   map[string]map[string]float64
	buckets map[string]*bucket
	expiry  map[string]time.Time

	// closed broadcast wakes blocked pops on Close
	closed chan struct{}
	once   sync.Once

	// now is swappable for tests
	now func() time.Time
}

var _ kv.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		buckets: make(map[string]*bucket),
		expiry:  make(map[string]time.Time),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// expireLocked removes key if its TTL elapsed. Caller holds mu.
func (s *Store) expireLocked(key string) {
	deadline, ok := s.expiry[key]
	if !ok || s.now().Before(deadline) {
		return
	}
	s.dropLocked(key)
}

func (s *Store) dropLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.zsets, key)
	delete(s.buckets, key)
	delete(s.expiry, key)
}

func (s *Store) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	v, ok := s.strings[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = value
	s.setTTLLocked(key, ttl)
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	if _, exists := s.strings[key]; exists {
		return false, nil
	}
	s.strings[key] = value
	s.setTTLLocked(key, ttl)
	return true, nil
}

// Del implements kv.Store.
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		s.dropLocked(key)
	}
	return nil
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	v, ok := s.strings[key]
	if !ok || v != expected {
		return false, nil
	}
	s.dropLocked(key)
	return true, nil
}

// IncrBy implements kv.Store.
func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	current := int64(0)
	if v, ok := s.strings[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	s.strings[key] = strconv.FormatInt(current, 10)
	return current, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	if ttl > 0 {
		s.setTTLLocked(key, ttl)
	}
	return nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// RPush implements kv.Store.
func (s *Store) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

// BLPop implements kv.Store. The in-memory version polls; the wait is
// bounded by timeout and the caller's context.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		s.expireLocked(key)
		if l := s.lists[key]; len(l) > 0 {
			head := l[0]
			if len(l) == 1 {
				delete(s.lists, key)
			} else {
				s.lists[key] = l[1:]
			}
			s.mu.Unlock()
			return head, nil
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", kv.ErrNotFound
		}
		wait := 5 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", kv.ErrNotFound
		case <-s.closed:
			return "", kv.ErrNotFound
		case <-time.After(wait):
		}
	}
}

// LRem implements kv.Store.
func (s *Store) LRem(_ context.Context, key, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	old := s.lists[key]
	kept := old[:0:0]
	var removed int64
	for _, v := range old {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(s.lists, key)
	} else {
		s.lists[key] = kept
	}
	return removed, nil
}

// LLen implements kv.Store.
func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	return int64(len(s.lists[key])), nil
}

// LRange implements kv.Store.
func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

// LPushCapped implements kv.Store.
func (s *Store) LPushCapped(_ context.Context, key, value string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	l := append([]string{value}, s.lists[key]...)
	if limit > 0 && int64(len(l)) > limit {
		l = l[:limit]
	}
	s.lists[key] = l
	return nil
}

// ZAdd implements kv.Store.
func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZRem implements kv.Store.
func (s *Store) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	if z, ok := s.zsets[key]; ok {
		delete(z, member)
		if len(z) == 0 {
			delete(s.zsets, key)
		}
	}
	return nil
}

// ZPopByScore implements kv.Store.
func (s *Store) ZPopByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	z := s.zsets[key]
	if len(z) == 0 {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	due := make([]scored, 0, len(z))
	for m, sc := range z {
		if sc <= max {
			due = append(due, scored{m, sc})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score == due[j].score {
			return due[i].member < due[j].member
		}
		return due[i].score < due[j].score
	})
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}

	out := make([]string, len(due))
	for i, d := range due {
		out[i] = d.member
		delete(z, d.member)
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return out, nil
}

// TakeToken implements kv.Store.
func (s *Store) TakeToken(_ context.Context, key string, ratePerSec, burst float64, ttl time.Duration) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, last: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * ratePerSec
		if b.tokens > burst {
			b.tokens = burst
		}
	}
	b.last = now
	s.setTTLLocked(key, ttl)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	retryAfter := (1 - b.tokens) / ratePerSec
	return false, retryAfter, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
