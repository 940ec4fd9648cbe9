package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLExpiry(t *testing.T) {
	c, err := NewTTL[string](context.Background(), 50*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	created, err := c.Set("gw-1", "online")
	require.NoError(t, err)
	assert.True(t, created)

	v, ok := c.Get("gw-1")
	require.True(t, ok)
	assert.Equal(t, "online", v)

	time.Sleep(80 * time.Millisecond)

	_, ok = c.Get("gw-1")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, c.Stats().Misses(), int64(1))
}

func TestTTLRejectsEmptyKey(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Set("", 1)
	assert.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	var evictedKeys []string
	c, err := NewLRU[int](2, WithEvictionCallback[int](func(key string, _ int) {
		evictedKeys = append(evictedKeys, key)
	}))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Set("a", 1)
	require.NoError(t, err)
	_, err = c.Set("b", 2)
	require.NoError(t, err)

	// Touch "a" so "b" is the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err = c.Set("c", 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, evictedKeys)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestLRUUpdateDoesNotEvict(t *testing.T) {
	c, err := NewLRU[int](2)
	require.NoError(t, err)
	defer c.Close()

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", 2)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(0), c.Stats().Evictions())
}

func TestNoopCache(t *testing.T) {
	c := NewNoop[string]()
	created, err := c.Set("k", "v")
	require.NoError(t, err)
	assert.False(t, created)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestClearInvokesCallbacks(t *testing.T) {
	evicted := map[string]int{}
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute,
		WithEvictionCallback[int](func(key string, v int) { evicted[key] = v }))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Set("a", 1)
	require.NoError(t, err)
	_, err = c.Set("b", 2)
	require.NoError(t, err)

	require.NoError(t, c.Clear())
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, evicted)
	assert.Equal(t, 0, c.Size())
}
