package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllItems(t *testing.T) {
	var processed int64
	pool := NewPool(4, 100, func(_ context.Context, _ int) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(50), atomic.LoadInt64(&processed))
	st := pool.Stats()
	assert.Equal(t, int64(50), st.Submitted)
	assert.Equal(t, int64(50), st.Processed)
	assert.Equal(t, int64(0), st.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return fmt.Errorf("item %d failed", n)
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	st := pool.Stats()
	assert.Equal(t, int64(10), st.Processed)
	assert.Equal(t, int64(5), st.Failed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestSubmitFullQueue(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// One in flight, one queued; a third must be rejected
	require.NoError(t, pool.Submit(1))
	waitForDepth := func() bool {
		return pool.Stats().QueueDepth == 0
	}
	deadline := time.Now().Add(time.Second)
	for !waitForDepth() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, pool.Submit(2))
	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(5*time.Second))
}

func TestDoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}
