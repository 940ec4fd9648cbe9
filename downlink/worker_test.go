package downlink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/retry"
)

// fakeSender records sends and fails for configured device EUIs.
type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failEUIs map[string]bool
}

func (f *fakeSender) Send(_ context.Context, deviceEUI string, _ []byte, _ int, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failEUIs[deviceEUI] {
		return "", errors.New("gateway unreachable")
	}
	f.sent = append(f.sent, deviceEUI)
	return fmt.Sprintf("dl-%d", len(f.sent)), nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestWorker(t *testing.T, sender Sender, queueOpts ...QueueOption) (*Worker, *Queue, *kvmem.Store) {
	t.Helper()
	store := kvmem.New()
	t.Cleanup(func() { _ = store.Close() })

	queue := NewQueue(store, testLogger(), queueOpts...)
	limiter := NewRateLimiter(store, WithGatewayLimit(1000), WithTenantLimit(1000))
	worker := NewWorker(queue, limiter, sender, testLogger(), WithPollTimeout(20*time.Millisecond))
	return worker, queue, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWorkerDeliversCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	worker, queue, _ := newTestWorker(t, sender)

	_, err := queue.Enqueue(ctx, testRequest("eui-1", "0a0b"))
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return sender.sentCount() == 1 })

	st, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(1), st.Succeeded)
}

func TestWorkerSurvivesSendFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{failEUIs: map[string]bool{"eui-bad": true}}
	worker, queue, _ := newTestWorker(t, sender,
		WithBackoff(retry.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}))
	promoter := NewPromoter(queue, testLogger())
	promoter.interval = 10 * time.Millisecond

	_, err := queue.Enqueue(ctx, testRequest("eui-bad", "0101"))
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, testRequest("eui-good", "0202"))
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()
	go func() { _ = promoter.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		st, err := queue.Stats(ctx)
		return err == nil && st.Succeeded == 1 && st.Dead == 1
	})

	st, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DeadLettered)
	assert.Equal(t, int64(0), st.Pending)

	dead, _, err := queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "eui-bad", dead[0].DeviceEUI)
}

func TestWorkerRateLimitReschedules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := kvmem.New()
	t.Cleanup(func() { _ = store.Close() })

	queue := NewQueue(store, testLogger())
	limiter := NewRateLimiter(store, WithGatewayLimit(1), WithTenantLimit(1000))
	sender := &fakeSender{}
	worker := NewWorker(queue, limiter, sender, testLogger(), WithPollTimeout(20*time.Millisecond))
	promoter := NewPromoter(queue, testLogger())
	promoter.interval = 50 * time.Millisecond

	// Two commands for distinct devices behind the same gateway; the
	// 1/min gateway budget admits only the first immediately
	_, err := queue.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, testRequest("eui-2", "0202"))
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()
	go func() { _ = promoter.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		st, err := queue.Stats(ctx)
		return err == nil && st.Succeeded == 1 && st.RateLimited >= 1
	})

	st, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Succeeded)
	assert.GreaterOrEqual(t, st.RateLimited, int64(1))
	assert.Equal(t, int64(0), st.DeadLettered, "denial must not dead-letter")
}

func TestDrainScenarioAcrossDevices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{failEUIs: map[string]bool{"device-0": true, "device-1": true}}
	worker, queue, _ := newTestWorker(t, sender,
		WithBackoff(retry.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}))
	promoter := NewPromoter(queue, testLogger())
	promoter.interval = 10 * time.Millisecond

	// 100 commands across 10 devices; per-device coalescing leaves one
	// pending command each
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		eui := fmt.Sprintf("device-%d", i%10)
		payload := fmt.Sprintf("%04x", rng.Intn(0xffff))
		_, err := queue.Enqueue(ctx, testRequest(eui, payload))
		require.NoError(t, err)
	}

	st, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Pending, "coalescing keeps one command per device")
	assert.Equal(t, int64(90), st.Coalesced)

	go func() { _ = worker.Run(ctx) }()
	go func() { _ = promoter.Run(ctx) }()

	waitFor(t, 10*time.Second, func() bool {
		st, err := queue.Stats(ctx)
		return err == nil && st.Succeeded+st.Dead == 10
	})

	st, err = queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(8), st.Succeeded)
	assert.Equal(t, int64(2), st.Dead, "dead letters reflect only genuine send failures")
	assert.Equal(t, int64(2), st.DeadLettered)
}
