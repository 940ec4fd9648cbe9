package downlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *kvmem.Store) {
	t.Helper()
	store := kvmem.New()
	t.Cleanup(func() { _ = store.Close() })
	return NewQueue(store, testLogger(), opts...), store
}

func testRequest(eui, payload string) EnqueueRequest {
	return EnqueueRequest{
		DeviceEUI:     eui,
		TenantID:      "tenant-1",
		GatewayID:     "gw-1",
		Payload:       payload,
		FPort:         10,
		Confirmed:     false,
		SpaceID:       "space-1",
		TriggerSource: "sensor",
	}
}

func TestEnqueueDedupAfterSuccess(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	cmd, err := q.Enqueue(ctx, testRequest("eui-1", "01ff"))
	require.NoError(t, err)
	require.NotNil(t, cmd)

	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.MarkSuccess(ctx, got))

	// Same (device, payload, fport) after a successful send is a no-op
	dup, err := q.Enqueue(ctx, testRequest("eui-1", "01FF"))
	require.NoError(t, err)
	assert.Nil(t, dup)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(1), st.Deduplicated)
}

func TestEnqueueCoalescesPendingCommand(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	old, err := q.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)
	require.NotNil(t, old)

	newer, err := q.Enqueue(ctx, testRequest("eui-1", "0202"))
	require.NoError(t, err)
	require.NotNil(t, newer)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending, "per-device pending depth must stay at 1")
	assert.Equal(t, int64(1), st.Coalesced)

	// Only the newest command comes out; the replaced id is gone
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, "0202", got.Payload)

	next, err := q.Dequeue(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDequeueTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	cmd, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestMarkFailureSchedulesDelayedRetry(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	q, _ := newTestQueue(t, WithClock(clock))

	cmd, err := q.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailure(ctx, got, errors.New("send timeout"), true))

	// Not yet due: nothing promoted, nothing pending
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// First failure backs off by the base delay (2s)
	now = now.Add(2*time.Second + time.Millisecond)
	n, err = q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, cmd.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "send timeout", again.LastError)
}

func TestDeadLetterAfterAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, WithBackoff(retry.Backoff{Base: time.Millisecond, Cap: time.Millisecond}))

	cmd, err := q.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)

	failed := cmd
	for i := 0; i < DefaultMaxAttempts; i++ {
		require.NoError(t, q.MarkFailure(ctx, failed, fmt.Errorf("attempt %d failed", i+1), true))
	}

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DeadLettered, "dead-lettered exactly once")
	assert.Equal(t, int64(1), st.Dead)

	// The command is gone from active storage and the pending queue
	dead, deadErrs, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, cmd.ID, dead[0].ID)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)
	assert.Contains(t, deadErrs[0], "failed")

	got, err := q.Dequeue(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkFailureNoRequeueDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	cmd, err := q.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailure(ctx, got, errors.New("bad fport"), false))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DeadLettered)
	assert.Equal(t, int64(0), st.Pending)
	_ = cmd
}

func TestRescheduleDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))

	_, err := q.Enqueue(ctx, testRequest("eui-1", "0101"))
	require.NoError(t, err)
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Reschedule(ctx, got, 500*time.Millisecond))

	now = now.Add(time.Second)
	n, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 0, again.Attempts, "rate-limit denial is not a delivery attempt")

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.RateLimited)
}

func TestContentHashNormalization(t *testing.T) {
	assert.Equal(t, ContentHash("AABB", "01ff", 10), ContentHash("aabb", "01FF", 10))
	assert.NotEqual(t, ContentHash("aabb", "01ff", 10), ContentHash("aabb", "01ff", 11))
	assert.NotEqual(t, ContentHash("aabb", "01ff", 10), ContentHash("aabc", "01ff", 10))
}

func TestStatsLatencyPercentiles(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))

	for i := 0; i < 4; i++ {
		req := testRequest(fmt.Sprintf("eui-%d", i), "0a0b")
		_, err := q.Enqueue(ctx, req)
		require.NoError(t, err)

		got, err := q.Dequeue(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)

		now = now.Add(10 * time.Millisecond)
		require.NoError(t, q.MarkSuccess(ctx, got))
	}

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Succeeded)
	assert.Greater(t, st.LatencyP50Ms, 0.0)
	assert.GreaterOrEqual(t, st.LatencyP99Ms, st.LatencyP50Ms)
}
