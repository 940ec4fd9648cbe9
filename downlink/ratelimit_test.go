package downlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
)

func TestGatewayLimitExhaustionAndRefill(t *testing.T) {
	ctx := context.Background()
	store := kvmem.New()
	defer store.Close()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	limit := 5
	rl := NewRateLimiter(store, WithGatewayLimit(limit))

	// Exactly limit requests succeed within one window
	for i := 0; i < limit; i++ {
		d, err := rl.CheckGateway(ctx, "gw-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := rl.CheckGateway(ctx, "gw-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// After waiting the advertised delay, one more token is available
	now = now.Add(d.RetryAfter + 50*time.Millisecond)
	d, err = rl.CheckGateway(ctx, "gw-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := kvmem.New()
	defer store.Close()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	rl := NewRateLimiter(store, WithGatewayLimit(1), WithTenantLimit(1))

	d, err := rl.CheckGateway(ctx, "gw-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Exhausting gw-1 leaves gw-2 and the tenant bucket untouched
	d, err = rl.CheckGateway(ctx, "gw-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = rl.CheckGateway(ctx, "gw-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.CheckTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTenantLimitDefault(t *testing.T) {
	ctx := context.Background()
	store := kvmem.New()
	defer store.Close()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	rl := NewRateLimiter(store)
	for i := 0; i < DefaultTenantLimitPerMin; i++ {
		d, err := rl.CheckTenant(ctx, "tenant-1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := rl.CheckTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
