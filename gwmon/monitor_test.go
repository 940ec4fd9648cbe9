package gwmon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSummaryClassifiesByHeartbeatAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	store := storemem.New()
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-1", Name: "roof-north", LastSeen: now.Add(-time.Minute),
	}))
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-2", Name: "roof-south", LastSeen: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-3", Name: "basement", LastSeen: now.Add(-time.Hour),
	}))

	m, err := New(store, testLogger(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer m.Close()

	summary, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Online)
	assert.Equal(t, 2, summary.Offline)

	require.Len(t, summary.OfflineList, 2)
	// Longest-offline first
	assert.Equal(t, "gw-3", summary.OfflineList[0].ID)
	assert.InDelta(t, 60.0, summary.OfflineList[0].MinutesOffline, 0.01)
	assert.Equal(t, "gw-2", summary.OfflineList[1].ID)
	assert.InDelta(t, 10.0, summary.OfflineList[1].MinutesOffline, 0.01)
}

func TestSummaryIsCached(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	store := storemem.New()
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{ID: "gw-1", LastSeen: now}))

	m, err := New(store, testLogger())
	require.NoError(t, err)
	defer m.Close()

	first, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Total)

	// A registry change is not visible until the cache expires or a
	// refresh is forced.
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{ID: "gw-2", LastSeen: now}))

	cached, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Total)

	fresh, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Total)
}

func TestCustomOfflineThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	store := storemem.New()
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-1", LastSeen: now.Add(-2 * time.Minute),
	}))

	m, err := New(store, testLogger(),
		WithOfflineThreshold(time.Minute),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer m.Close()

	summary, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Online)
	assert.Equal(t, 1, summary.Offline)
}

func TestHealthMonitorIntegration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	store := storemem.New()
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-1", LastSeen: now.Add(-time.Minute),
	}))
	require.NoError(t, store.SaveGateway(ctx, &storage.Gateway{
		ID: "gw-2", LastSeen: now.Add(-time.Hour),
	}))

	hm := health.NewMonitor()
	m, err := New(store, testLogger(),
		WithHealthMonitor(hm),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Refresh(ctx)
	require.NoError(t, err)

	status, ok := hm.Get("gateways")
	require.True(t, ok)
	assert.Equal(t, health.StatusDegraded, status.Status)
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil, testLogger())
	require.Error(t, err)
}
