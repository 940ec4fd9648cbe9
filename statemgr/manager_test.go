package statemgr

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpaumelle/smart-parking-platform-sub000/downlink"
	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mgr   *Manager
	store *storemem.Store
	kv    *kvmem.Store
	queue *downlink.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storemem.New()
	kvStore := kvmem.New()
	t.Cleanup(func() {
		_ = store.Close()
		_ = kvStore.Close()
	})

	queue := downlink.NewQueue(kvStore, testLogger())
	mgr := NewManager(store, kvStore, queue, testLogger())

	ctx := context.Background()
	require.NoError(t, store.SaveSpace(ctx, &storage.Space{
		ID:         "space-1",
		TenantID:   "tenant-1",
		Name:       "A-01",
		State:      storage.SpaceFree,
		DisplayEUI: "display-1",
	}))
	require.NoError(t, store.SaveDisplay(ctx, &storage.Display{
		DeviceEUI: "display-1",
		TenantID:  "tenant-1",
		GatewayID: "gw-1",
		PayloadTable: map[string]string{
			"free":     "01",
			"occupied": "02",
			"reserved": "03",
		},
		FPort:     10,
		Confirmed: false,
	}))

	return &fixture{mgr: mgr, store: store, kv: kvStore, queue: queue}
}

func TestFreeToOccupied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID:   "space-1",
		NewState:  storage.SpaceOccupied,
		Source:    "sensor",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceFree, res.Previous)
	assert.Equal(t, storage.SpaceOccupied, res.New)
	assert.True(t, res.Changed)
	assert.True(t, res.DisplayUpdated)

	space, err := f.store.GetSpace(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceOccupied, space.State)

	changes, err := f.store.ListStateChanges(ctx, "space-1", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "sensor", changes[0].Source)
	assert.Equal(t, "req-1", changes[0].RequestID)

	// The display payload was enqueued
	st, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)

	acts, err := f.store.ListActuations(ctx, "space-1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.True(t, acts[0].Success)
	assert.Equal(t, "02", acts[0].Payload)
}

func TestIllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceMaintenance, Source: "operator",
	})
	require.NoError(t, err)

	_, err = f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceOccupied, Source: "sensor",
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// No audit row for the rejected transition
	changes, err := f.store.ListStateChanges(ctx, "space-1", 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestManualSourceBypassesTransitionTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceMaintenance, Source: "operator",
	})
	require.NoError(t, err)

	res, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceOccupied, Source: SourceManual,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestUnknownSpaceIsInvalidNotTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-missing", NewState: storage.SpaceOccupied, Source: "sensor",
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "missing space is not retryable")
	assert.False(t, errors.IsTransient(err))
}

func TestSameStateIsIdempotentNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceFree, Source: "sensor",
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, storage.SpaceFree, res.Previous)
	assert.Equal(t, storage.SpaceFree, res.New)

	changes, err := f.store.ListStateChanges(ctx, "space-1", 10)
	require.NoError(t, err)
	assert.Empty(t, changes, "no-op writes no state-change record")
}

func TestLockContentionSurfacesAfterOneRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Hold the lock under a foreign token
	ok, err := f.kv.SetNX(ctx, "lock:space:space-1", "someone-else", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	_, err = f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceOccupied, Source: "sensor",
	})
	require.Error(t, err)
	assert.True(t, errors.IsContention(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "one bounded retry before giving up")
}

func TestLockReleasedAfterUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceOccupied, Source: "sensor",
	})
	require.NoError(t, err)

	// A second update acquires the lock immediately
	_, err = f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceFree, Source: "sensor",
	})
	require.NoError(t, err)
}

func TestActuationRecordedOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// maintenance has no payload mapping in the fixture table
	res, err := f.mgr.UpdateSpaceState(ctx, UpdateRequest{
		SpaceID: "space-1", NewState: storage.SpaceMaintenance, Source: "operator",
	})
	require.NoError(t, err, "transition succeeds even when the display cannot be told")
	assert.True(t, res.Changed)
	assert.False(t, res.DisplayUpdated)

	acts, err := f.store.ListActuations(ctx, "space-1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.False(t, acts[0].Success)
	assert.Contains(t, acts[0].Error, "no payload mapping")
}

func TestRegisterDisplayValidatesPayloadTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.mgr.RegisterDisplay(ctx, &storage.Display{
		DeviceEUI:    "display-2",
		TenantID:     "tenant-1",
		PayloadTable: map[string]string{"free": "not-hex"},
		FPort:        10,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = f.mgr.RegisterDisplay(ctx, &storage.Display{
		DeviceEUI:    "display-2",
		TenantID:     "tenant-1",
		PayloadTable: map[string]string{"free": "0a", "occupied": "0b"},
		FPort:        10,
	})
	require.NoError(t, err)
}

func TestReleaseExpiredReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()

	require.NoError(t, f.store.SaveSpace(ctx, &storage.Space{
		ID: "space-2", TenantID: "tenant-1", State: storage.SpaceReserved,
	}))
	require.NoError(t, f.store.SaveSpace(ctx, &storage.Space{
		ID: "space-3", TenantID: "tenant-1", State: storage.SpaceReserved,
	}))

	// space-2's reservation ended; space-3's is still active
	require.NoError(t, f.store.SaveReservation(ctx, &storage.Reservation{
		ID: "res-2", SpaceID: "space-2", StartAt: now.Add(-2 * time.Hour), EndAt: now.Add(-time.Hour),
	}))
	require.NoError(t, f.store.SaveReservation(ctx, &storage.Reservation{
		ID: "res-3", SpaceID: "space-3", StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour),
	}))

	released, err := f.mgr.ReleaseExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	space2, err := f.store.GetSpace(ctx, "space-2")
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceFree, space2.State)

	space3, err := f.store.GetSpace(ctx, "space-3")
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceReserved, space3.State)

	changes, err := f.store.ListStateChanges(ctx, "space-2", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "system", changes[0].Source)
}
