package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpaumelle/smart-parking-platform-sub000/display"
	"github.com/cpaumelle/smart-parking-platform-sub000/downlink"
	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/statemgr"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	runner *Runner
	store  *storemem.Store
	kv     *kvmem.Store
	queue  *downlink.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storemem.New()
	kvStore := kvmem.New()
	t.Cleanup(func() {
		_ = store.Close()
		_ = kvStore.Close()
	})

	pc, err := display.NewPolicyCache(ctx, store, kvStore, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	machine := display.NewStateMachine(store, pc, testLogger())
	queue := downlink.NewQueue(kvStore, testLogger())
	manager := statemgr.NewManager(store, kvStore, queue, testLogger())
	promoter := downlink.NewPromoter(queue, testLogger())

	runner := NewRunner(store, machine, manager, nil, promoter, health.NewMonitor(), testLogger())
	return &fixture{runner: runner, store: store, kv: kvStore, queue: queue}
}

func seedSpace(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.SaveSpace(ctx, &storage.Space{
		ID:         "space-1",
		TenantID:   "tenant-1",
		State:      storage.SpaceFree,
		DisplayEUI: "display-1",
	}))
	require.NoError(t, f.store.SaveDisplay(ctx, &storage.Display{
		DeviceEUI: "display-1",
		TenantID:  "tenant-1",
		PayloadTable: map[string]string{
			"free":          "01",
			"occupied":      "02",
			"reserved":      "03",
			"reserved_soon": "04",
		},
		FPort: 10,
	}))
}

func TestReconcileIssuesCommandForNewDisplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSpace(t, f)

	require.NoError(t, f.runner.ReconcileDisplays(ctx))

	st, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending, "a display with no issued command gets one")

	acts, err := f.store.ListActuations(ctx, "space-1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "reconciliation", acts[0].Trigger)
	assert.Equal(t, "01", acts[0].Payload)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSpace(t, f)

	require.NoError(t, f.runner.ReconcileDisplays(ctx))
	require.NoError(t, f.runner.ReconcileDisplays(ctx))

	acts, err := f.store.ListActuations(ctx, "space-1", 10)
	require.NoError(t, err)
	assert.Len(t, acts, 1, "matching last-issued command suppresses re-actuation")
}

func TestReconcileDetectsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedSpace(t, f)

	require.NoError(t, f.runner.ReconcileDisplays(ctx))

	// A reservation starts now; the desired command drifts from the
	// issued "free".
	require.NoError(t, f.store.SaveReservation(ctx, &storage.Reservation{
		ID:      "res-1",
		SpaceID: "space-1",
		StartAt: time.Now().Add(-time.Minute),
		EndAt:   time.Now().Add(time.Hour),
	}))

	require.NoError(t, f.runner.ReconcileDisplays(ctx))

	acts, err := f.store.ListActuations(ctx, "space-1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "03", acts[1].Payload, "reserved payload re-issued on drift")
}

func TestReconcileSkipsSpacesWithoutDisplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.SaveSpace(ctx, &storage.Space{
		ID:       "space-bare",
		TenantID: "tenant-1",
		State:    storage.SpaceFree,
	}))

	require.NoError(t, f.runner.ReconcileDisplays(ctx))

	st, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
}

func TestRunnerShutsDownCleanly(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
