package display

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	sm    *StateMachine
	store *storemem.Store
	kv    *kvmem.Store
	pc    *PolicyCache
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storemem.New()
	kvStore := kvmem.New()
	t.Cleanup(func() {
		_ = store.Close()
		_ = kvStore.Close()
	})

	pc, err := NewPolicyCache(context.Background(), store, kvStore, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	f := &fixture{
		store: store,
		kv:    kvStore,
		pc:    pc,
		now:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.sm = NewStateMachine(store, pc, testLogger(), WithClock(func() time.Time { return f.now }))

	require.NoError(t, store.SaveSpace(context.Background(), &storage.Space{
		ID:       "space-1",
		TenantID: "tenant-1",
		Name:     "A-01",
		State:    storage.SpaceFree,
	}))
	return f
}

func (f *fixture) reading(state storage.SensorState, at time.Time) *storage.SensorReading {
	return &storage.SensorReading{
		DeviceEUI: "sensor-1",
		SpaceID:   "space-1",
		TenantID:  "tenant-1",
		State:     state,
		Timestamp: at,
	}
}

func TestStableStateRequiresTwoConsecutiveReadings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	changed, cmd, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now))
	require.NoError(t, err)
	assert.False(t, changed, "first reading only starts a pending candidate")
	assert.Nil(t, cmd)

	changed, cmd, err = f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now.Add(5*time.Second)))
	require.NoError(t, err)
	assert.True(t, changed, "second matching reading confirms the change")
	require.NotNil(t, cmd)
	assert.Equal(t, StateOccupied, cmd.State)
	assert.Equal(t, "red", cmd.Color)
	assert.Equal(t, PrioritySensor, cmd.PriorityLevel)

	rec, err := f.store.GetDebounce(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.SensorOccupied, rec.StableSensorState)
	assert.Equal(t, StateOccupied, rec.LastCommandState)
	assert.Zero(t, rec.PendingCount)
}

func TestConfirmedChangeCommandMatchesRecompute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now))
	require.NoError(t, err)
	_, cmd, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now.Add(5*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, cmd)

	// The command handed back with the confirmed change must agree with
	// a fresh store-backed computation, not with the pre-promotion state.
	recomputed, err := f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, recomputed.State, cmd.State)
	assert.Equal(t, recomputed.Color, cmd.Color)
	assert.Equal(t, recomputed.PriorityLevel, cmd.PriorityLevel)
	assert.Equal(t, PrioritySensor, cmd.PriorityLevel)
}

func TestSingleOutlierNeverFlipsStableState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Establish occupied as stable
	for i := 0; i < 2; i++ {
		_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1",
			f.reading(storage.SensorOccupied, f.now.Add(time.Duration(i)*5*time.Second)))
		require.NoError(t, err)
	}

	// One vacant outlier, then back to occupied
	changed, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorVacant, f.now.Add(15*time.Second)))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, _, err = f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now.Add(20*time.Second)))
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := f.store.GetDebounce(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.SensorOccupied, rec.StableSensorState)
	assert.Zero(t, rec.PendingCount, "flip back to stable clears the pending candidate")
}

func TestPendingRestartsOutsideDebounceWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now))
	require.NoError(t, err)

	// Default window is 30s; the match arriving later restarts at 1
	changed, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now.Add(45*time.Second)))
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := f.store.GetDebounce(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.PendingCount)
	assert.Equal(t, f.now.Add(45*time.Second), rec.PendingSince)
}

func TestThirdValueRestartsPendingFresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorOccupied, f.now))
	require.NoError(t, err)

	changed, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1", f.reading(storage.SensorVacant, f.now.Add(5*time.Second)))
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := f.store.GetDebounce(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.SensorVacant, rec.PendingSensorState)
	assert.Equal(t, 1, rec.PendingCount)
}

func TestComputePriorityOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Establish a stable occupied sensor state
	for i := 0; i < 2; i++ {
		_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1",
			f.reading(storage.SensorOccupied, f.now.Add(time.Duration(i)*5*time.Second)))
		require.NoError(t, err)
	}

	cmd, err := f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateOccupied, cmd.State)
	assert.Equal(t, PrioritySensor, cmd.PriorityLevel)

	// An active reservation outranks the sensor
	require.NoError(t, f.store.SaveReservation(ctx, &storage.Reservation{
		ID:      "res-1",
		SpaceID: "space-1",
		StartAt: f.now.Add(-time.Hour),
		EndAt:   f.now.Add(time.Hour),
	}))
	cmd, err = f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateReserved, cmd.State)
	assert.Equal(t, PriorityReservedNow, cmd.PriorityLevel)

	// A blocked override outranks the reservation
	require.NoError(t, f.store.SaveOverride(ctx, &storage.Override{
		SpaceID: "space-1",
		Kind:    storage.OverrideBlocked,
	}))
	cmd, err = f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, cmd.State)
	assert.Equal(t, PriorityBlocked, cmd.PriorityLevel)

	// Out-of-service outranks everything
	require.NoError(t, f.store.SaveOverride(ctx, &storage.Override{
		SpaceID: "space-1",
		Kind:    storage.OverrideOutOfService,
	}))
	cmd, err = f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateOutOfService, cmd.State)
	assert.Equal(t, PriorityOutOfService, cmd.PriorityLevel)
	assert.NotEmpty(t, cmd.Reason)
}

func TestComputeReservedSoon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.SaveReservation(ctx, &storage.Reservation{
		ID:      "res-2",
		SpaceID: "space-1",
		StartAt: f.now.Add(10 * time.Minute),
		EndAt:   f.now.Add(2 * time.Hour),
	}))

	// Default reserved-soon threshold is 15 minutes
	cmd, err := f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateReservedSoon, cmd.State)
	assert.Equal(t, PriorityReservedSoon, cmd.PriorityLevel)
	assert.True(t, cmd.Blink, "default policy blinks reserved_soon")
}

func TestComputeDefaultsToFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cmd, err := f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateFree, cmd.State)
	assert.Equal(t, PriorityDefault, cmd.PriorityLevel)
	assert.NotEmpty(t, cmd.Reason, "fallback decisions still carry a reason")
}

func TestStaleSensorFallsBackToFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		_, _, err := f.sm.ProcessSensorReading(ctx, "space-1", "tenant-1",
			f.reading(storage.SensorOccupied, f.now.Add(time.Duration(i)*5*time.Second)))
		require.NoError(t, err)
	}

	// Advance past the sensor-unknown timeout (default 1h)
	f.now = f.now.Add(2 * time.Hour)

	cmd, err := f.sm.ComputeDisplayCommand(ctx, "space-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StateFree, cmd.State)
	assert.Equal(t, PriorityDefault, cmd.PriorityLevel)
}

func TestPolicyCacheVersionGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	policy := DefaultPolicy("tenant-1")
	policy.DebounceWindowSec = 60
	require.NoError(t, f.store.SavePolicy(ctx, policy))

	got, err := f.pc.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.DebounceWindowSec)

	// An edit without a version bump keeps serving the cached copy
	edited := DefaultPolicy("tenant-1")
	edited.DebounceWindowSec = 120
	require.NoError(t, f.store.SavePolicy(ctx, edited))

	got, err = f.pc.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.DebounceWindowSec)

	// The version bump invalidates the cached copy
	_, err = f.pc.BumpVersion(ctx, "tenant-1")
	require.NoError(t, err)

	got, err = f.pc.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 120, got.DebounceWindowSec)
}

func TestMissingPolicyFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got, err := f.pc.Get(ctx, "tenant-without-policy")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy("tenant-without-policy").DebounceWindowSec, got.DebounceWindowSec)
}

func TestPolicySaveBumpsVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	policy := DefaultPolicy("tenant-1")
	require.NoError(t, f.pc.Save(ctx, policy))
	assert.Equal(t, int64(1), policy.Version)

	require.NoError(t, f.pc.Save(ctx, policy))
	assert.Equal(t, int64(2), policy.Version)
}

func TestForceRecomputeAllSpaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, sp := range []*storage.Space{
		{ID: "space-2", TenantID: "tenant-1", State: storage.SpaceFree},
		{ID: "space-3", TenantID: "tenant-1", State: storage.SpaceFree, Deleted: true},
	} {
		require.NoError(t, f.store.SaveSpace(ctx, sp))
	}

	n, err := f.sm.ForceRecomputeAllSpaces(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "deleted spaces are skipped")

	rec, err := f.store.GetDebounce(ctx, "space-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateFree, rec.LastCommandState)
}
