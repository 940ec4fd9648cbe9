package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/worker"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

// StateMachine interprets sensor readings through per-space debouncing
// and computes the display command a space should currently show.
type StateMachine struct {
	store    storage.Store
	policies *PolicyCache
	logger   *slog.Logger

	recomputeWorkers int
	now              func() time.Time
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithRecomputeWorkers sets the fan-out width of ForceRecomputeAllSpaces.
func WithRecomputeWorkers(n int) Option {
	return func(sm *StateMachine) { sm.recomputeWorkers = n }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(sm *StateMachine) { sm.now = now }
}

// NewStateMachine builds a display state machine over the given stores.
func NewStateMachine(store storage.Store, policies *PolicyCache, logger *slog.Logger, opts ...Option) *StateMachine {
	sm := &StateMachine{
		store:            store,
		policies:         policies,
		logger:           logger.With("component", "display"),
		recomputeWorkers: 8,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// ProcessSensorReading runs one reading through the space's debounce
// state. The stable sensor state changes only after two consecutive
// readings of the same new value within the policy's debounce window; a
// single outlier never flips it. On a confirmed change the new display
// command is computed and cached into the debounce record.
func (sm *StateMachine) ProcessSensorReading(ctx context.Context, spaceID, tenantID string, reading *storage.SensorReading) (bool, *Command, error) {
	policy, err := sm.policies.Get(ctx, tenantID)
	if err != nil {
		return false, nil, err
	}

	rec, err := sm.store.GetDebounce(ctx, spaceID)
	if err != nil {
		return false, nil, errors.WrapTransient(err, "display", "ProcessSensorReading", "debounce load")
	}

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = sm.now()
	}

	if rec == nil {
		rec = &storage.DebounceRecord{
			SpaceID:           spaceID,
			StableSensorState: storage.SensorUnknown,
			StableSince:       ts,
		}
	}

	changed := false
	switch {
	case reading.State == rec.StableSensorState:
		// Flip back to the stable value rejects any pending candidate
		rec.PendingSensorState = ""
		rec.PendingSince = time.Time{}
		rec.PendingCount = 0

	case reading.State == rec.PendingSensorState && ts.Sub(rec.PendingSince) <= policy.DebounceWindow():
		rec.PendingCount++
		if rec.PendingCount >= 2 {
			rec.StableSensorState = reading.State
			rec.StableSince = ts
			rec.PendingSensorState = ""
			rec.PendingSince = time.Time{}
			rec.PendingCount = 0
			changed = true
		}

	default:
		// New candidate, or the same candidate arriving outside the
		// window: the count restarts at 1 with this timestamp
		rec.PendingSensorState = reading.State
		rec.PendingSince = ts
		rec.PendingCount = 1
	}

	rec.LastSensorState = reading.State
	rec.LastTimestamp = ts

	var cmd *Command
	if changed {
		cmd, err = sm.computeCommand(ctx, spaceID, tenantID, rec)
		if err != nil {
			sm.logger.Error("display command computation failed after confirmed change",
				"space_id", spaceID, "error", err)
		} else {
			rec.LastCommandState = cmd.State
			rec.LastCommandColor = cmd.Color
			rec.LastCommandBlink = cmd.Blink
		}
	}

	if saveErr := sm.store.SaveDebounce(ctx, rec); saveErr != nil {
		return changed, cmd, errors.WrapTransient(saveErr, "display", "ProcessSensorReading", "debounce save")
	}
	if changed && err != nil {
		return true, nil, err
	}

	sm.logger.Debug("sensor reading processed",
		"space_id", spaceID,
		"state", reading.State,
		"stable", rec.StableSensorState,
		"pending_count", rec.PendingCount,
		"changed", changed)
	return changed, cmd, nil
}

// ComputeDisplayCommand derives what the space's display should show,
// highest priority first: out-of-service override, blocked override,
// active reservation, reservation starting soon, debounced sensor state,
// recent stable fallback, default free. A command with a reason is
// always returned, even on fallback.
func (sm *StateMachine) ComputeDisplayCommand(ctx context.Context, spaceID, tenantID string) (*Command, error) {
	rec, err := sm.store.GetDebounce(ctx, spaceID)
	if err != nil {
		return nil, errors.WrapTransient(err, "display", "ComputeDisplayCommand", "debounce load")
	}
	return sm.computeCommand(ctx, spaceID, tenantID, rec)
}

// computeCommand is ComputeDisplayCommand against a caller-supplied
// debounce record, so ProcessSensorReading can derive the command from a
// record it has not persisted yet.
func (sm *StateMachine) computeCommand(ctx context.Context, spaceID, tenantID string, rec *storage.DebounceRecord) (*Command, error) {
	policy, err := sm.policies.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := sm.now()

	ov, err := sm.store.GetOverride(ctx, spaceID)
	if err != nil {
		return nil, errors.WrapTransient(err, "display", "ComputeDisplayCommand", "override load")
	}
	if ov != nil {
		switch ov.Kind {
		case storage.OverrideOutOfService:
			return sm.render(policy, StateOutOfService, PriorityOutOfService, "space is out of service"), nil
		case storage.OverrideBlocked:
			return sm.render(policy, StateBlocked, PriorityBlocked, "space is blocked by operator"), nil
		}
	}

	active, err := sm.store.ActiveReservation(ctx, spaceID, now)
	if err != nil {
		return nil, errors.WrapTransient(err, "display", "ComputeDisplayCommand", "reservation load")
	}
	if active != nil {
		return sm.render(policy, StateReserved, PriorityReservedNow,
			fmt.Sprintf("reservation %s active until %s", active.ID, active.EndAt.Format(time.RFC3339))), nil
	}

	next, err := sm.store.NextReservation(ctx, spaceID, now)
	if err != nil {
		return nil, errors.WrapTransient(err, "display", "ComputeDisplayCommand", "upcoming reservation load")
	}
	if next != nil {
		until := next.StartAt.Sub(now)
		if until <= time.Duration(policy.ReservedSoonThresholdSec)*time.Second {
			return sm.render(policy, StateReservedSoon, PriorityReservedSoon,
				fmt.Sprintf("reservation %s starts in %s", next.ID, until.Round(time.Second))), nil
		}
	}

	if policy.AllowSensorOverride {
		if rec != nil {
			unknownTimeout := time.Duration(policy.SensorUnknownTimeoutSec) * time.Second
			if state, ok := sensorDisplayState(rec.StableSensorState); ok {
				if now.Sub(rec.LastTimestamp) <= unknownTimeout {
					return sm.render(policy, state, PrioritySensor,
						fmt.Sprintf("sensor reports %s", rec.StableSensorState)), nil
				}
				if now.Sub(rec.StableSince) <= unknownTimeout {
					return sm.render(policy, state, PriorityRecentStable,
						fmt.Sprintf("sensor silent, holding last stable state %s", rec.StableSensorState)), nil
				}
			}
		}
	}

	return sm.render(policy, StateFree, PriorityDefault, "no override, reservation, or recent sensor data"), nil
}

// ForceRecomputeAllSpaces recomputes the display command for every
// non-deleted space of the tenant, fanning out across a worker pool.
// Per-space failures are logged and swallowed; the return value is the
// number of spaces successfully recomputed. Used after a policy change.
func (sm *StateMachine) ForceRecomputeAllSpaces(ctx context.Context, tenantID string) (int, error) {
	spaces, err := sm.store.ListSpaces(ctx, tenantID)
	if err != nil {
		return 0, errors.WrapTransient(err, "display", "ForceRecomputeAllSpaces", "space list")
	}

	var recomputed int64
	pool := worker.NewPool(sm.recomputeWorkers, len(spaces)+1, func(ctx context.Context, space *storage.Space) error {
		cmd, err := sm.ComputeDisplayCommand(ctx, space.ID, tenantID)
		if err != nil {
			sm.logger.Warn("recompute failed for space", "space_id", space.ID, "error", err)
			return err
		}
		if err := sm.cacheCommand(ctx, space.ID, cmd); err != nil {
			sm.logger.Warn("recompute cache update failed", "space_id", space.ID, "error", err)
			return err
		}
		atomic.AddInt64(&recomputed, 1)
		return nil
	})

	if err := pool.Start(ctx); err != nil {
		return 0, errors.Wrap(err, "display", "ForceRecomputeAllSpaces", "pool start")
	}
	for _, space := range spaces {
		if space.Deleted {
			continue
		}
		if err := pool.Submit(space); err != nil {
			sm.logger.Warn("recompute submit failed", "space_id", space.ID, "error", err)
		}
	}
	if err := pool.Stop(30 * time.Second); err != nil {
		return int(atomic.LoadInt64(&recomputed)), errors.WrapTransient(err, "display", "ForceRecomputeAllSpaces", "pool drain")
	}

	n := int(atomic.LoadInt64(&recomputed))
	sm.logger.Info("recomputed display commands", "tenant_id", tenantID, "count", n)
	return n, nil
}

// RecordIssuedCommand stores cmd as the last command issued for the
// space. The reconciliation loop calls it after re-actuating a drifted
// display.
func (sm *StateMachine) RecordIssuedCommand(ctx context.Context, spaceID string, cmd *Command) error {
	return sm.cacheCommand(ctx, spaceID, cmd)
}

// cacheCommand stores cmd as the space's last computed command so the
// reconciliation loop can compare against it.
func (sm *StateMachine) cacheCommand(ctx context.Context, spaceID string, cmd *Command) error {
	rec, err := sm.store.GetDebounce(ctx, spaceID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &storage.DebounceRecord{
			SpaceID:           spaceID,
			StableSensorState: storage.SensorUnknown,
			StableSince:       sm.now(),
		}
	}
	rec.LastCommandState = cmd.State
	rec.LastCommandColor = cmd.Color
	rec.LastCommandBlink = cmd.Blink
	return sm.store.SaveDebounce(ctx, rec)
}

func (sm *StateMachine) render(policy *storage.DisplayPolicy, state string, priority int, reason string) *Command {
	return &Command{
		State:         state,
		Color:         policy.Colors[state],
		Blink:         policy.Blink[state],
		PriorityLevel: priority,
		Reason:        reason,
	}
}

func sensorDisplayState(s storage.SensorState) (string, bool) {
	switch s {
	case storage.SensorOccupied:
		return StateOccupied, true
	case storage.SensorVacant:
		return StateFree, true
	}
	return "", false
}
