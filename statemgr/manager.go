package statemgr

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cpaumelle/smart-parking-platform-sub000/display"
	"github.com/cpaumelle/smart-parking-platform-sub000/downlink"
	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

// SourceManual marks operator-forced transitions, which bypass the
// transition table.
const SourceManual = "manual"

// legalTransitions is the space state machine. Manual transitions skip
// this table entirely.
var legalTransitions = map[storage.SpaceState][]storage.SpaceState{
	storage.SpaceFree:        {storage.SpaceOccupied, storage.SpaceReserved, storage.SpaceMaintenance},
	storage.SpaceOccupied:    {storage.SpaceFree, storage.SpaceMaintenance},
	storage.SpaceReserved:    {storage.SpaceOccupied, storage.SpaceFree, storage.SpaceMaintenance},
	storage.SpaceMaintenance: {storage.SpaceFree},
}

func transitionAllowed(from, to storage.SpaceState) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Enqueuer submits display payloads to the downlink subsystem.
type Enqueuer interface {
	Enqueue(ctx context.Context, req downlink.EnqueueRequest) (*downlink.Command, error)
}

// EventPublisher receives the audit events the manager emits. A nil
// publisher disables publication.
type EventPublisher interface {
	StateChanged(ctx context.Context, rec *storage.StateChangeRecord)
	DisplayActuated(ctx context.Context, rec *storage.ActuationRecord)
}

// UpdateRequest asks for a space state transition.
type UpdateRequest struct {
	SpaceID   string
	NewState  storage.SpaceState
	Source    string
	RequestID string
}

// Result reports the outcome of a state update.
type Result struct {
	SpaceID        string             `json:"space_id"`
	Previous       storage.SpaceState `json:"previous"`
	New            storage.SpaceState `json:"new"`
	Changed        bool               `json:"changed"`
	DisplayUpdated bool               `json:"display_updated"`
}

// Manager serializes and audits all space state mutations.
type Manager struct {
	store   storage.Store
	locks   *locker
	queue   Enqueuer
	events  EventPublisher
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventPublisher sets the publisher for state-change and actuation
// events.
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithMetrics sets the platform metrics sink.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a state manager over the given stores and queue.
func NewManager(store storage.Store, kvStore kv.Store, queue Enqueuer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  &locker{store: kvStore, logger: logger.With("component", "statemgr")},
		queue:  queue,
		logger: logger.With("component", "statemgr"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateSpaceState applies one state transition under the per-space
// lock. Identical states are an idempotent no-op; illegal transitions
// are rejected unless the source is manual. On success the change is
// persisted, audited, published, and the linked display is updated.
func (m *Manager) UpdateSpaceState(ctx context.Context, req UpdateRequest) (*Result, error) {
	if !req.NewState.Valid() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown space state %q", req.NewState),
			"statemgr", "UpdateSpaceState", "state validation")
	}

	ls, err := m.locks.acquire(ctx, "space:"+req.SpaceID)
	if err != nil {
		return nil, err
	}
	defer m.locks.release(ctx, ls)

	space, err := m.store.GetSpace(ctx, req.SpaceID)
	if err != nil {
		if stderrors.Is(err, errors.ErrSpaceNotFound) {
			return nil, errors.WrapInvalid(err, "statemgr", "UpdateSpaceState", "space load")
		}
		return nil, errors.WrapTransient(err, "statemgr", "UpdateSpaceState", "space load")
	}

	previous := space.State
	result := &Result{SpaceID: req.SpaceID, Previous: previous, New: req.NewState}

	if previous == req.NewState {
		m.logger.Debug("state unchanged, no-op",
			"space_id", req.SpaceID, "state", previous, "source", req.Source)
		return result, nil
	}

	if req.Source != SourceManual && !transitionAllowed(previous, req.NewState) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s", errors.ErrIllegalTransition, previous, req.NewState),
			"statemgr", "UpdateSpaceState", "transition validation")
	}

	if err := m.store.SetSpaceState(ctx, req.SpaceID, req.NewState); err != nil {
		return nil, errors.WrapTransient(err, "statemgr", "UpdateSpaceState", "state persist")
	}
	result.Changed = true

	rec := &storage.StateChangeRecord{
		ID:        uuid.NewString(),
		SpaceID:   req.SpaceID,
		Previous:  previous,
		New:       req.NewState,
		Source:    req.Source,
		RequestID: req.RequestID,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.AppendStateChange(ctx, rec); err != nil {
		// The transition is already durable; a lost audit row is logged
		// loudly rather than rolled back
		m.logger.Error("state change audit append failed", "space_id", req.SpaceID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordStateTransition(req.Source, string(req.NewState))
	}
	if m.events != nil {
		m.events.StateChanged(ctx, rec)
	}

	m.logger.Info("space state changed",
		"space_id", req.SpaceID,
		"previous", previous,
		"new", req.NewState,
		"source", req.Source,
		"request_id", req.RequestID)

	if space.DisplayEUI != "" {
		if err := m.updateDisplay(ctx, space, previous, req.NewState, req.Source); err != nil {
			m.logger.Warn("display update failed after state change",
				"space_id", req.SpaceID, "display_eui", space.DisplayEUI, "error", err)
		} else {
			result.DisplayUpdated = true
		}
	}

	return result, nil
}

// updateDisplay pushes the payload for the space's new state to its
// display via the downlink queue.
func (m *Manager) updateDisplay(ctx context.Context, space *storage.Space, previous, next storage.SpaceState, trigger string) error {
	return m.ActuateDisplay(ctx, space, string(next), previous, next, trigger)
}

// ActuateDisplay resolves the payload for displayState from the linked
// display's payload table and enqueues it. An actuation audit row is
// written whether or not the submission succeeds; that row is the system
// of record for whether the display was told.
func (m *Manager) ActuateDisplay(ctx context.Context, space *storage.Space, displayState string, previous, next storage.SpaceState, trigger string) error {
	rec := &storage.ActuationRecord{
		ID:         uuid.NewString(),
		SpaceID:    space.ID,
		DisplayEUI: space.DisplayEUI,
		Trigger:    trigger,
		Previous:   previous,
		New:        next,
		CreatedAt:  m.now().UTC(),
	}

	err := m.submitDisplayPayload(ctx, space, displayState, trigger, rec)
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}

	if auditErr := m.store.AppendActuation(ctx, rec); auditErr != nil {
		m.logger.Error("actuation audit append failed", "space_id", space.ID, "error", auditErr)
	}
	if m.events != nil {
		m.events.DisplayActuated(ctx, rec)
	}
	return err
}

func (m *Manager) submitDisplayPayload(ctx context.Context, space *storage.Space, displayState, trigger string, rec *storage.ActuationRecord) error {
	disp, err := m.store.GetDisplay(ctx, space.DisplayEUI)
	if err != nil {
		return errors.WrapTransient(err, "statemgr", "ActuateDisplay", "display load")
	}

	payload, ok := disp.PayloadTable[displayState]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q for display %s", errors.ErrNoPayloadMapping, displayState, disp.DeviceEUI),
			"statemgr", "ActuateDisplay", "payload lookup")
	}
	rec.Payload = payload
	rec.FPort = disp.FPort
	rec.Confirmed = disp.Confirmed

	_, err = m.queue.Enqueue(ctx, downlink.EnqueueRequest{
		DeviceEUI:     disp.DeviceEUI,
		TenantID:      disp.TenantID,
		GatewayID:     disp.GatewayID,
		Payload:       payload,
		FPort:         disp.FPort,
		Confirmed:     disp.Confirmed,
		SpaceID:       space.ID,
		TriggerSource: trigger,
	})
	if err != nil {
		return errors.WrapTransient(err, "statemgr", "ActuateDisplay", "downlink enqueue")
	}
	return nil
}

// RegisterDisplay validates a display's payload table and persists it.
func (m *Manager) RegisterDisplay(ctx context.Context, disp *storage.Display) error {
	if err := display.ValidatePayloadTable(disp.PayloadTable); err != nil {
		return err
	}
	if err := m.store.SaveDisplay(ctx, disp); err != nil {
		return errors.WrapTransient(err, "statemgr", "RegisterDisplay", "display save")
	}
	m.logger.Info("display registered", "device_eui", disp.DeviceEUI, "fport", disp.FPort)
	return nil
}

// ReleaseExpiredReservations transitions reserved spaces whose
// reservation window has ended back to free, with source "system".
// Returns the number of spaces released.
func (m *Manager) ReleaseExpiredReservations(ctx context.Context) (int, error) {
	spaces, err := m.store.ListSpacesByState(ctx, storage.SpaceReserved)
	if err != nil {
		return 0, errors.WrapTransient(err, "statemgr", "ReleaseExpiredReservations", "space list")
	}

	released := 0
	for _, space := range spaces {
		res, err := m.store.ActiveReservation(ctx, space.ID, m.now())
		if err != nil {
			m.logger.Warn("reservation lookup failed during sweep", "space_id", space.ID, "error", err)
			continue
		}
		if res != nil {
			continue
		}

		_, err = m.UpdateSpaceState(ctx, UpdateRequest{
			SpaceID:   space.ID,
			NewState:  storage.SpaceFree,
			Source:    "system",
			RequestID: "reservation-expiry",
		})
		if err != nil {
			m.logger.Warn("reservation expiry release failed", "space_id", space.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}
