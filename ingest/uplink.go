// Package ingest turns raw ChirpStack uplink events into sensor
// readings and drives them through debouncing and state updates. It is
// the glue between the MQTT transport and the parking core.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/cpaumelle/smart-parking-platform-sub000/display"
	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
	"github.com/cpaumelle/smart-parking-platform-sub000/spool"
	"github.com/cpaumelle/smart-parking-platform-sub000/statemgr"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	dedupKeyPrefix = "uplink:fcnt:"
	dedupTTL       = 10 * time.Minute
)

// UplinkEvent is the subset of a ChirpStack uplink event the pipeline
// needs. Field names follow the ChirpStack v4 JSON marshaler.
type UplinkEvent struct {
	DeduplicationID string     `json:"deduplicationId"`
	Time            time.Time  `json:"time"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`
	FCnt            uint32     `json:"fCnt"`
	FPort           int        `json:"fPort"`
	Data            string     `json:"data"`
	Object          *Object    `json:"object,omitempty"`
	RxInfo          []RxInfo   `json:"rxInfo,omitempty"`
}

// DeviceInfo identifies the device and tenant an uplink came from.
type DeviceInfo struct {
	TenantID      string `json:"tenantId"`
	ApplicationID string `json:"applicationId"`
	DevEUI        string `json:"devEui"`
	DeviceName    string `json:"deviceProfileName,omitempty"`
}

// Object is the codec-decoded payload for an occupancy sensor.
type Object struct {
	Occupied *bool  `json:"occupied,omitempty"`
	Status   string `json:"status,omitempty"`
}

// RxInfo is per-gateway reception metadata.
type RxInfo struct {
	GatewayID string  `json:"gatewayId"`
	RSSI      int     `json:"rssi"`
	SNR       float64 `json:"snr"`
}

// Processor drives decoded uplinks through dedup, persistence,
// debouncing and the state manager.
type Processor struct {
	store   storage.Store
	kv      kv.Store
	machine *display.StateMachine
	manager *statemgr.Manager
	spool   *spool.Spool
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithSpool buffers readings on disk when the primary store rejects them.
func WithSpool(s *spool.Spool) Option {
	return func(p *Processor) { p.spool = s }
}

// WithMetrics exports uplink counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the ingestion pipeline.
func NewProcessor(store storage.Store, kvStore kv.Store, machine *display.StateMachine, manager *statemgr.Manager, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		kv:      kvStore,
		machine: machine,
		manager: manager,
		logger:  logger.With("component", "ingest"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleUplink processes one raw uplink event. A store outage spools
// the event for replay and reports success so the transport does not
// redeliver; malformed events are rejected as invalid.
func (p *Processor) HandleUplink(ctx context.Context, raw []byte) error {
	event, err := decodeUplink(raw)
	if err != nil {
		return err
	}

	tenant := event.DeviceInfo.TenantID
	if p.metrics != nil {
		p.metrics.RecordUplinkReceived(tenant)
	}

	fresh, err := p.markSeen(ctx, event)
	if err != nil {
		return err
	}
	if !fresh {
		p.logger.DebugContext(ctx, "duplicate uplink dropped",
			"device_eui", event.DeviceInfo.DevEUI,
			"f_cnt", event.FCnt)
		p.recordOutcome(tenant, "duplicate")
		return nil
	}

	space, err := p.store.GetSpaceBySensor(ctx, event.DeviceInfo.DevEUI)
	if err != nil {
		if stderrors.Is(err, errors.ErrSpaceNotFound) {
			p.logger.WarnContext(ctx, "uplink from unmapped sensor",
				"device_eui", event.DeviceInfo.DevEUI)
			p.recordOutcome(tenant, "unmapped")
			return nil
		}
		return p.spoolOrFail(ctx, event, raw, err)
	}

	reading := p.buildReading(event, space)
	if err := p.store.SaveReading(ctx, reading); err != nil {
		return p.spoolOrFail(ctx, event, raw, err)
	}

	if reading.State == storage.SensorUnknown {
		p.logger.DebugContext(ctx, "uplink carried no occupancy state",
			"device_eui", reading.DeviceEUI)
		p.recordOutcome(tenant, "unknown")
		return nil
	}

	changed, _, err := p.machine.ProcessSensorReading(ctx, space.ID, space.TenantID, reading)
	if err != nil {
		p.logger.ErrorContext(ctx, "processing sensor reading failed",
			"space_id", space.ID,
			"error", err)
		p.recordOutcome(tenant, "error")
		return err
	}
	if !changed {
		p.recordOutcome(tenant, "debounced")
		return nil
	}

	newState := sensorSpaceState(reading.State)
	_, err = p.manager.UpdateSpaceState(ctx, statemgr.UpdateRequest{
		SpaceID:   space.ID,
		NewState:  newState,
		Source:    "sensor",
		RequestID: event.DeduplicationID,
	})
	if err != nil {
		// Illegal transitions are expected while a space is reserved
		// or in maintenance; the sensor keeps reporting regardless.
		if errors.IsInvalid(err) {
			p.logger.InfoContext(ctx, "sensor transition not applied",
				"space_id", space.ID,
				"new_state", newState,
				"error", err)
			p.recordOutcome(tenant, "suppressed")
			return nil
		}
		p.recordOutcome(tenant, "error")
		return err
	}

	p.recordOutcome(tenant, "applied")
	return nil
}

// markSeen reserves the (device, frame counter) pair. Returns false if
// another delivery of the same frame already claimed it.
func (p *Processor) markSeen(ctx context.Context, event *UplinkEvent) (bool, error) {
	key := fmt.Sprintf("%s%s:%d", dedupKeyPrefix, strings.ToLower(event.DeviceInfo.DevEUI), event.FCnt)
	ok, err := p.kv.SetNX(ctx, key, "1", dedupTTL)
	if err != nil {
		return false, errors.WrapTransient(err, "ingest", "HandleUplink", "frame counter dedup failed")
	}
	return ok, nil
}

func (p *Processor) buildReading(event *UplinkEvent, space *storage.Space) *storage.SensorReading {
	ts := event.Time
	if ts.IsZero() {
		ts = p.now()
	}

	reading := &storage.SensorReading{
		DeviceEUI:    strings.ToLower(event.DeviceInfo.DevEUI),
		SpaceID:      space.ID,
		TenantID:     space.TenantID,
		State:        occupancyState(event.Object),
		Timestamp:    ts,
		FrameCounter: event.FCnt,
	}
	if len(event.RxInfo) > 0 {
		reading.RSSI = event.RxInfo[0].RSSI
		reading.SNR = event.RxInfo[0].SNR
	}
	return reading
}

// spoolOrFail sends the raw event to the disk spool and reports
// success. Without a spool the error surfaces to the transport.
func (p *Processor) spoolOrFail(ctx context.Context, event *UplinkEvent, raw []byte, cause error) error {
	if p.spool == nil {
		return errors.WrapTransient(cause, "ingest", "HandleUplink", "persisting reading failed")
	}

	_, err := p.spool.Enqueue(ctx, event.DeviceInfo.DevEUI, event.DeduplicationID, raw, map[string]string{
		"tenant_id": event.DeviceInfo.TenantID,
	})
	if err != nil {
		return errors.WrapTransient(cause, "ingest", "HandleUplink", "persisting and spooling both failed")
	}

	p.logger.WarnContext(ctx, "store unavailable, uplink spooled",
		"device_eui", event.DeviceInfo.DevEUI,
		"error", cause)
	p.recordOutcome(event.DeviceInfo.TenantID, "spooled")
	return nil
}

func (p *Processor) recordOutcome(tenant, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordUplinkProcessed(tenant, outcome)
	}
}

func decodeUplink(raw []byte) (*UplinkEvent, error) {
	var event UplinkEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errors.WrapInvalid(err, "ingest", "HandleUplink", "decoding uplink event failed")
	}
	if event.DeviceInfo.DevEUI == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uplink event has no device EUI", errors.ErrInvalidData),
			"ingest", "HandleUplink", "validating uplink event")
	}
	return &event, nil
}

// occupancyState maps the codec object to a sensor state. Events
// without a recognizable occupancy field come back unknown and are
// persisted but not debounced.
func occupancyState(obj *Object) storage.SensorState {
	if obj == nil {
		return storage.SensorUnknown
	}
	if obj.Occupied != nil {
		if *obj.Occupied {
			return storage.SensorOccupied
		}
		return storage.SensorVacant
	}
	switch strings.ToLower(obj.Status) {
	case "occupied", "busy":
		return storage.SensorOccupied
	case "vacant", "free":
		return storage.SensorVacant
	default:
		return storage.SensorUnknown
	}
}

func sensorSpaceState(state storage.SensorState) storage.SpaceState {
	if state == storage.SensorOccupied {
		return storage.SpaceOccupied
	}
	return storage.SpaceFree
}
