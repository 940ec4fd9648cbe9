package storage

import "time"

// SpaceState is the logical state of a parking space. It is owned
// exclusively by the state manager; every mutation produces an immutable
// StateChangeRecord.
type SpaceState string

// Possible space states
const (
	SpaceFree        SpaceState = "free"
	SpaceOccupied    SpaceState = "occupied"
	SpaceReserved    SpaceState = "reserved"
	SpaceMaintenance SpaceState = "maintenance"
)

// Valid reports whether s is a known space state.
func (s SpaceState) Valid() bool {
	switch s {
	case SpaceFree, SpaceOccupied, SpaceReserved, SpaceMaintenance:
		return true
	}
	return false
}

// SensorState is the raw occupancy reading reported by a sensor.
type SensorState string

// Possible sensor states
const (
	SensorOccupied SensorState = "occupied"
	SensorVacant   SensorState = "vacant"
	SensorUnknown  SensorState = "unknown"
)

// OverrideKind distinguishes operator overrides on a space.
type OverrideKind string

// Possible override kinds, highest display priority first
const (
	OverrideOutOfService OverrideKind = "out_of_service"
	OverrideBlocked      OverrideKind = "blocked"
)

// Space is a parking space with its linked devices.
type Space struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	State      SpaceState `json:"state"`
	SensorEUI  string     `json:"sensor_eui,omitempty"`
	DisplayEUI string     `json:"display_eui,omitempty"`
	Deleted    bool       `json:"deleted,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Display is a physical display device. PayloadTable maps a logical
// state name to the hex-encoded byte payload that renders it.
type Display struct {
	DeviceEUI     string            `json:"device_eui"`
	TenantID      string            `json:"tenant_id"`
	GatewayID     string            `json:"gateway_id,omitempty"`
	ApplicationID string            `json:"application_id,omitempty"`
	PayloadTable  map[string]string `json:"payload_table"`
	FPort         int               `json:"fport"`
	Confirmed     bool              `json:"confirmed"`
}

// Reservation books a space for a time window.
type Reservation struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id"`
	TenantID  string    `json:"tenant_id"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// Covers reports whether the reservation is active at t.
func (r *Reservation) Covers(t time.Time) bool {
	return !r.Cancelled && !t.Before(r.StartAt) && t.Before(r.EndAt)
}

// Override is an operator-imposed space condition that outranks sensor
// and reservation input on the display.
type Override struct {
	SpaceID   string       `json:"space_id"`
	Kind      OverrideKind `json:"kind"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// DisplayPolicy is the per-tenant, versioned display behavior. Policies
// are immutable per version; edits bump the version counter in the KV so
// caches revalidate without synchronous invalidation.
type DisplayPolicy struct {
	TenantID                 string            `json:"tenant_id"`
	Version                  int64             `json:"version"`
	ReservedSoonThresholdSec int               `json:"reserved_soon_threshold_sec"`
	SensorUnknownTimeoutSec  int               `json:"sensor_unknown_timeout_sec"`
	DebounceWindowSec        int               `json:"debounce_window_sec"`
	Colors                   map[string]string `json:"colors"`
	Blink                    map[string]bool   `json:"blink"`
	AllowSensorOverride      bool              `json:"allow_sensor_override"`
}

// DebounceWindow returns the debounce window as a duration.
func (p *DisplayPolicy) DebounceWindow() time.Duration {
	return time.Duration(p.DebounceWindowSec) * time.Second
}

// DebounceRecord tracks the per-space debounce state plus the last
// display command issued, used for reconciliation comparisons.
type DebounceRecord struct {
	SpaceID string `json:"space_id"`

	LastSensorState SensorState `json:"last_sensor_state"`
	LastTimestamp   time.Time   `json:"last_timestamp"`

	PendingSensorState SensorState `json:"pending_sensor_state,omitempty"`
	PendingSince       time.Time   `json:"pending_since,omitempty"`
	PendingCount       int         `json:"pending_count,omitempty"`

	StableSensorState SensorState `json:"stable_sensor_state"`
	StableSince       time.Time   `json:"stable_since"`

	LastCommandState string `json:"last_command_state,omitempty"`
	LastCommandColor string `json:"last_command_color,omitempty"`
	LastCommandBlink bool   `json:"last_command_blink,omitempty"`
}

// SensorReading is one decoded uplink from an occupancy sensor.
type SensorReading struct {
	DeviceEUI    string      `json:"device_eui"`
	SpaceID      string      `json:"space_id"`
	TenantID     string      `json:"tenant_id"`
	State        SensorState `json:"state"`
	Timestamp    time.Time   `json:"timestamp"`
	RSSI         int         `json:"rssi,omitempty"`
	SNR          float64     `json:"snr,omitempty"`
	FrameCounter uint32      `json:"frame_counter"`
}

// StateChangeRecord is the immutable audit row for a space state change.
type StateChangeRecord struct {
	ID        string     `json:"id"`
	SpaceID   string     `json:"space_id"`
	Previous  SpaceState `json:"previous"`
	New       SpaceState `json:"new"`
	Source    string     `json:"source"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ActuationRecord is the audit row written for every display update
// attempt, successful or not. It is the system of record for "did the
// display actually get told".
type ActuationRecord struct {
	ID         string     `json:"id"`
	SpaceID    string     `json:"space_id"`
	DisplayEUI string     `json:"display_eui"`
	Trigger    string     `json:"trigger"`
	Previous   SpaceState `json:"previous"`
	New        SpaceState `json:"new"`
	Payload    string     `json:"payload"`
	FPort      int        `json:"fport"`
	Confirmed  bool       `json:"confirmed"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Gateway is a radio gateway from the device registry.
type Gateway struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}
