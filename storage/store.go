// Package storage defines the persistent store for the parking platform
// core: spaces, displays, reservations, overrides, display policies,
// debounce records, sensor readings, and the immutable audit trails.
//
// Backends: storage/postgres for production, storage/memory for tests.
package storage

import (
	"context"
	"time"
)

// Store is the persistent store contract. All methods return classified
// errors from the platform errors package where a sentinel applies
// (ErrSpaceNotFound, ErrDisplayNotFound, ErrPolicyNotFound).
type Store interface {
	// Spaces
	GetSpace(ctx context.Context, id string) (*Space, error)
	GetSpaceBySensor(ctx context.Context, sensorEUI string) (*Space, error)
	ListSpaces(ctx context.Context, tenantID string) ([]*Space, error)
	ListAllSpaces(ctx context.Context) ([]*Space, error)
	ListSpacesByState(ctx context.Context, state SpaceState) ([]*Space, error)
	SaveSpace(ctx context.Context, space *Space) error
	SetSpaceState(ctx context.Context, spaceID string, state SpaceState) error

	// Displays
	GetDisplay(ctx context.Context, deviceEUI string) (*Display, error)
	SaveDisplay(ctx context.Context, display *Display) error

	// Reservations
	ActiveReservation(ctx context.Context, spaceID string, at time.Time) (*Reservation, error)
	NextReservation(ctx context.Context, spaceID string, after time.Time) (*Reservation, error)
	SaveReservation(ctx context.Context, res *Reservation) error

	// Overrides; GetOverride returns (nil, nil) when the space has none
	GetOverride(ctx context.Context, spaceID string) (*Override, error)
	SaveOverride(ctx context.Context, ov *Override) error
	DeleteOverride(ctx context.Context, spaceID string) error

	// Display policies
	GetPolicy(ctx context.Context, tenantID string) (*DisplayPolicy, error)
	SavePolicy(ctx context.Context, policy *DisplayPolicy) error

	// Debounce records; GetDebounce returns (nil, nil) when absent
	GetDebounce(ctx context.Context, spaceID string) (*DebounceRecord, error)
	SaveDebounce(ctx context.Context, rec *DebounceRecord) error

	// Sensor readings
	SaveReading(ctx context.Context, reading *SensorReading) error

	// Audit trails (append-only)
	AppendStateChange(ctx context.Context, rec *StateChangeRecord) error
	ListStateChanges(ctx context.Context, spaceID string, limit int) ([]*StateChangeRecord, error)
	AppendActuation(ctx context.Context, rec *ActuationRecord) error
	ListActuations(ctx context.Context, spaceID string, limit int) ([]*ActuationRecord, error)

	// Gateway registry
	ListGateways(ctx context.Context) ([]*Gateway, error)
	SaveGateway(ctx context.Context, gw *Gateway) error

	Close() error
}
