// Package memory provides an in-process storage.Store used by tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

// Store is an in-memory storage.Store. Safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	spaces       map[string]*storage.Space
	displays     map[string]*storage.Display
	reservations map[string]*storage.Reservation
	overrides    map[string]*storage.Override
	policies     map[string]*storage.DisplayPolicy
	debounce     map[string]*storage.DebounceRecord
	readings     []*storage.SensorReading
	stateChanges []*storage.StateChangeRecord
	actuations   []*storage.ActuationRecord
	gateways     map[string]*storage.Gateway

	// FailWrites makes mutating reading writes fail, to exercise the
	// spool path in tests.
	FailWrites bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		spaces:       make(map[string]*storage.Space),
		displays:     make(map[string]*storage.Display),
		reservations: make(map[string]*storage.Reservation),
		overrides:    make(map[string]*storage.Override),
		policies:     make(map[string]*storage.DisplayPolicy),
		debounce:     make(map[string]*storage.DebounceRecord),
		gateways:     make(map[string]*storage.Gateway),
	}
}

// GetSpace implements storage.Store.
func (s *Store) GetSpace(_ context.Context, id string) (*storage.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[id]
	if !ok || sp.Deleted {
		return nil, errors.ErrSpaceNotFound
	}
	cp := *sp
	return &cp, nil
}

// GetSpaceBySensor implements storage.Store.
func (s *Store) GetSpaceBySensor(_ context.Context, sensorEUI string) (*storage.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sp := range s.spaces {
		if !sp.Deleted && sp.SensorEUI == sensorEUI {
			cp := *sp
			return &cp, nil
		}
	}
	return nil, errors.ErrSpaceNotFound
}

// ListSpaces implements storage.Store.
func (s *Store) ListSpaces(_ context.Context, tenantID string) ([]*storage.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Space
	for _, sp := range s.spaces {
		if sp.Deleted || sp.TenantID != tenantID {
			continue
		}
		cp := *sp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAllSpaces implements storage.Store.
func (s *Store) ListAllSpaces(_ context.Context) ([]*storage.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Space
	for _, sp := range s.spaces {
		if sp.Deleted {
			continue
		}
		cp := *sp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSpacesByState implements storage.Store.
func (s *Store) ListSpacesByState(_ context.Context, state storage.SpaceState) ([]*storage.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Space
	for _, sp := range s.spaces {
		if sp.Deleted || sp.State != state {
			continue
		}
		cp := *sp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSpace implements storage.Store.
func (s *Store) SaveSpace(_ context.Context, space *storage.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *space
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.spaces[cp.ID] = &cp
	return nil
}

// SetSpaceState implements storage.Store.
func (s *Store) SetSpaceState(_ context.Context, spaceID string, state storage.SpaceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok || sp.Deleted {
		return errors.ErrSpaceNotFound
	}
	sp.State = state
	sp.UpdatedAt = time.Now().UTC()
	return nil
}

// GetDisplay implements storage.Store.
func (s *Store) GetDisplay(_ context.Context, deviceEUI string) (*storage.Display, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.displays[deviceEUI]
	if !ok {
		return nil, errors.ErrDisplayNotFound
	}
	cp := *d
	cp.PayloadTable = make(map[string]string, len(d.PayloadTable))
	for k, v := range d.PayloadTable {
		cp.PayloadTable[k] = v
	}
	return &cp, nil
}

// SaveDisplay implements storage.Store.
func (s *Store) SaveDisplay(_ context.Context, display *storage.Display) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *display
	s.displays[cp.DeviceEUI] = &cp
	return nil
}

// ActiveReservation implements storage.Store.
func (s *Store) ActiveReservation(_ context.Context, spaceID string, at time.Time) (*storage.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.reservations {
		if r.SpaceID == spaceID && r.Covers(at) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// NextReservation implements storage.Store.
func (s *Store) NextReservation(_ context.Context, spaceID string, after time.Time) (*storage.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *storage.Reservation
	for _, r := range s.reservations {
		if r.SpaceID != spaceID || r.Cancelled || r.StartAt.Before(after) {
			continue
		}
		if next == nil || r.StartAt.Before(next.StartAt) {
			next = r
		}
	}
	if next == nil {
		return nil, nil
	}
	cp := *next
	return &cp, nil
}

// SaveReservation implements storage.Store.
func (s *Store) SaveReservation(_ context.Context, res *storage.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *res
	s.reservations[cp.ID] = &cp
	return nil
}

// GetOverride implements storage.Store.
func (s *Store) GetOverride(_ context.Context, spaceID string) (*storage.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ov, ok := s.overrides[spaceID]
	if !ok {
		return nil, nil
	}
	cp := *ov
	return &cp, nil
}

// SaveOverride implements storage.Store.
func (s *Store) SaveOverride(_ context.Context, ov *storage.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ov
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.overrides[cp.SpaceID] = &cp
	return nil
}

// DeleteOverride implements storage.Store.
func (s *Store) DeleteOverride(_ context.Context, spaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overrides, spaceID)
	return nil
}

// GetPolicy implements storage.Store.
func (s *Store) GetPolicy(_ context.Context, tenantID string) (*storage.DisplayPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[tenantID]
	if !ok {
		return nil, errors.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

// SavePolicy implements storage.Store.
func (s *Store) SavePolicy(_ context.Context, policy *storage.DisplayPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *policy
	s.policies[cp.TenantID] = &cp
	return nil
}

// GetDebounce implements storage.Store.
func (s *Store) GetDebounce(_ context.Context, spaceID string) (*storage.DebounceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.debounce[spaceID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// SaveDebounce implements storage.Store.
func (s *Store) SaveDebounce(_ context.Context, rec *storage.DebounceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.debounce[cp.SpaceID] = &cp
	return nil
}

// SaveReading implements storage.Store.
func (s *Store) SaveReading(_ context.Context, reading *storage.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites {
		return errors.ErrStoreUnavailable
	}
	cp := *reading
	s.readings = append(s.readings, &cp)
	return nil
}

// Readings returns all stored readings. Test helper.
func (s *Store) Readings() []*storage.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.SensorReading, len(s.readings))
	copy(out, s.readings)
	return out
}

// AppendStateChange implements storage.Store.
func (s *Store) AppendStateChange(_ context.Context, rec *storage.StateChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.stateChanges = append(s.stateChanges, &cp)
	return nil
}

// ListStateChanges implements storage.Store.
func (s *Store) ListStateChanges(_ context.Context, spaceID string, limit int) ([]*storage.StateChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.StateChangeRecord
	for i := len(s.stateChanges) - 1; i >= 0; i-- {
		if s.stateChanges[i].SpaceID != spaceID {
			continue
		}
		cp := *s.stateChanges[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendActuation implements storage.Store.
func (s *Store) AppendActuation(_ context.Context, rec *storage.ActuationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.actuations = append(s.actuations, &cp)
	return nil
}

// ListActuations implements storage.Store.
func (s *Store) ListActuations(_ context.Context, spaceID string, limit int) ([]*storage.ActuationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ActuationRecord
	for i := len(s.actuations) - 1; i >= 0; i-- {
		if s.actuations[i].SpaceID != spaceID {
			continue
		}
		cp := *s.actuations[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListGateways implements storage.Store.
func (s *Store) ListGateways(_ context.Context) ([]*storage.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Gateway
	for _, gw := range s.gateways {
		cp := *gw
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveGateway implements storage.Store.
func (s *Store) SaveGateway(_ context.Context, gw *storage.Gateway) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *gw
	s.gateways[cp.ID] = &cp
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}
