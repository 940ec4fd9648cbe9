// Package postgres implements storage.Store on PostgreSQL via the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL, verifies the connection, and ensures the
// schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "postgres", "Open", "ping")
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing database handle. The caller keeps ownership.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSpace implements storage.Store.
func (s *Store) GetSpace(ctx context.Context, id string) (*storage.Space, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, name, state, COALESCE(sensor_eui, ''), COALESCE(display_eui, ''), updated_at
FROM spaces WHERE id = $1 AND NOT deleted`, id)

	var sp storage.Space
	err := row.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.State, &sp.SensorEUI, &sp.DisplayEUI, &sp.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSpaceNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetSpace", "query")
	}
	return &sp, nil
}

// GetSpaceBySensor implements storage.Store.
func (s *Store) GetSpaceBySensor(ctx context.Context, sensorEUI string) (*storage.Space, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, name, state, COALESCE(sensor_eui, ''), COALESCE(display_eui, ''), updated_at
FROM spaces WHERE sensor_eui = $1 AND NOT deleted`, sensorEUI)

	var sp storage.Space
	err := row.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.State, &sp.SensorEUI, &sp.DisplayEUI, &sp.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSpaceNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetSpaceBySensor", "query")
	}
	return &sp, nil
}

func (s *Store) querySpaces(ctx context.Context, query string, args ...any) ([]*storage.Space, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "querySpaces", "query")
	}
	defer rows.Close()

	var out []*storage.Space
	for rows.Next() {
		var sp storage.Space
		if err := rows.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.State, &sp.SensorEUI, &sp.DisplayEUI, &sp.UpdatedAt); err != nil {
			return nil, errors.WrapTransient(err, "postgres", "querySpaces", "scan")
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

// ListSpaces implements storage.Store.
func (s *Store) ListSpaces(ctx context.Context, tenantID string) ([]*storage.Space, error) {
	return s.querySpaces(ctx, `
SELECT id, tenant_id, name, state, COALESCE(sensor_eui, ''), COALESCE(display_eui, ''), updated_at
FROM spaces WHERE tenant_id = $1 AND NOT deleted ORDER BY id`, tenantID)
}

// ListAllSpaces implements storage.Store.
func (s *Store) ListAllSpaces(ctx context.Context) ([]*storage.Space, error) {
	return s.querySpaces(ctx, `
SELECT id, tenant_id, name, state, COALESCE(sensor_eui, ''), COALESCE(display_eui, ''), updated_at
FROM spaces WHERE NOT deleted ORDER BY id`)
}

// ListSpacesByState implements storage.Store.
func (s *Store) ListSpacesByState(ctx context.Context, state storage.SpaceState) ([]*storage.Space, error) {
	return s.querySpaces(ctx, `
SELECT id, tenant_id, name, state, COALESCE(sensor_eui, ''), COALESCE(display_eui, ''), updated_at
FROM spaces WHERE state = $1 AND NOT deleted ORDER BY id`, state)
}

// SaveSpace implements storage.Store.
func (s *Store) SaveSpace(ctx context.Context, space *storage.Space) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO spaces (id, tenant_id, name, state, sensor_eui, display_eui, deleted, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NOW())
ON CONFLICT (id) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	state = EXCLUDED.state,
	sensor_eui = EXCLUDED.sensor_eui,
	display_eui = EXCLUDED.display_eui,
	deleted = EXCLUDED.deleted,
	updated_at = NOW()`,
		space.ID, space.TenantID, space.Name, space.State, space.SensorEUI, space.DisplayEUI, space.Deleted)
	return errors.WrapTransient(err, "postgres", "SaveSpace", "upsert")
}

// SetSpaceState implements storage.Store.
func (s *Store) SetSpaceState(ctx context.Context, spaceID string, state storage.SpaceState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spaces SET state = $2, updated_at = NOW() WHERE id = $1 AND NOT deleted`,
		spaceID, state)
	if err != nil {
		return errors.WrapTransient(err, "postgres", "SetSpaceState", "update")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.ErrSpaceNotFound
	}
	return err
}

// GetDisplay implements storage.Store.
func (s *Store) GetDisplay(ctx context.Context, deviceEUI string) (*storage.Display, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT device_eui, tenant_id, COALESCE(gateway_id, ''), COALESCE(application_id, ''), payload_table, fport, confirmed
FROM displays WHERE device_eui = $1`, deviceEUI)

	var d storage.Display
	var table []byte
	err := row.Scan(&d.DeviceEUI, &d.TenantID, &d.GatewayID, &d.ApplicationID, &table, &d.FPort, &d.Confirmed)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrDisplayNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetDisplay", "query")
	}
	if err := json.Unmarshal(table, &d.PayloadTable); err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "GetDisplay", "decode payload table")
	}
	return &d, nil
}

// SaveDisplay implements storage.Store.
func (s *Store) SaveDisplay(ctx context.Context, display *storage.Display) error {
	table, err := json.Marshal(display.PayloadTable)
	if err != nil {
		return errors.WrapInvalid(err, "postgres", "SaveDisplay", "encode payload table")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO displays (device_eui, tenant_id, gateway_id, application_id, payload_table, fport, confirmed)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
ON CONFLICT (device_eui) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	gateway_id = EXCLUDED.gateway_id,
	application_id = EXCLUDED.application_id,
	payload_table = EXCLUDED.payload_table,
	fport = EXCLUDED.fport,
	confirmed = EXCLUDED.confirmed`,
		display.DeviceEUI, display.TenantID, display.GatewayID, display.ApplicationID, table, display.FPort, display.Confirmed)
	return errors.WrapTransient(err, "postgres", "SaveDisplay", "upsert")
}

// ActiveReservation implements storage.Store.
func (s *Store) ActiveReservation(ctx context.Context, spaceID string, at time.Time) (*storage.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, space_id, tenant_id, start_at, end_at, cancelled
FROM reservations
WHERE space_id = $1 AND NOT cancelled AND start_at <= $2 AND end_at > $2
ORDER BY start_at LIMIT 1`, spaceID, at)
	return scanReservation(row)
}

// NextReservation implements storage.Store.
func (s *Store) NextReservation(ctx context.Context, spaceID string, after time.Time) (*storage.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, space_id, tenant_id, start_at, end_at, cancelled
FROM reservations
WHERE space_id = $1 AND NOT cancelled AND start_at >= $2
ORDER BY start_at LIMIT 1`, spaceID, after)
	return scanReservation(row)
}

func scanReservation(row *sql.Row) (*storage.Reservation, error) {
	var r storage.Reservation
	err := row.Scan(&r.ID, &r.SpaceID, &r.TenantID, &r.StartAt, &r.EndAt, &r.Cancelled)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "scanReservation", "scan")
	}
	return &r, nil
}

// SaveReservation implements storage.Store.
func (s *Store) SaveReservation(ctx context.Context, res *storage.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reservations (id, space_id, tenant_id, start_at, end_at, cancelled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	start_at = EXCLUDED.start_at,
	end_at = EXCLUDED.end_at,
	cancelled = EXCLUDED.cancelled`,
		res.ID, res.SpaceID, res.TenantID, res.StartAt, res.EndAt, res.Cancelled)
	return errors.WrapTransient(err, "postgres", "SaveReservation", "upsert")
}

// GetOverride implements storage.Store.
func (s *Store) GetOverride(ctx context.Context, spaceID string) (*storage.Override, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT space_id, kind, COALESCE(reason, ''), created_at
FROM space_overrides WHERE space_id = $1`, spaceID)

	var ov storage.Override
	err := row.Scan(&ov.SpaceID, &ov.Kind, &ov.Reason, &ov.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetOverride", "query")
	}
	return &ov, nil
}

// SaveOverride implements storage.Store.
func (s *Store) SaveOverride(ctx context.Context, ov *storage.Override) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO space_overrides (space_id, kind, reason, created_at)
VALUES ($1, $2, NULLIF($3, ''), NOW())
ON CONFLICT (space_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	reason = EXCLUDED.reason,
	created_at = NOW()`,
		ov.SpaceID, ov.Kind, ov.Reason)
	return errors.WrapTransient(err, "postgres", "SaveOverride", "upsert")
}

// DeleteOverride implements storage.Store.
func (s *Store) DeleteOverride(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM space_overrides WHERE space_id = $1`, spaceID)
	return errors.WrapTransient(err, "postgres", "DeleteOverride", "delete")
}

// GetPolicy implements storage.Store.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*storage.DisplayPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT tenant_id, version, reserved_soon_threshold_sec, sensor_unknown_timeout_sec,
       debounce_window_sec, colors, blink, allow_sensor_override
FROM display_policies WHERE tenant_id = $1`, tenantID)

	var p storage.DisplayPolicy
	var colors, blink []byte
	err := row.Scan(&p.TenantID, &p.Version, &p.ReservedSoonThresholdSec, &p.SensorUnknownTimeoutSec,
		&p.DebounceWindowSec, &colors, &blink, &p.AllowSensorOverride)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrPolicyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetPolicy", "query")
	}
	if err := json.Unmarshal(colors, &p.Colors); err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "GetPolicy", "decode colors")
	}
	if err := json.Unmarshal(blink, &p.Blink); err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "GetPolicy", "decode blink")
	}
	return &p, nil
}

// SavePolicy implements storage.Store.
func (s *Store) SavePolicy(ctx context.Context, policy *storage.DisplayPolicy) error {
	colors, err := json.Marshal(policy.Colors)
	if err != nil {
		return errors.WrapInvalid(err, "postgres", "SavePolicy", "encode colors")
	}
	blink, err := json.Marshal(policy.Blink)
	if err != nil {
		return errors.WrapInvalid(err, "postgres", "SavePolicy", "encode blink")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO display_policies (tenant_id, version, reserved_soon_threshold_sec,
	sensor_unknown_timeout_sec, debounce_window_sec, colors, blink, allow_sensor_override)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id) DO UPDATE SET
	version = EXCLUDED.version,
	reserved_soon_threshold_sec = EXCLUDED.reserved_soon_threshold_sec,
	sensor_unknown_timeout_sec = EXCLUDED.sensor_unknown_timeout_sec,
	debounce_window_sec = EXCLUDED.debounce_window_sec,
	colors = EXCLUDED.colors,
	blink = EXCLUDED.blink,
	allow_sensor_override = EXCLUDED.allow_sensor_override`,
		policy.TenantID, policy.Version, policy.ReservedSoonThresholdSec,
		policy.SensorUnknownTimeoutSec, policy.DebounceWindowSec, colors, blink, policy.AllowSensorOverride)
	return errors.WrapTransient(err, "postgres", "SavePolicy", "upsert")
}

// GetDebounce implements storage.Store.
func (s *Store) GetDebounce(ctx context.Context, spaceID string) (*storage.DebounceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM debounce_records WHERE space_id = $1`, spaceID)

	var raw []byte
	err := row.Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "GetDebounce", "query")
	}
	var rec storage.DebounceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "GetDebounce", "decode record")
	}
	return &rec, nil
}

// SaveDebounce implements storage.Store.
func (s *Store) SaveDebounce(ctx context.Context, rec *storage.DebounceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "postgres", "SaveDebounce", "encode record")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO debounce_records (space_id, record, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (space_id) DO UPDATE SET record = EXCLUDED.record, updated_at = NOW()`,
		rec.SpaceID, raw)
	return errors.WrapTransient(err, "postgres", "SaveDebounce", "upsert")
}

// SaveReading implements storage.Store.
func (s *Store) SaveReading(ctx context.Context, reading *storage.SensorReading) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sensor_readings (device_eui, space_id, tenant_id, state, ts, rssi, snr, frame_counter)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reading.DeviceEUI, reading.SpaceID, reading.TenantID, reading.State,
		reading.Timestamp, reading.RSSI, reading.SNR, reading.FrameCounter)
	return errors.WrapTransient(err, "postgres", "SaveReading", "insert")
}

// AppendStateChange implements storage.Store.
func (s *Store) AppendStateChange(ctx context.Context, rec *storage.StateChangeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO state_changes (id, space_id, previous, new, source, request_id, ts)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		rec.ID, rec.SpaceID, rec.Previous, rec.New, rec.Source, rec.RequestID, rec.Timestamp)
	return errors.WrapTransient(err, "postgres", "AppendStateChange", "insert")
}

// ListStateChanges implements storage.Store.
func (s *Store) ListStateChanges(ctx context.Context, spaceID string, limit int) ([]*storage.StateChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, space_id, previous, new, source, COALESCE(request_id, ''), ts
FROM state_changes WHERE space_id = $1 ORDER BY ts DESC LIMIT $2`, spaceID, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "ListStateChanges", "query")
	}
	defer rows.Close()

	var out []*storage.StateChangeRecord
	for rows.Next() {
		var rec storage.StateChangeRecord
		if err := rows.Scan(&rec.ID, &rec.SpaceID, &rec.Previous, &rec.New, &rec.Source, &rec.RequestID, &rec.Timestamp); err != nil {
			return nil, errors.WrapTransient(err, "postgres", "ListStateChanges", "scan")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// AppendActuation implements storage.Store.
func (s *Store) AppendActuation(ctx context.Context, rec *storage.ActuationRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actuations (id, space_id, display_eui, trigger_source, previous, new,
	payload, fport, confirmed, success, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`,
		rec.ID, rec.SpaceID, rec.DisplayEUI, rec.Trigger, rec.Previous, rec.New,
		rec.Payload, rec.FPort, rec.Confirmed, rec.Success, rec.Error, rec.CreatedAt)
	return errors.WrapTransient(err, "postgres", "AppendActuation", "insert")
}

// ListActuations implements storage.Store.
func (s *Store) ListActuations(ctx context.Context, spaceID string, limit int) ([]*storage.ActuationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, space_id, display_eui, trigger_source, previous, new,
       payload, fport, confirmed, success, COALESCE(error, ''), created_at
FROM actuations WHERE space_id = $1 ORDER BY created_at DESC LIMIT $2`, spaceID, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "ListActuations", "query")
	}
	defer rows.Close()

	var out []*storage.ActuationRecord
	for rows.Next() {
		var rec storage.ActuationRecord
		if err := rows.Scan(&rec.ID, &rec.SpaceID, &rec.DisplayEUI, &rec.Trigger, &rec.Previous, &rec.New,
			&rec.Payload, &rec.FPort, &rec.Confirmed, &rec.Success, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "postgres", "ListActuations", "scan")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListGateways implements storage.Store.
func (s *Store) ListGateways(ctx context.Context) ([]*storage.Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, last_seen FROM gateways ORDER BY id`)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "ListGateways", "query")
	}
	defer rows.Close()

	var out []*storage.Gateway
	for rows.Next() {
		var gw storage.Gateway
		if err := rows.Scan(&gw.ID, &gw.TenantID, &gw.Name, &gw.LastSeen); err != nil {
			return nil, errors.WrapTransient(err, "postgres", "ListGateways", "scan")
		}
		out = append(out, &gw)
	}
	return out, rows.Err()
}

// SaveGateway implements storage.Store.
func (s *Store) SaveGateway(ctx context.Context, gw *storage.Gateway) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO gateways (id, tenant_id, name, last_seen)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	last_seen = EXCLUDED.last_seen`,
		gw.ID, gw.TenantID, gw.Name, gw.LastSeen)
	return errors.WrapTransient(err, "postgres", "SaveGateway", "upsert")
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
