package postgres

import (
	"context"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

// schema is applied idempotently on startup.
const schema = `
CREATE TABLE IF NOT EXISTS spaces (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT 'free',
	sensor_eui  TEXT,
	display_eui TEXT,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS spaces_tenant_idx ON spaces (tenant_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS spaces_state_idx ON spaces (state) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS displays (
	device_eui     TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	gateway_id     TEXT,
	application_id TEXT,
	payload_table  JSONB NOT NULL DEFAULT '{}',
	fport          INTEGER NOT NULL DEFAULT 10,
	confirmed      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS reservations (
	id        TEXT PRIMARY KEY,
	space_id  TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	start_at  TIMESTAMPTZ NOT NULL,
	end_at    TIMESTAMPTZ NOT NULL,
	cancelled BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS reservations_space_idx ON reservations (space_id, start_at);

CREATE TABLE IF NOT EXISTS space_overrides (
	space_id   TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	reason     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS display_policies (
	tenant_id                   TEXT PRIMARY KEY,
	version                     BIGINT NOT NULL DEFAULT 1,
	reserved_soon_threshold_sec INTEGER NOT NULL DEFAULT 1800,
	sensor_unknown_timeout_sec  INTEGER NOT NULL DEFAULT 900,
	debounce_window_sec         INTEGER NOT NULL DEFAULT 120,
	colors                      JSONB NOT NULL DEFAULT '{}',
	blink                       JSONB NOT NULL DEFAULT '{}',
	allow_sensor_override       BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS debounce_records (
	space_id   TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sensor_readings (
	id            BIGSERIAL PRIMARY KEY,
	device_eui    TEXT NOT NULL,
	space_id      TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	state         TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	rssi          INTEGER,
	snr           DOUBLE PRECISION,
	frame_counter BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sensor_readings_space_idx ON sensor_readings (space_id, ts);

CREATE TABLE IF NOT EXISTS state_changes (
	id         TEXT PRIMARY KEY,
	space_id   TEXT NOT NULL,
	previous   TEXT NOT NULL,
	new        TEXT NOT NULL,
	source     TEXT NOT NULL,
	request_id TEXT,
	ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS state_changes_space_idx ON state_changes (space_id, ts);

CREATE TABLE IF NOT EXISTS actuations (
	id             TEXT PRIMARY KEY,
	space_id       TEXT NOT NULL,
	display_eui    TEXT NOT NULL,
	trigger_source TEXT NOT NULL,
	previous       TEXT NOT NULL,
	new            TEXT NOT NULL,
	payload        TEXT NOT NULL,
	fport          INTEGER NOT NULL,
	confirmed      BOOLEAN NOT NULL,
	success        BOOLEAN NOT NULL,
	error          TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS actuations_space_idx ON actuations (space_id, created_at);

CREATE TABLE IF NOT EXISTS gateways (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	last_seen TIMESTAMPTZ NOT NULL
);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapFatal(err, "postgres", "ensureSchema", "apply schema")
	}
	return nil
}
