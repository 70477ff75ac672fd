// Package db implements the durable store for the telemetry engine: raw
// signals with tiered retention, the route point log, canonical vehicle
// states, trips and parking sessions, all in a single sqlite database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// Retention tiers for raw signals. Every ignition or plug transition is kept
// for the full critical window so trip boundaries can always be re-derived.
const (
	TierCritical  = "critical"
	TierImportant = "important"
	TierRoutine   = "routine"

	RetentionCritical    = 30 * 24 * time.Hour
	RetentionImportant   = 14 * 24 * time.Hour
	RetentionRoutine     = 3 * 24 * time.Hour
	RetentionRoutePoints = 30 * 24 * time.Hour
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path and
// ensures the base schema exists. Schema evolution beyond the base tables
// goes through MigrateUp.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single-writer engine: one connection avoids SQLITE_BUSY churn between
	// the scheduler goroutines and the reconstructor.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(baseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db}, nil
}

// OpenWithRetry opens the database with the initial-connection retry policy
// (more attempts than regular operations, since the process is useless
// without its store).
func OpenWithRetry(ctx context.Context, path string) (*DB, error) {
	var db *DB
	err := Retry(ctx, OpenAttempts, func() error {
		var err error
		db, err = NewDB(path)
		return err
	})
	return db, err
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS signals (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle_id      TEXT NOT NULL,
	provider_ts     REAL NOT NULL,
	received_ts     REAL NOT NULL,
	ignition        TEXT NOT NULL,
	latitude        REAL,
	longitude       REAL,
	odometer_miles  REAL,
	soc_pct         REAL,
	plugged_in      INTEGER NOT NULL DEFAULT 0,
	range_km        REAL,
	tier            TEXT NOT NULL,
	expires_at      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_vehicle_ts ON signals(vehicle_id, provider_ts DESC);
CREATE INDEX IF NOT EXISTS idx_signals_expiry ON signals(expires_at);

CREATE TABLE IF NOT EXISTS route_points (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	vehicle_id    TEXT NOT NULL,
	ts            REAL NOT NULL,
	latitude      REAL NOT NULL,
	longitude     REAL NOT NULL,
	battery_level REAL,
	ignition      TEXT NOT NULL,
	is_moving     INTEGER NOT NULL DEFAULT 0,
	speed_kmh     REAL,
	synthetic     INTEGER NOT NULL DEFAULT 0,
	expires_at    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_route_points_vehicle_ts ON route_points(vehicle_id, ts);
CREATE INDEX IF NOT EXISTS idx_route_points_expiry ON route_points(expires_at);

CREATE TABLE IF NOT EXISTS vehicle_states (
	vehicle_id     TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	state_since    REAL NOT NULL,
	last_signal_ts REAL NOT NULL,
	latitude       REAL,
	longitude      REAL,
	place_name     TEXT,
	place_source   TEXT,
	soc_pct        REAL,
	odometer_miles REAL,
	range_miles    REAL,
	updated_at     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS trips (
	id               TEXT PRIMARY KEY,
	trip_key         TEXT NOT NULL UNIQUE,
	vehicle_id       TEXT NOT NULL,
	ignition_on_ts   REAL NOT NULL,
	ignition_off_ts  REAL,
	is_active        INTEGER NOT NULL DEFAULT 0,
	start_lat        REAL,
	start_lon        REAL,
	start_place      TEXT,
	end_lat          REAL,
	end_lon          REAL,
	end_place        TEXT,
	start_odometer   REAL,
	end_odometer     REAL,
	distance_miles   REAL,
	battery_used_pct REAL,
	data_source      TEXT NOT NULL DEFAULT 'live',
	method           TEXT,
	created_at       REAL NOT NULL,
	updated_at       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trips_vehicle_start ON trips(vehicle_id, ignition_on_ts DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trips_one_active ON trips(vehicle_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS trip_route_points (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	trip_id       TEXT NOT NULL,
	ts            REAL NOT NULL,
	latitude      REAL NOT NULL,
	longitude     REAL NOT NULL,
	battery_level REAL,
	ignition      TEXT,
	is_moving     INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(trip_id) REFERENCES trips(id)
);
CREATE INDEX IF NOT EXISTS idx_trip_route_points_trip ON trip_route_points(trip_id, ts);

CREATE TABLE IF NOT EXISTS parking_sessions (
	id               TEXT PRIMARY KEY,
	vehicle_id       TEXT NOT NULL,
	parking_start_ts REAL NOT NULL,
	ignition_off_ts  REAL NOT NULL,
	parking_end_ts   REAL,
	latitude         REAL,
	longitude        REAL,
	place_name       TEXT,
	is_parked        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_parking_vehicle ON parking_sessions(vehicle_id, parking_start_ts DESC);

CREATE TABLE IF NOT EXISTS ignition_cycles (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	on_ts      REAL NOT NULL,
	off_ts     REAL,
	FOREIGN KEY(session_id) REFERENCES parking_sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_ignition_cycles_session ON ignition_cycles(session_id, on_ts);
`

// RunRetentionSweep deletes expired signals and route points. It returns the
// total number of rows removed.
func (db *DB) RunRetentionSweep(ctx context.Context) (int64, error) {
	now := unix(time.Now())
	var total int64

	res, err := db.ExecContext(ctx, `DELETE FROM signals WHERE expires_at < ?`, now)
	if err != nil {
		return total, fmt.Errorf("failed to purge signals: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = db.ExecContext(ctx, `DELETE FROM route_points WHERE expires_at < ?`, now)
	if err != nil {
		return total, fmt.Errorf("failed to purge route points: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	if total > 0 {
		monitoring.Logf("retention sweep removed %d expired rows", total)
	}
	return total, nil
}

// unix converts a time to the REAL unix-seconds representation used across
// the schema.
func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnix converts a stored unix-seconds value back to a time.
func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
