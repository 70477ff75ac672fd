package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VehicleState is the canonical one-row-per-vehicle record. The state
// deriver is its sole writer; the row is replaced in place on every update
// and StateSince only moves on an actual transition.
type VehicleState struct {
	VehicleID     string
	State         string
	StateSince    time.Time
	LastSignal    time.Time
	Latitude      sql.NullFloat64
	Longitude     sql.NullFloat64
	PlaceName     sql.NullString
	PlaceSource   sql.NullString
	SocPct        sql.NullFloat64
	OdometerMiles sql.NullFloat64
	RangeMiles    sql.NullFloat64
	UpdatedAt     time.Time
}

// FreshnessMs reports how stale the last signal is relative to now.
func (s *VehicleState) FreshnessMs(now time.Time) int64 {
	return now.Sub(s.LastSignal).Milliseconds()
}

// UpsertVehicleState writes the canonical state row with replace semantics.
func (db *DB) UpsertVehicleState(s *VehicleState) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO vehicle_states (
			vehicle_id, state, state_since, last_signal_ts,
			latitude, longitude, place_name, place_source,
			soc_pct, odometer_miles, range_miles, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			state = excluded.state,
			state_since = excluded.state_since,
			last_signal_ts = excluded.last_signal_ts,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			place_name = excluded.place_name,
			place_source = excluded.place_source,
			soc_pct = excluded.soc_pct,
			odometer_miles = excluded.odometer_miles,
			range_miles = excluded.range_miles,
			updated_at = excluded.updated_at`,
		s.VehicleID, s.State, unix(s.StateSince), unix(s.LastSignal),
		s.Latitude, s.Longitude, s.PlaceName, s.PlaceSource,
		s.SocPct, s.OdometerMiles, s.RangeMiles, unix(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert state for %s: %w", s.VehicleID, err)
	}
	return nil
}

// GetVehicleState returns the stored canonical state, or nil when the
// vehicle has never been derived.
func (db *DB) GetVehicleState(vehicleID string) (*VehicleState, error) {
	row := db.QueryRow(vehicleStateQuery+` WHERE vehicle_id = ?`, vehicleID)
	s, err := scanVehicleState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListVehicleStates returns all canonical state rows, used to rehydrate the
// in-memory arena after a restart.
func (db *DB) ListVehicleStates() ([]VehicleState, error) {
	rows, err := db.Query(vehicleStateQuery + ` ORDER BY vehicle_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []VehicleState
	for rows.Next() {
		s, err := scanVehicleState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

const vehicleStateQuery = `
	SELECT vehicle_id, state, state_since, last_signal_ts,
	       latitude, longitude, place_name, place_source,
	       soc_pct, odometer_miles, range_miles, updated_at
	FROM vehicle_states`

func scanVehicleState(r rowScanner) (*VehicleState, error) {
	var s VehicleState
	var since, lastSignal, updated float64
	if err := r.Scan(
		&s.VehicleID, &s.State, &since, &lastSignal,
		&s.Latitude, &s.Longitude, &s.PlaceName, &s.PlaceSource,
		&s.SocPct, &s.OdometerMiles, &s.RangeMiles, &updated,
	); err != nil {
		return nil, err
	}
	s.StateSince = fromUnix(since)
	s.LastSignal = fromUnix(lastSignal)
	s.UpdatedAt = fromUnix(updated)
	return &s, nil
}
