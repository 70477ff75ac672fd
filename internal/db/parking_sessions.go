package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ParkingSession covers one stretch of a vehicle staying put. Brief ignition
// cycles that never leave the parking spot attach to the session instead of
// closing it.
type ParkingSession struct {
	ID              string
	VehicleID       string
	ParkingStart    time.Time
	IgnitionOffTime time.Time
	ParkingEnd      sql.NullFloat64 // unix seconds; zero row means still parked
	Latitude        sql.NullFloat64
	Longitude       sql.NullFloat64
	PlaceName       sql.NullString
	IsParked        bool
}

// ParkingEndTime returns the session end when it is closed.
func (s *ParkingSession) ParkingEndTime() (time.Time, bool) {
	if !s.ParkingEnd.Valid {
		return time.Time{}, false
	}
	return fromUnix(s.ParkingEnd.Float64), true
}

// IgnitionCycle is a short on/off burst inside a parking session, such as a
// driver running the climate control.
type IgnitionCycle struct {
	ID        int64
	SessionID string
	OnTime    time.Time
	OffTime   sql.NullFloat64
}

// InsertParkingSession opens a new session.
func (db *DB) InsertParkingSession(s *ParkingSession) error {
	s.IsParked = true
	_, err := db.Exec(`
		INSERT INTO parking_sessions (
			id, vehicle_id, parking_start_ts, ignition_off_ts, parking_end_ts,
			latitude, longitude, place_name, is_parked
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		s.ID, s.VehicleID, unix(s.ParkingStart), unix(s.IgnitionOffTime),
		s.ParkingEnd, s.Latitude, s.Longitude, s.PlaceName,
	)
	if err != nil {
		return fmt.Errorf("failed to insert parking session for %s: %w", s.VehicleID, err)
	}
	return nil
}

// CloseParkingSession stamps the session end and clears the parked flag.
func (db *DB) CloseParkingSession(id string, end time.Time) error {
	_, err := db.Exec(`
		UPDATE parking_sessions SET parking_end_ts = ?, is_parked = 0 WHERE id = ?`,
		unix(end), id)
	if err != nil {
		return fmt.Errorf("failed to close parking session %s: %w", id, err)
	}
	return nil
}

// CurrentParkingSession returns the vehicle's open session, or nil.
func (db *DB) CurrentParkingSession(vehicleID string) (*ParkingSession, error) {
	row := db.QueryRow(`
		SELECT id, vehicle_id, parking_start_ts, ignition_off_ts, parking_end_ts,
		       latitude, longitude, place_name, is_parked
		FROM parking_sessions
		WHERE vehicle_id = ? AND is_parked = 1
		ORDER BY parking_start_ts DESC
		LIMIT 1`, vehicleID)
	s, err := scanParkingSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ParkingSessionsInRange returns sessions intersecting [start, end], newest
// first.
func (db *DB) ParkingSessionsInRange(vehicleID string, start, end time.Time) ([]ParkingSession, error) {
	rows, err := db.Query(`
		SELECT id, vehicle_id, parking_start_ts, ignition_off_ts, parking_end_ts,
		       latitude, longitude, place_name, is_parked
		FROM parking_sessions
		WHERE vehicle_id = ?
		  AND parking_start_ts <= ?
		  AND (parking_end_ts IS NULL OR parking_end_ts >= ?)
		ORDER BY parking_start_ts DESC`,
		vehicleID, unix(end), unix(start))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ParkingSession
	for rows.Next() {
		s, err := scanParkingSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// AddIgnitionCycle records an ignition-on burst inside a session and returns
// the cycle row id.
func (db *DB) AddIgnitionCycle(sessionID string, on time.Time) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO ignition_cycles (session_id, on_ts) VALUES (?, ?)`,
		sessionID, unix(on))
	if err != nil {
		return 0, fmt.Errorf("failed to add ignition cycle to session %s: %w", sessionID, err)
	}
	return res.LastInsertId()
}

// CloseIgnitionCycle stamps the off time on an open cycle.
func (db *DB) CloseIgnitionCycle(id int64, off time.Time) error {
	_, err := db.Exec(`
		UPDATE ignition_cycles SET off_ts = ? WHERE id = ?`, unix(off), id)
	if err != nil {
		return fmt.Errorf("failed to close ignition cycle %d: %w", id, err)
	}
	return nil
}

// IgnitionCycles returns a session's cycles in time order.
func (db *DB) IgnitionCycles(sessionID string) ([]IgnitionCycle, error) {
	rows, err := db.Query(`
		SELECT id, session_id, on_ts, off_ts
		FROM ignition_cycles
		WHERE session_id = ?
		ORDER BY on_ts`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []IgnitionCycle
	for rows.Next() {
		var c IgnitionCycle
		var on float64
		if err := rows.Scan(&c.ID, &c.SessionID, &on, &c.OffTime); err != nil {
			return nil, err
		}
		c.OnTime = fromUnix(on)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func scanParkingSession(r rowScanner) (*ParkingSession, error) {
	var s ParkingSession
	var start, off float64
	var parked int
	if err := r.Scan(&s.ID, &s.VehicleID, &start, &off, &s.ParkingEnd,
		&s.Latitude, &s.Longitude, &s.PlaceName, &parked); err != nil {
		return nil, err
	}
	s.ParkingStart = fromUnix(start)
	s.IgnitionOffTime = fromUnix(off)
	s.IsParked = parked != 0
	return &s, nil
}
