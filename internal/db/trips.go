package db

import (
	"crypto/sha1"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// Trip data sources.
const (
	SourceLive          = "live"
	SourceReconstructed = "reconstructed"
)

// ErrActiveTripExists is returned by InsertTrip when the vehicle already has
// an open trip. Callers treat it as a signal to append to the existing trip,
// not as a failure.
var ErrActiveTripExists = errors.New("vehicle already has an active trip")

// Trip is one discrete vehicle trip, live or reconstructed.
type Trip struct {
	ID             string
	TripKey        string
	VehicleID      string
	IgnitionOnTime time.Time
	IgnitionOff    sql.NullFloat64 // unix seconds; zero row means still open
	IsActive       bool
	StartLat       sql.NullFloat64
	StartLon       sql.NullFloat64
	StartPlace     sql.NullString
	EndLat         sql.NullFloat64
	EndLon         sql.NullFloat64
	EndPlace       sql.NullString
	StartOdometer  sql.NullFloat64
	EndOdometer    sql.NullFloat64
	DistanceMiles  sql.NullFloat64
	BatteryUsedPct sql.NullFloat64
	DataSource     string
	Method         sql.NullString // populated on reconstructed trips
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IgnitionOffTime returns the end time when the trip is closed.
func (t *Trip) IgnitionOffTime() (time.Time, bool) {
	if !t.IgnitionOff.Valid {
		return time.Time{}, false
	}
	return fromUnix(t.IgnitionOff.Float64), true
}

// TripRoutePoint is one sample of a trip's bounded route history.
type TripRoutePoint struct {
	ID           int64
	TripID       string
	Time         time.Time
	Latitude     float64
	Longitude    float64
	BatteryLevel sql.NullFloat64
	Ignition     sql.NullString
	IsMoving     bool
}

// TripKey derives the stable identity for a trip: vehicle, start second and
// source. End time is deliberately excluded so re-runs of the reconstructor
// address the same row.
func TripKey(vehicleID string, start time.Time, source string) string {
	raw := fmt.Sprintf("%s|%d|%s", vehicleID, start.Unix(), source)
	return fmt.Sprintf("%x", sha1.Sum([]byte(raw)))
}

// InsertTrip persists a new trip. For active trips it verifies, inside the
// same transaction, that the vehicle has no other open trip; the partial
// unique index on trips(vehicle_id) backs this check against races.
func (db *DB) InsertTrip(t *Trip) error {
	if t.TripKey == "" {
		t.TripKey = TripKey(t.VehicleID, t.IgnitionOnTime, t.DataSource)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback trip insert: %v", err)
		}
	}()

	if t.IsActive {
		var n int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM trips WHERE vehicle_id = ? AND is_active = 1`,
			t.VehicleID,
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveTripExists
		}
	}

	_, err = tx.Exec(`
		INSERT INTO trips (
			id, trip_key, vehicle_id, ignition_on_ts, ignition_off_ts,
			is_active, start_lat, start_lon, start_place,
			end_lat, end_lon, end_place,
			start_odometer, end_odometer, distance_miles, battery_used_pct,
			data_source, method, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TripKey, t.VehicleID, unix(t.IgnitionOnTime), t.IgnitionOff,
		boolToInt(t.IsActive), t.StartLat, t.StartLon, t.StartPlace,
		t.EndLat, t.EndLon, t.EndPlace,
		t.StartOdometer, t.EndOdometer, t.DistanceMiles, t.BatteryUsedPct,
		t.DataSource, t.Method, unix(t.CreatedAt), unix(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trip for %s: %w", t.VehicleID, err)
	}

	return tx.Commit()
}

// CloseTrip marks a trip finished and stamps its end fields.
func (db *DB) CloseTrip(t *Trip) error {
	t.IsActive = false
	t.UpdatedAt = time.Now().UTC()
	_, err := db.Exec(`
		UPDATE trips SET
			ignition_off_ts = ?, is_active = 0,
			end_lat = ?, end_lon = ?, end_place = ?,
			end_odometer = ?, distance_miles = ?, battery_used_pct = ?,
			updated_at = ?
		WHERE id = ?`,
		t.IgnitionOff, t.EndLat, t.EndLon, t.EndPlace,
		t.EndOdometer, t.DistanceMiles, t.BatteryUsedPct,
		unix(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close trip %s: %w", t.ID, err)
	}
	return nil
}

// ActiveTrip returns the vehicle's open trip, or nil when none exists.
func (db *DB) ActiveTrip(vehicleID string) (*Trip, error) {
	row := db.QueryRow(tripQuery+` WHERE vehicle_id = ? AND is_active = 1`, vehicleID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// TripByID fetches a trip by its primary key, or nil when absent.
func (db *DB) TripByID(id string) (*Trip, error) {
	row := db.QueryRow(tripQuery+` WHERE id = ?`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// LastClosedTripSince returns the most recently closed trip whose end falls
// after since, or nil. The lifecycle manager uses it for same-day start
// chaining.
func (db *DB) LastClosedTripSince(vehicleID string, since time.Time) (*Trip, error) {
	row := db.QueryRow(tripQuery+`
		WHERE vehicle_id = ? AND is_active = 0 AND ignition_off_ts >= ?
		ORDER BY ignition_off_ts DESC
		LIMIT 1`, vehicleID, unix(since))
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// TripsInRange returns trips whose span intersects [start, end], newest
// first.
func (db *DB) TripsInRange(vehicleID string, start, end time.Time) ([]Trip, error) {
	rows, err := db.Query(tripQuery+`
		WHERE vehicle_id = ?
		  AND ignition_on_ts <= ?
		  AND (ignition_off_ts IS NULL OR ignition_off_ts >= ?)
		ORDER BY ignition_on_ts DESC`,
		vehicleID, unix(end), unix(start))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

// AppendTripRoutePoint adds a sample to the trip's route history and prunes
// the oldest rows beyond maxPoints.
func (db *DB) AppendTripRoutePoint(tripID string, p *TripRoutePoint, maxPoints int) error {
	_, err := db.Exec(`
		INSERT INTO trip_route_points (
			trip_id, ts, latitude, longitude, battery_level, ignition, is_moving
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tripID, unix(p.Time), p.Latitude, p.Longitude, p.BatteryLevel,
		p.Ignition, boolToInt(p.IsMoving),
	)
	if err != nil {
		return fmt.Errorf("failed to append route point to trip %s: %w", tripID, err)
	}
	if _, err := db.Exec(`
		UPDATE trips SET updated_at = ? WHERE id = ?`, unix(time.Now().UTC()), tripID); err != nil {
		return err
	}

	if maxPoints > 0 {
		_, err = db.Exec(`
			DELETE FROM trip_route_points
			WHERE trip_id = ? AND id NOT IN (
				SELECT id FROM trip_route_points
				WHERE trip_id = ?
				ORDER BY ts DESC
				LIMIT ?
			)`, tripID, tripID, maxPoints)
		if err != nil {
			return fmt.Errorf("failed to prune route points for trip %s: %w", tripID, err)
		}
	}
	return nil
}

// TripRoutePoints returns a trip's route history in time order.
func (db *DB) TripRoutePoints(tripID string) ([]TripRoutePoint, error) {
	rows, err := db.Query(`
		SELECT id, trip_id, ts, latitude, longitude, battery_level, ignition, is_moving
		FROM trip_route_points
		WHERE trip_id = ?
		ORDER BY ts`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TripRoutePoint
	for rows.Next() {
		var p TripRoutePoint
		var ts float64
		var moving int
		if err := rows.Scan(&p.ID, &p.TripID, &ts, &p.Latitude, &p.Longitude,
			&p.BatteryLevel, &p.Ignition, &moving); err != nil {
			return nil, err
		}
		p.Time = fromUnix(ts)
		p.IsMoving = moving != 0
		points = append(points, p)
	}
	return points, rows.Err()
}

const tripQuery = `
	SELECT id, trip_key, vehicle_id, ignition_on_ts, ignition_off_ts,
	       is_active, start_lat, start_lon, start_place,
	       end_lat, end_lon, end_place,
	       start_odometer, end_odometer, distance_miles, battery_used_pct,
	       data_source, method, created_at, updated_at
	FROM trips`

func scanTrip(r rowScanner) (*Trip, error) {
	var t Trip
	var onTs, created, updated float64
	var active int
	if err := r.Scan(
		&t.ID, &t.TripKey, &t.VehicleID, &onTs, &t.IgnitionOff,
		&active, &t.StartLat, &t.StartLon, &t.StartPlace,
		&t.EndLat, &t.EndLon, &t.EndPlace,
		&t.StartOdometer, &t.EndOdometer, &t.DistanceMiles, &t.BatteryUsedPct,
		&t.DataSource, &t.Method, &created, &updated,
	); err != nil {
		return nil, err
	}
	t.IgnitionOnTime = fromUnix(onTs)
	t.IsActive = active != 0
	t.CreatedAt = fromUnix(created)
	t.UpdatedAt = fromUnix(updated)
	return &t, nil
}
