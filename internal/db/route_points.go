package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RoutePoint is one entry in the append-only per-vehicle movement log. The
// parking detector and the reconstructor both read this table; the lifecycle
// manager is its only writer.
type RoutePoint struct {
	ID           int64
	VehicleID    string
	Time         time.Time
	Latitude     float64
	Longitude    float64
	BatteryLevel sql.NullFloat64
	Ignition     string
	IsMoving     bool
	SpeedKmh     sql.NullFloat64
	// Synthetic marks points the engine fabricated (geofence boundary,
	// reconstructed trip endpoints) rather than observed.
	Synthetic bool
}

// InsertRoutePoint appends a route point with the standard 30-day expiry.
func (db *DB) InsertRoutePoint(p *RoutePoint) error {
	res, err := db.Exec(`
		INSERT INTO route_points (
			vehicle_id, ts, latitude, longitude, battery_level,
			ignition, is_moving, speed_kmh, synthetic, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VehicleID, unix(p.Time), p.Latitude, p.Longitude, p.BatteryLevel,
		p.Ignition, boolToInt(p.IsMoving), p.SpeedKmh, boolToInt(p.Synthetic),
		unix(p.Time.Add(RetentionRoutePoints)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert route point for %s: %w", p.VehicleID, err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// RecentRoutePoints returns up to limit points for a vehicle newer than
// since, most recent last. limit <= 0 means no cap.
func (db *DB) RecentRoutePoints(vehicleID string, since time.Time, limit int) ([]RoutePoint, error) {
	q := `
		SELECT id, vehicle_id, ts, latitude, longitude, battery_level,
		       ignition, is_moving, speed_kmh, synthetic
		FROM route_points
		WHERE vehicle_id = ? AND ts >= ?
		ORDER BY ts DESC`
	args := []any{vehicleID, unix(since)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []RoutePoint
	for rows.Next() {
		p, err := scanRoutePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Callers reason in time order; reverse the DESC limit query.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// RoutePointsInRange returns points for a vehicle in [start, end] ascending.
func (db *DB) RoutePointsInRange(vehicleID string, start, end time.Time) ([]RoutePoint, error) {
	rows, err := db.Query(`
		SELECT id, vehicle_id, ts, latitude, longitude, battery_level,
		       ignition, is_moving, speed_kmh, synthetic
		FROM route_points
		WHERE vehicle_id = ? AND ts BETWEEN ? AND ?
		ORDER BY ts`, vehicleID, unix(start), unix(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []RoutePoint
	for rows.Next() {
		p, err := scanRoutePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// LatestRoutePoint returns the newest point for a vehicle, or nil when the
// vehicle has no history.
func (db *DB) LatestRoutePoint(vehicleID string) (*RoutePoint, error) {
	row := db.QueryRow(`
		SELECT id, vehicle_id, ts, latitude, longitude, battery_level,
		       ignition, is_moving, speed_kmh, synthetic
		FROM route_points
		WHERE vehicle_id = ?
		ORDER BY ts DESC
		LIMIT 1`, vehicleID)

	p, err := scanRoutePoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// VehiclesWithRoutePoints lists the distinct vehicles that have points in
// [start, end]. The reconstructor sweeps per vehicle from this list.
func (db *DB) VehiclesWithRoutePoints(start, end time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT vehicle_id FROM route_points
		WHERE ts BETWEEN ? AND ?
		ORDER BY vehicle_id`, unix(start), unix(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRoutePoint(r rowScanner) (*RoutePoint, error) {
	var p RoutePoint
	var ts float64
	var moving, synthetic int
	if err := r.Scan(
		&p.ID, &p.VehicleID, &ts, &p.Latitude, &p.Longitude, &p.BatteryLevel,
		&p.Ignition, &moving, &p.SpeedKmh, &synthetic,
	); err != nil {
		return nil, err
	}
	p.Time = fromUnix(ts)
	p.IsMoving = moving != 0
	p.Synthetic = synthetic != 0
	return &p, nil
}
