package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/stat"

	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/units"
)

// Reconstruction method recorded on synthesized trips.
const MethodLocationJump = "locationJump"

// MissedTripWorker periodically scans the route point log for location jumps
// that no live trip accounts for and synthesizes reconstructed trips for
// them. Designed to run hourly over a 24 hour lookback so polling outages of
// any length inside the retention window eventually get trips.
type MissedTripWorker struct {
	DB *DB
	// Minimum displacement between consecutive points to call it a jump.
	JumpMeters float64
	// Minimum time between consecutive points to call it a gap.
	MinGap time.Duration
	// Confidence needed before a candidate becomes a trip.
	MinConfidence float64
	Interval      time.Duration // how often to run (e.g., 1h)
	Window        time.Duration // lookback window (e.g., 24h)
	StopChan      chan struct{}
}

func NewMissedTripWorker(db *DB) *MissedTripWorker {
	return &MissedTripWorker{
		DB:            db,
		JumpMeters:    100,
		MinGap:        5 * time.Minute,
		MinConfidence: 40,
		Interval:      time.Hour,
		Window:        24 * time.Hour,
		StopChan:      make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *MissedTripWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("missed trip worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *MissedTripWorker) Stop() {
	close(w.StopChan)
}

// RunOnce scans the last w.Window and returns the number of trips
// reconstructed.
func (w *MissedTripWorker) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	return w.RunRange(ctx, now.Add(-w.Window), now)
}

// RunFullHistory scans the full available route point range.
func (w *MissedTripWorker) RunFullHistory(ctx context.Context) (int, error) {
	var start, end sql.NullFloat64
	if err := w.DB.QueryRowContext(ctx, `SELECT MIN(ts), MAX(ts) FROM route_points`).Scan(&start, &end); err != nil {
		return 0, err
	}
	if !start.Valid || !end.Valid || start.Float64 >= end.Float64 {
		monitoring.Logf("missed trip full-history run skipped (no route points)")
		return 0, nil
	}
	return w.RunRange(ctx, fromUnix(start.Float64), fromUnix(end.Float64))
}

// RunRange scans [start, end] for every vehicle with route points. Trip keys
// are derived from the vehicle and the jump's start second, so re-running
// the same range updates reconstructed trips in place instead of
// duplicating them.
func (w *MissedTripWorker) RunRange(ctx context.Context, start, end time.Time) (int, error) {
	vehicles, err := w.DB.VehiclesWithRoutePoints(start, end)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, vehicleID := range vehicles {
		n, err := w.runVehicle(ctx, vehicleID, start, end)
		if err != nil {
			return total, fmt.Errorf("reconstruction failed for %s: %w", vehicleID, err)
		}
		total += n
	}
	if total > 0 {
		monitoring.Logf("missed trip worker reconstructed %d trips in range [%s, %s]",
			total, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return total, nil
}

// candidate is a location jump that may become a reconstructed trip.
type candidate struct {
	from, to   RoutePoint
	meters     float64
	gap        time.Duration
	confidence float64
}

func (w *MissedTripWorker) runVehicle(ctx context.Context, vehicleID string, start, end time.Time) (int, error) {
	points, err := w.DB.RoutePointsInRange(vehicleID, start, end)
	if err != nil {
		return 0, err
	}
	if len(points) < 2 {
		return 0, nil
	}

	var candidates []candidate
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if prev.Synthetic || cur.Synthetic {
			continue
		}
		gap := cur.Time.Sub(prev.Time)
		if gap < w.MinGap {
			continue
		}
		meters := geo.Distance(
			orb.Point{prev.Longitude, prev.Latitude},
			orb.Point{cur.Longitude, cur.Latitude},
		)
		if meters < w.JumpMeters {
			continue
		}
		c := candidate{from: prev, to: cur, meters: meters, gap: gap}
		c.confidence = w.score(points, i, c)
		if c.confidence > w.MinConfidence {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	count := 0
	for _, c := range candidates {
		overlaps, err := w.overlapsObservedTrip(ctx, vehicleID, c.from.Time, c.to.Time)
		if err != nil {
			return count, err
		}
		if overlaps {
			monitoring.Debugf("skipping reconstruction for %s at %s: observed trip covers the jump",
				vehicleID, c.from.Time.Format(time.RFC3339))
			continue
		}
		if err := w.writeTrip(ctx, vehicleID, c); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// score applies the confidence model: distance and battery drain carry most
// of the weight, with bonuses for a plausible gap duration and a plausible
// implied speed. The scale tops out at 100.
func (w *MissedTripWorker) score(points []RoutePoint, idx int, c candidate) float64 {
	km := c.meters / 1000

	conf := min(40, km*20)

	if drain, ok := batteryDrain(points, idx); ok && drain > 0 {
		conf += min(30, drain*10)
	}

	if c.gap >= 10*time.Minute && c.gap <= 180*time.Minute {
		conf += 20
	}

	kmh := km / c.gap.Hours()
	if kmh >= 0.5 && kmh <= 50 {
		conf += 10
	}

	return conf
}

// batteryDrain estimates the battery percentage consumed across the jump.
// Single samples at the gap edges are noisy, so each edge uses the mean of
// up to three nearby readings.
func batteryDrain(points []RoutePoint, idx int) (float64, bool) {
	before := batteryWindow(points, idx-1, -1)
	after := batteryWindow(points, idx, 1)
	if len(before) == 0 || len(after) == 0 {
		return 0, false
	}
	return stat.Mean(before, nil) - stat.Mean(after, nil), true
}

func batteryWindow(points []RoutePoint, from, step int) []float64 {
	var vals []float64
	for i := from; i >= 0 && i < len(points) && len(vals) < 3; i += step {
		if points[i].BatteryLevel.Valid {
			vals = append(vals, points[i].BatteryLevel.Float64)
		}
	}
	return vals
}

// overlapsObservedTrip reports whether a live trip already covers any part of
// [from, to]. Reconstruction never competes with trips the engine observed
// directly.
func (w *MissedTripWorker) overlapsObservedTrip(ctx context.Context, vehicleID string, from, to time.Time) (bool, error) {
	var n int
	err := w.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trips
		WHERE vehicle_id = ?
		  AND data_source = ?
		  AND ignition_on_ts <= ?
		  AND (ignition_off_ts IS NULL OR ignition_off_ts >= ?)`,
		vehicleID, SourceLive, unix(to), unix(from)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// writeTrip upserts the reconstructed trip and its two synthetic route
// points in one transaction.
func (w *MissedTripWorker) writeTrip(ctx context.Context, vehicleID string, c candidate) error {
	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback reconstruction: %v", err)
		}
	}()

	tripKey := TripKey(vehicleID, c.from.Time, SourceReconstructed)
	id := uuid.NewString()
	now := unix(time.Now().UTC())

	var drain sql.NullFloat64
	if c.from.BatteryLevel.Valid && c.to.BatteryLevel.Valid {
		d := c.from.BatteryLevel.Float64 - c.to.BatteryLevel.Float64
		if d > 0 {
			drain = sql.NullFloat64{Float64: d, Valid: true}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (
			id, trip_key, vehicle_id, ignition_on_ts, ignition_off_ts,
			is_active, start_lat, start_lon, end_lat, end_lon,
			distance_miles, battery_used_pct, data_source, method, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trip_key) DO UPDATE SET
			ignition_off_ts = excluded.ignition_off_ts,
			end_lat = excluded.end_lat,
			end_lon = excluded.end_lon,
			distance_miles = excluded.distance_miles,
			battery_used_pct = excluded.battery_used_pct,
			updated_at = excluded.updated_at`,
		id, tripKey, vehicleID, unix(c.from.Time), unix(c.to.Time),
		c.from.Latitude, c.from.Longitude, c.to.Latitude, c.to.Longitude,
		units.MetersToMiles(c.meters), drain, SourceReconstructed, MethodLocationJump, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reconstructed trip: %w", err)
	}

	// Resolve the surviving row id: on conflict the original id wins.
	var tripID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM trips WHERE trip_key = ?`, tripKey).Scan(&tripID); err != nil {
		return err
	}

	// Replace the synthetic endpoints so re-runs stay at exactly two points.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM trip_route_points WHERE trip_id = ?`, tripID); err != nil {
		return err
	}
	for _, p := range []RoutePoint{c.from, c.to} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trip_route_points (
				trip_id, ts, latitude, longitude, battery_level, ignition, is_moving
			) VALUES (?, ?, ?, ?, ?, ?, 0)`,
			tripID, unix(p.Time), p.Latitude, p.Longitude, p.BatteryLevel,
			sql.NullString{String: p.Ignition, Valid: p.Ignition != ""},
		); err != nil {
			return err
		}
	}

	monitoring.Debugf("reconstructed trip %s for %s: %.0fm over %s (confidence %.0f, method %s)",
		tripID, vehicleID, c.meters, c.gap, c.confidence, MethodLocationJump)

	return tx.Commit()
}
