package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Signal is one stored telemetry snapshot. Rows are immutable once written;
// the tier decides how long the row survives the retention sweep.
type Signal struct {
	ID            int64
	VehicleID     string
	ProviderTime  time.Time
	ReceivedTime  time.Time
	Ignition      string
	Latitude      float64
	Longitude     float64
	OdometerMiles float64
	SocPct        float64
	PluggedIn     bool
	RangeKm       sql.NullFloat64
	Tier          string
}

func retentionFor(tier string) time.Duration {
	switch tier {
	case TierCritical:
		return RetentionCritical
	case TierImportant:
		return RetentionImportant
	case TierRoutine:
		return RetentionRoutine
	default:
		// Unknown tiers keep data rather than lose it.
		return RetentionCritical
	}
}

// InsertSignal stores a signal with the expiry implied by its tier.
func (db *DB) InsertSignal(s *Signal) error {
	if s.Tier == "" {
		return fmt.Errorf("signal for %s has no retention tier", s.VehicleID)
	}
	expires := unix(s.ProviderTime.Add(retentionFor(s.Tier)))
	res, err := db.Exec(`
		INSERT INTO signals (
			vehicle_id, provider_ts, received_ts, ignition,
			latitude, longitude, odometer_miles, soc_pct,
			plugged_in, range_km, tier, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.VehicleID, unix(s.ProviderTime), unix(s.ReceivedTime), s.Ignition,
		s.Latitude, s.Longitude, s.OdometerMiles, s.SocPct,
		boolToInt(s.PluggedIn), s.RangeKm, s.Tier, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal for %s: %w", s.VehicleID, err)
	}
	s.ID, _ = res.LastInsertId()
	return nil
}

// LatestSignal returns the most recently stored signal for a vehicle, or
// nil when the vehicle has never been seen.
func (db *DB) LatestSignal(vehicleID string) (*Signal, error) {
	row := db.QueryRow(`
		SELECT id, vehicle_id, provider_ts, received_ts, ignition,
		       latitude, longitude, odometer_miles, soc_pct,
		       plugged_in, range_km, tier
		FROM signals
		WHERE vehicle_id = ?
		ORDER BY provider_ts DESC
		LIMIT 1`, vehicleID)

	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SignalsInRange returns signals for a vehicle ordered by provider time
// ascending.
func (db *DB) SignalsInRange(vehicleID string, start, end time.Time) ([]Signal, error) {
	rows, err := db.Query(`
		SELECT id, vehicle_id, provider_ts, received_ts, ignition,
		       latitude, longitude, odometer_miles, soc_pct,
		       plugged_in, range_km, tier
		FROM signals
		WHERE vehicle_id = ? AND provider_ts BETWEEN ? AND ?
		ORDER BY provider_ts`, vehicleID, unix(start), unix(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *s)
	}
	return signals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(r rowScanner) (*Signal, error) {
	var s Signal
	var providerTs, receivedTs float64
	var plugged int
	if err := r.Scan(
		&s.ID, &s.VehicleID, &providerTs, &receivedTs, &s.Ignition,
		&s.Latitude, &s.Longitude, &s.OdometerMiles, &s.SocPct,
		&plugged, &s.RangeKm, &s.Tier,
	); err != nil {
		return nil, err
	}
	s.ProviderTime = fromUnix(providerTs)
	s.ReceivedTime = fromUnix(receivedTs)
	s.PluggedIn = plugged != 0
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
