package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

// newTestDB opens a fresh database under t.TempDir.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedRoutePoint inserts a minimal route point for a vehicle.
func seedRoutePoint(t *testing.T, db *DB, vehicleID string, ts time.Time, lat, lon float64, battery float64) {
	t.Helper()

	p := &RoutePoint{
		VehicleID:    vehicleID,
		Time:         ts,
		Latitude:     lat,
		Longitude:    lon,
		BatteryLevel: sql.NullFloat64{Float64: battery, Valid: true},
		Ignition:     "Off",
	}
	if err := db.InsertRoutePoint(p); err != nil {
		t.Fatalf("InsertRoutePoint failed: %v", err)
	}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
