package api

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fleet-data/fleettrace/internal/db"
)

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }

func TestVehicleStateToAPI(t *testing.T) {
	since := time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)
	last := since.Add(50 * time.Minute)
	now := last.Add(1500 * time.Millisecond)

	state := &db.VehicleState{
		VehicleID:   "veh-1",
		State:       "PARKED",
		StateSince:  since,
		LastSignal:  last,
		Latitude:    sql.NullFloat64{Float64: 33.45, Valid: true},
		Longitude:   sql.NullFloat64{Float64: -112.07, Valid: true},
		PlaceName:   sql.NullString{String: "North Yard", Valid: true},
		PlaceSource: sql.NullString{String: "site", Valid: true},
		SocPct:      sql.NullFloat64{Float64: 81, Valid: true},
		// OdometerMiles and RangeMiles never reported for this vehicle.
	}

	want := VehicleStateAPI{
		VehicleID:   "veh-1",
		State:       "PARKED",
		StateSince:  since,
		LastSignal:  last,
		FreshnessMs: 1500,
		Latitude:    fptr(33.45),
		Longitude:   fptr(-112.07),
		PlaceName:   sptr("North Yard"),
		PlaceSource: sptr("site"),
		SocPct:      fptr(81),
	}

	if diff := cmp.Diff(want, VehicleStateToAPI(state, now)); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestTripToAPI(t *testing.T) {
	start := time.Date(2026, 5, 11, 8, 15, 0, 0, time.UTC)
	end := start.Add(22 * time.Minute)

	t.Run("closed trip", func(t *testing.T) {
		trip := &db.Trip{
			ID:             "trip-1",
			VehicleID:      "veh-1",
			IgnitionOnTime: start,
			IgnitionOff:    sql.NullFloat64{Float64: float64(end.Unix()), Valid: true},
			StartPlace:     sql.NullString{String: "Depot", Valid: true},
			EndPlace:       sql.NullString{String: "North Yard", Valid: true},
			DistanceMiles:  sql.NullFloat64{Float64: 6.3, Valid: true},
			DataSource:     db.SourceLive,
		}

		got := TripToAPI(trip)
		want := TripAPI{
			ID:            "trip-1",
			VehicleID:     "veh-1",
			StartTime:     start,
			EndTime:       &end,
			StartPlace:    sptr("Depot"),
			EndPlace:      sptr("North Yard"),
			DistanceMiles: fptr(6.3),
			DataSource:    db.SourceLive,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("active trip has no end time", func(t *testing.T) {
		trip := &db.Trip{
			ID:             "trip-2",
			VehicleID:      "veh-1",
			IgnitionOnTime: start,
			IsActive:       true,
			DataSource:     db.SourceLive,
		}

		got := TripToAPI(trip)
		if got.EndTime != nil {
			t.Errorf("EndTime = %v, want nil", got.EndTime)
		}
		if !got.IsActive {
			t.Error("IsActive = false, want true")
		}
	})

	t.Run("reconstructed trip carries method", func(t *testing.T) {
		trip := &db.Trip{
			ID:             "trip-3",
			VehicleID:      "veh-1",
			IgnitionOnTime: start,
			DataSource:     db.SourceReconstructed,
			Method:         sql.NullString{String: db.MethodLocationJump, Valid: true},
		}

		got := TripToAPI(trip)
		if got.Method == nil || *got.Method != db.MethodLocationJump {
			t.Errorf("Method = %v, want %q", got.Method, db.MethodLocationJump)
		}
	})
}

func TestTripRoutePointToAPI_NullIgnition(t *testing.T) {
	ts := time.Date(2026, 5, 11, 8, 20, 0, 0, time.UTC)
	p := &db.TripRoutePoint{
		TripID:    "trip-1",
		Time:      ts,
		Latitude:  33.46,
		Longitude: -112.06,
		IsMoving:  true,
	}

	want := RoutePointAPI{
		Time:      ts,
		Latitude:  33.46,
		Longitude: -112.06,
		IsMoving:  true,
	}
	if diff := cmp.Diff(want, TripRoutePointToAPI(p)); diff != "" {
		t.Errorf("point mismatch (-want +got):\n%s", diff)
	}
}
