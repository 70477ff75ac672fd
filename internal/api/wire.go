package api

import (
	"database/sql"
	"time"

	"github.com/fleet-data/fleettrace/internal/db"
)

// Without these wire structs the responses would expose raw sql.Null
// fields (Float64, Valid). The API controls its own output format.

// VehicleStateAPI is the wire form of a canonical vehicle state row.
type VehicleStateAPI struct {
	VehicleID     string    `json:"vehicle_id"`
	State         string    `json:"state"`
	StateSince    time.Time `json:"state_since"`
	LastSignal    time.Time `json:"last_signal"`
	FreshnessMs   int64     `json:"freshness_ms"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	PlaceName     *string   `json:"place_name,omitempty"`
	PlaceSource   *string   `json:"place_source,omitempty"`
	SocPct        *float64  `json:"soc_pct,omitempty"`
	OdometerMiles *float64  `json:"odometer_miles,omitempty"`
	RangeMiles    *float64  `json:"range_miles,omitempty"`
}

// VehicleStateToAPI converts a state row for the wire.
func VehicleStateToAPI(s *db.VehicleState, now time.Time) VehicleStateAPI {
	return VehicleStateAPI{
		VehicleID:     s.VehicleID,
		State:         s.State,
		StateSince:    s.StateSince,
		LastSignal:    s.LastSignal,
		FreshnessMs:   s.FreshnessMs(now),
		Latitude:      nullFloat(s.Latitude),
		Longitude:     nullFloat(s.Longitude),
		PlaceName:     nullString(s.PlaceName),
		PlaceSource:   nullString(s.PlaceSource),
		SocPct:        nullFloat(s.SocPct),
		OdometerMiles: nullFloat(s.OdometerMiles),
		RangeMiles:    nullFloat(s.RangeMiles),
	}
}

// TripAPI is the wire form of a trip row.
type TripAPI struct {
	ID             string     `json:"id"`
	VehicleID      string     `json:"vehicle_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	IsActive       bool       `json:"is_active"`
	StartLat       *float64   `json:"start_lat,omitempty"`
	StartLon       *float64   `json:"start_lon,omitempty"`
	StartPlace     *string    `json:"start_place,omitempty"`
	EndLat         *float64   `json:"end_lat,omitempty"`
	EndLon         *float64   `json:"end_lon,omitempty"`
	EndPlace       *string    `json:"end_place,omitempty"`
	DistanceMiles  *float64   `json:"distance_miles,omitempty"`
	BatteryUsedPct *float64   `json:"battery_used_pct,omitempty"`
	DataSource     string     `json:"data_source"`
	Method         *string    `json:"method,omitempty"`
}

// TripToAPI converts a trip row for the wire.
func TripToAPI(t *db.Trip) TripAPI {
	out := TripAPI{
		ID:             t.ID,
		VehicleID:      t.VehicleID,
		StartTime:      t.IgnitionOnTime,
		IsActive:       t.IsActive,
		StartLat:       nullFloat(t.StartLat),
		StartLon:       nullFloat(t.StartLon),
		StartPlace:     nullString(t.StartPlace),
		EndLat:         nullFloat(t.EndLat),
		EndLon:         nullFloat(t.EndLon),
		EndPlace:       nullString(t.EndPlace),
		DistanceMiles:  nullFloat(t.DistanceMiles),
		BatteryUsedPct: nullFloat(t.BatteryUsedPct),
		DataSource:     t.DataSource,
		Method:         nullString(t.Method),
	}
	if end, ok := t.IgnitionOffTime(); ok {
		out.EndTime = &end
	}
	return out
}

// RoutePointAPI is the wire form of one route sample.
type RoutePointAPI struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SocPct    *float64  `json:"soc_pct,omitempty"`
	Ignition  string    `json:"ignition,omitempty"`
	SpeedKmh  *float64  `json:"speed_kmh,omitempty"`
	IsMoving  bool      `json:"is_moving"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// RoutePointToAPI converts a route sample for the wire.
func RoutePointToAPI(p *db.RoutePoint) RoutePointAPI {
	return RoutePointAPI{
		Time:      p.Time,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		SocPct:    nullFloat(p.BatteryLevel),
		Ignition:  p.Ignition,
		SpeedKmh:  nullFloat(p.SpeedKmh),
		IsMoving:  p.IsMoving,
		Synthetic: p.Synthetic,
	}
}

// TripRoutePointToAPI converts a trip route sample for the wire.
func TripRoutePointToAPI(p *db.TripRoutePoint) RoutePointAPI {
	out := RoutePointAPI{
		Time:      p.Time,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		SocPct:    nullFloat(p.BatteryLevel),
		IsMoving:  p.IsMoving,
	}
	if p.Ignition.Valid {
		out.Ignition = p.Ignition.String
	}
	return out
}

// ParkingSessionAPI is the wire form of a parking session.
type ParkingSessionAPI struct {
	ID           string     `json:"id"`
	VehicleID    string     `json:"vehicle_id"`
	ParkingStart time.Time  `json:"parking_start"`
	ParkingEnd   *time.Time `json:"parking_end,omitempty"`
	IsParked     bool       `json:"is_parked"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	PlaceName    *string    `json:"place_name,omitempty"`
	Cycles       int        `json:"ignition_cycles"`
}

// ParkingSessionToAPI converts a session row for the wire.
func ParkingSessionToAPI(s *db.ParkingSession, cycles int) ParkingSessionAPI {
	out := ParkingSessionAPI{
		ID:           s.ID,
		VehicleID:    s.VehicleID,
		ParkingStart: s.ParkingStart,
		IsParked:     s.IsParked,
		Latitude:     nullFloat(s.Latitude),
		Longitude:    nullFloat(s.Longitude),
		PlaceName:    nullString(s.PlaceName),
		Cycles:       cycles,
	}
	if end, ok := s.ParkingEndTime(); ok {
		out.ParkingEnd = &end
	}
	return out
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
