// Package telemetry implements the engine that turns noisy polled vehicle
// signals into canonical TRIP/PARKED/CHARGING states and a durable trip
// log: the signal filter, the GPS parking detector, the state deriver, the
// trip lifecycle manager and the polling scheduler.
package telemetry

import (
	"database/sql"
	"time"

	"github.com/paulmach/orb"

	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/units"
)

// IgnitionState is the provider-reported engine/accessory power state. The
// raw value is known to flap and go stale, which is why the deriver weighs
// it below movement evidence.
type IgnitionState string

const (
	IgnitionOff       IgnitionState = "Off"
	IgnitionAccessory IgnitionState = "Accessory"
	IgnitionRun       IgnitionState = "Run"
	IgnitionOn        IgnitionState = "On"
	IgnitionUnknown   IgnitionState = "Unknown"
)

// ParseIgnition maps a provider string to an IgnitionState.
func ParseIgnition(s string) IgnitionState {
	switch IgnitionState(s) {
	case IgnitionOff, IgnitionAccessory, IgnitionRun, IgnitionOn:
		return IgnitionState(s)
	default:
		return IgnitionUnknown
	}
}

// Engaged reports whether the ignition value indicates a running vehicle.
func (s IgnitionState) Engaged() bool {
	return s == IgnitionOn || s == IgnitionRun
}

// Canonical vehicle states.
const (
	StateTrip     = "TRIP"
	StateParked   = "PARKED"
	StateCharging = "CHARGING"
)

// Signal is one normalized telemetry snapshot pulled from the provider.
type Signal struct {
	VehicleID     string
	ProviderTime  time.Time
	ReceivedTime  time.Time
	Ignition      IgnitionState
	Latitude      float64
	Longitude     float64
	OdometerMiles float64
	SocPct        float64
	PluggedIn     bool
	RangeKm       *float64
}

// Point returns the signal's position in lon/lat order.
func (s *Signal) Point() orb.Point {
	return orb.Point{s.Longitude, s.Latitude}
}

// RangeMiles converts the optional provider range to miles.
func (s *Signal) RangeMiles() (float64, bool) {
	if s.RangeKm == nil {
		return 0, false
	}
	return units.KmToMiles(*s.RangeKm), true
}

// Row converts the signal to its storage shape. The tier is assigned by the
// filter before persisting.
func (s *Signal) Row(tier string) *db.Signal {
	row := &db.Signal{
		VehicleID:     s.VehicleID,
		ProviderTime:  s.ProviderTime,
		ReceivedTime:  s.ReceivedTime,
		Ignition:      string(s.Ignition),
		Latitude:      s.Latitude,
		Longitude:     s.Longitude,
		OdometerMiles: s.OdometerMiles,
		SocPct:        s.SocPct,
		PluggedIn:     s.PluggedIn,
		Tier:          tier,
	}
	if s.RangeKm != nil {
		row.RangeKm = sql.NullFloat64{Float64: *s.RangeKm, Valid: true}
	}
	return row
}

// ProviderTrip is the provider's own record of a completed trip, used as
// the distance authority when closing trips.
type ProviderTrip struct {
	StartTime  time.Time
	EndTime    time.Time
	DistanceKm float64
	StartLat   float64
	StartLon   float64
	EndLat     float64
	EndLon     float64
}
