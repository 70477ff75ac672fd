package telemetry

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// Verdict is the parking detector's classification of recent motion.
type Verdict int

const (
	// VerdictUnknown means there is no history to judge from. Callers
	// treat it as not-parked; a parked state is never fabricated from
	// nothing.
	VerdictUnknown Verdict = iota
	VerdictStationary
	VerdictMoving
)

func (v Verdict) String() string {
	switch v {
	case VerdictStationary:
		return "stationary"
	case VerdictMoving:
		return "moving"
	default:
		return "unknown"
	}
}

// ParkingDetector classifies a vehicle's recent route points as stationary
// or moving. It measures the maximum displacement between consecutive
// samples, not first-to-last: a vehicle that just pulled away must not look
// parked because it ends near where it started.
type ParkingDetector struct {
	Store *db.DB
	Cfg   *config.TuningConfig
	Clock timeutil.Clock
}

func NewParkingDetector(store *db.DB, cfg *config.TuningConfig, clock timeutil.Clock) *ParkingDetector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ParkingDetector{Store: store, Cfg: cfg, Clock: clock}
}

// Classify judges the vehicle's motion. atSite loosens the drift threshold
// because GPS multipath near buildings inflates apparent movement.
func (d *ParkingDetector) Classify(vehicleID string, atSite bool) (Verdict, error) {
	now := d.Clock.Now().UTC()
	points, err := d.Store.RecentRoutePoints(
		vehicleID, now.Add(-d.Cfg.GetParkingSampleWindow()), d.Cfg.GetParkingMaxSamples())
	if err != nil {
		return VerdictUnknown, err
	}

	if len(points) < 2 {
		return d.classifyWidened(vehicleID, now)
	}

	window := points[len(points)-1].Time.Sub(points[0].Time)
	maxDrift := maxConsecutiveDrift(points)

	minWindow := d.Cfg.GetParkingMinWindow()
	driftLimit := d.Cfg.GetParkingMaxDriftMeters()
	if atSite {
		minWindow = d.Cfg.GetParkingSiteMinWindow()
		driftLimit = d.Cfg.GetParkingSiteMaxDriftMeters()
	}

	verdict := VerdictMoving
	if window >= minWindow && maxDrift < driftLimit {
		verdict = VerdictStationary
	}
	monitoring.Debugf("parking detector for %s: %s (window=%s drift=%.1fm atSite=%t)",
		vehicleID, verdict, window, maxDrift, atSite)
	return verdict, nil
}

// classifyWidened handles sparse history, typically right after a process
// restart. With fewer than 2 samples in the primary window, a 30 minute
// window with under 25 m of drift still counts as parked.
func (d *ParkingDetector) classifyWidened(vehicleID string, now time.Time) (Verdict, error) {
	points, err := d.Store.RecentRoutePoints(
		vehicleID, now.Add(-d.Cfg.GetParkingWidenedWindow()), 0)
	if err != nil {
		return VerdictUnknown, err
	}
	if len(points) < 2 {
		return VerdictUnknown, nil
	}
	if maxConsecutiveDrift(points) < d.Cfg.GetParkingWidenedDriftMeters() {
		monitoring.Debugf("parking detector for %s: stationary (widened window)", vehicleID)
		return VerdictStationary, nil
	}
	return VerdictMoving, nil
}

// maxConsecutiveDrift returns the largest displacement between adjacent
// samples.
func maxConsecutiveDrift(points []db.RoutePoint) float64 {
	var max float64
	for i := 1; i < len(points); i++ {
		d := geo.Distance(
			orb.Point{points[i-1].Longitude, points[i-1].Latitude},
			orb.Point{points[i].Longitude, points[i].Latitude},
		)
		if d > max {
			max = d
		}
	}
	return max
}
