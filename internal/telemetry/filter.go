package telemetry

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/units"
)

// TierSkip marks a signal the filter chose not to persist.
const TierSkip = "skip"

// SignalFilter routes each new signal into a retention tier, or skips it
// when it carries no new information. Every ignition or plug transition is
// stored: trip boundary detection depends on it.
type SignalFilter struct {
	Store *db.DB
	Cfg   *config.TuningConfig
}

func NewSignalFilter(store *db.DB, cfg *config.TuningConfig) *SignalFilter {
	return &SignalFilter{Store: store, Cfg: cfg}
}

// Process decides the signal's tier and persists it unless skipped. Any
// internal failure while deciding stores the signal as critical rather than
// risk dropping a boundary.
func (f *SignalFilter) Process(ctx context.Context, sig *Signal) (string, error) {
	last, err := f.Store.LatestSignal(sig.VehicleID)
	if err != nil {
		monitoring.Logf("filter for %s failed to load last signal, storing as critical: %v",
			sig.VehicleID, err)
		return f.persist(ctx, sig, db.TierCritical)
	}

	tier, reason := f.classify(sig, last)
	if tier == TierSkip {
		monitoring.Debugf("filter for %s: skip (%s)", sig.VehicleID, reason)
		return TierSkip, nil
	}
	monitoring.Debugf("filter for %s: %s (%s)", sig.VehicleID, tier, reason)
	return f.persist(ctx, sig, tier)
}

// classify applies the tier rules in priority order.
func (f *SignalFilter) classify(sig *Signal, last *db.Signal) (tier, reason string) {
	if last == nil {
		return db.TierCritical, "first signal for vehicle"
	}
	if string(sig.Ignition) != last.Ignition {
		return db.TierCritical, "ignition changed"
	}
	if sig.PluggedIn != last.PluggedIn {
		return db.TierCritical, "plug status changed"
	}

	moved := geo.Distance(sig.Point(), orb.Point{last.Longitude, last.Latitude})
	if moved > f.Cfg.GetFilterLocationDeltaMeters() {
		return db.TierImportant, "location moved"
	}
	if abs(sig.SocPct-last.SocPct) >= f.Cfg.GetFilterSocDeltaPct() {
		return db.TierImportant, "state of charge changed"
	}
	if rangeDeltaMiles(sig, last) >= f.Cfg.GetFilterRangeDeltaMiles() {
		return db.TierImportant, "range changed"
	}
	if abs(sig.OdometerMiles-last.OdometerMiles) >= f.Cfg.GetFilterOdometerDeltaMiles() {
		return db.TierImportant, "odometer advanced"
	}

	if sig.ProviderTime.Sub(last.ProviderTime) >= f.Cfg.GetFilterHeartbeatInterval() {
		return db.TierRoutine, "heartbeat"
	}
	return TierSkip, "no significant change"
}

func (f *SignalFilter) persist(ctx context.Context, sig *Signal, tier string) (string, error) {
	row := sig.Row(tier)
	err := db.Retry(ctx, db.WriteAttempts, func() error {
		return f.Store.InsertSignal(row)
	})
	if err != nil {
		return tier, err
	}
	return tier, nil
}

func rangeDeltaMiles(sig *Signal, last *db.Signal) float64 {
	cur, ok := sig.RangeMiles()
	if !ok || !last.RangeKm.Valid {
		return 0
	}
	return abs(cur - units.KmToMiles(last.RangeKm.Float64))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
