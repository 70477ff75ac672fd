package telemetry

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// StateDeriver owns the canonical per-vehicle state. It holds an in-memory
// arena keyed by vehicle and mirrors every mutation to the store, so a
// restart rehydrates instead of recomputing, and a store outage degrades to
// memory-only derivation instead of stalling the pipeline.
type StateDeriver struct {
	Store    *db.DB
	Detector *ParkingDetector
	Places   PlaceResolver
	Sites    *SiteDirectory
	Clock    timeutil.Clock

	mu    sync.Mutex
	arena map[string]*db.VehicleState
}

// Derivation is the outcome of one state evaluation.
type Derivation struct {
	VehicleID string
	// Previous is empty on the first derivation for a vehicle.
	Previous   string
	State      string
	StateSince time.Time
	Verdict    Verdict
	AtSite     bool
	Changed    bool
}

func NewStateDeriver(store *db.DB, detector *ParkingDetector, places PlaceResolver, sites *SiteDirectory, clock timeutil.Clock) *StateDeriver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StateDeriver{
		Store:    store,
		Detector: detector,
		Places:   places,
		Sites:    sites,
		Clock:    clock,
		arena:    make(map[string]*db.VehicleState),
	}
}

// Rehydrate loads the stored canonical states into the arena. Called once
// at startup.
func (sd *StateDeriver) Rehydrate() error {
	states, err := sd.Store.ListVehicleStates()
	if err != nil {
		return err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	for i := range states {
		s := states[i]
		sd.arena[s.VehicleID] = &s
	}
	monitoring.Logf("state deriver rehydrated %d vehicles", len(states))
	return nil
}

// Current returns a copy of the vehicle's canonical state, or nil.
func (sd *StateDeriver) Current(vehicleID string) *db.VehicleState {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.arena[vehicleID]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

// Snapshot returns copies of every vehicle's canonical state.
func (sd *StateDeriver) Snapshot() []db.VehicleState {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	out := make([]db.VehicleState, 0, len(sd.arena))
	for _, s := range sd.arena {
		out = append(out, *s)
	}
	return out
}

// Derive evaluates the state machine for one accepted signal and mirrors
// the result. Deriving twice from the identical signal yields the identical
// canonical state.
func (sd *StateDeriver) Derive(ctx context.Context, sig *Signal) (*Derivation, error) {
	atSite := sd.Sites.SiteAt(sig.Latitude, sig.Longitude) != nil

	verdict, err := sd.Detector.Classify(sig.VehicleID, atSite)
	if err != nil {
		// Ambiguity is not an error surface. Unknown means not-parked.
		monitoring.Logf("parking detector error for %s, treating as unknown: %v", sig.VehicleID, err)
		verdict = VerdictUnknown
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	prior := sd.arena[sig.VehicleID]
	next := sd.nextState(sig, verdict, prior, atSite)

	d := &Derivation{
		VehicleID: sig.VehicleID,
		State:     next,
		Verdict:   verdict,
		AtSite:    atSite,
		Changed:   prior == nil || prior.State != next,
	}
	if prior != nil {
		d.Previous = prior.State
	}

	// The duration clock only restarts on an actual transition.
	if !d.Changed && prior != nil {
		d.StateSince = prior.StateSince
	} else {
		d.StateSince = sig.ProviderTime
	}

	row := sd.buildRow(ctx, sig, d, prior)
	sd.arena[sig.VehicleID] = row

	if err := db.Retry(ctx, db.WriteAttempts, func() error {
		return sd.Store.UpsertVehicleState(row)
	}); err != nil {
		// The arena stays authoritative; derivation must not stall on the
		// store.
		monitoring.Logf("failed to mirror state for %s: %v", sig.VehicleID, err)
	}

	if d.Changed {
		monitoring.Logf("vehicle %s: %s -> %s (ignition=%s verdict=%s plugged=%t)",
			sig.VehicleID, orUnset(d.Previous), d.State, sig.Ignition, verdict, sig.PluggedIn)
	}
	return d, nil
}

// nextState applies the transition rules in priority order. Movement
// evidence outranks the raw ignition flag: a stationary vehicle reporting
// ignition On is parked, not on a trip.
func (sd *StateDeriver) nextState(sig *Signal, verdict Verdict, prior *db.VehicleState, atSite bool) string {
	if sig.PluggedIn {
		return StateCharging
	}
	if verdict == VerdictStationary {
		return StateParked
	}
	// Cold start: never seen this vehicle, no movement evidence, but it
	// sits at a known site. Call it parked instead of waiting for history.
	if prior == nil && verdict == VerdictUnknown && atSite {
		return StateParked
	}
	if sig.Ignition.Engaged() {
		return StateTrip
	}
	return StateParked
}

func (sd *StateDeriver) buildRow(ctx context.Context, sig *Signal, d *Derivation, prior *db.VehicleState) *db.VehicleState {
	row := &db.VehicleState{
		VehicleID:     sig.VehicleID,
		State:         d.State,
		StateSince:    d.StateSince,
		LastSignal:    sig.ProviderTime,
		Latitude:      sql.NullFloat64{Float64: sig.Latitude, Valid: true},
		Longitude:     sql.NullFloat64{Float64: sig.Longitude, Valid: true},
		SocPct:        sql.NullFloat64{Float64: sig.SocPct, Valid: true},
		OdometerMiles: sql.NullFloat64{Float64: sig.OdometerMiles, Valid: true},
	}
	if miles, ok := sig.RangeMiles(); ok {
		row.RangeMiles = sql.NullFloat64{Float64: miles, Valid: true}
	}

	// Place lookups are the expensive path. Reuse the cached name unless
	// the state changed or there is nothing cached.
	if !d.Changed && prior != nil && prior.PlaceName.Valid {
		row.PlaceName = prior.PlaceName
		row.PlaceSource = prior.PlaceSource
		return row
	}
	place, err := sd.Places.Resolve(ctx, sig.Latitude, sig.Longitude, d.State)
	if err != nil {
		monitoring.Logf("place resolution failed for %s: %v", sig.VehicleID, err)
		if prior != nil {
			row.PlaceName = prior.PlaceName
			row.PlaceSource = prior.PlaceSource
		}
		return row
	}
	if place.DisplayName != "" {
		row.PlaceName = sql.NullString{String: place.DisplayName, Valid: true}
		row.PlaceSource = sql.NullString{String: place.SourceKind, Valid: true}
	}
	return row
}

func orUnset(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
