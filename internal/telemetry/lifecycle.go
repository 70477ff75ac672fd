package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
	"github.com/fleet-data/fleettrace/internal/units"
)

// TripManager owns trip start/update/end, route point recording, parking
// sessions and ignition cycles. It is the only writer of trips and route
// points.
type TripManager struct {
	Store    *db.DB
	Provider Provider
	Places   PlaceResolver
	Cfg      *config.TuningConfig
	Clock    timeutil.Clock
	Events   *Bus

	graces *graceTimers

	mu     sync.Mutex
	tracks map[string]*vehicleTrack
}

// vehicleTrack is the per-vehicle bookkeeping that does not belong in the
// canonical state: last seen ignition, route point cadence, geofence side.
// mu serializes the poll path with grace-timer callbacks; both mutate the
// same track from different goroutines.
type vehicleTrack struct {
	mu sync.Mutex

	lastIgnition IgnitionState
	hasIgnition  bool

	lastPointTime time.Time
	lastPointLat  float64
	lastPointLon  float64
	hasPoint      bool

	insideDepot bool
	hasGeofence bool

	// open ignition cycle row, 0 when none
	cycleID int64
}

func NewTripManager(store *db.DB, provider Provider, places PlaceResolver, cfg *config.TuningConfig, clock timeutil.Clock, events *Bus) *TripManager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if events == nil {
		events = NewBus()
	}
	return &TripManager{
		Store:    store,
		Provider: provider,
		Places:   places,
		Cfg:      cfg,
		Clock:    clock,
		Events:   events,
		graces:   newGraceTimers(clock),
		tracks:   make(map[string]*vehicleTrack),
	}
}

func (tm *TripManager) track(vehicleID string) *vehicleTrack {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.tracks[vehicleID]
	if !ok {
		t = &vehicleTrack{}
		tm.tracks[vehicleID] = t
	}
	return t
}

// HandleSignal advances the trip lifecycle for one accepted signal. The
// deriver has already evaluated the state machine; this layer reacts to
// ignition edges and keeps the route log.
func (tm *TripManager) HandleSignal(ctx context.Context, sig *Signal, d *Derivation) error {
	track := tm.track(sig.VehicleID)
	track.mu.Lock()
	defer track.mu.Unlock()

	tm.checkGeofence(ctx, sig, track)

	prevIgnition := track.lastIgnition
	hadIgnition := track.hasIgnition
	track.lastIgnition = sig.Ignition
	track.hasIgnition = true

	ignitionOn := sig.Ignition.Engaged() && (!hadIgnition || !prevIgnition.Engaged())
	ignitionOff := !sig.Ignition.Engaged() && hadIgnition && prevIgnition.Engaged()

	if ignitionOn {
		tm.Events.Publish(tm.event(EventIgnitionOn, sig, nil))
		if err := tm.handleIgnitionOn(ctx, sig, d, track); err != nil {
			return err
		}
	}
	if ignitionOff {
		tm.Events.Publish(tm.event(EventIgnitionOff, sig, nil))
		if err := tm.handleIgnitionOff(ctx, sig, track); err != nil {
			return err
		}
	}

	// Edge handlers and startTrip append the signal to the trip history
	// themselves; recordRoutePoint must not append it a second time.
	edge := ignitionOn || ignitionOff
	tripPointDone := edge

	// Movement contradicts a pending restart-while-parked grace: the
	// vehicle really is leaving, open the trip now.
	if d.Verdict == VerdictMoving && tm.graces.Cancel(sig.VehicleID, graceIgnitionCycle) {
		if err := tm.startTrip(ctx, sig, track); err != nil {
			return err
		}
		tripPointDone = true
	}

	return tm.recordRoutePoint(ctx, sig, d, track, edge, tripPointDone)
}

// handleIgnitionOn reacts to an Off->On edge.
func (tm *TripManager) handleIgnitionOn(ctx context.Context, sig *Signal, d *Derivation, track *vehicleTrack) error {
	// An On edge contradicts a pending parking confirmation.
	if tm.graces.Cancel(sig.VehicleID, graceParkingConfirm) {
		monitoring.Logf("vehicle %s: ignition returned within grace, trip continues", sig.VehicleID)
	}

	active, err := tm.Store.ActiveTrip(sig.VehicleID)
	if err != nil {
		return err
	}
	if active != nil {
		// Duplicate start: the trip already exists, just keep its route
		// history growing.
		return tm.appendTripPoint(ctx, active.ID, sig, true)
	}

	session, err := tm.Store.CurrentParkingSession(sig.VehicleID)
	if err != nil {
		return err
	}
	if session != nil && d.Verdict != VerdictMoving {
		// Possibly a climate-control burst. Record the cycle and wait out
		// the grace window before declaring a trip.
		cycleID, err := tm.Store.AddIgnitionCycle(session.ID, sig.ProviderTime)
		if err != nil {
			monitoring.Logf("failed to record ignition cycle for %s: %v", sig.VehicleID, err)
		} else {
			track.cycleID = cycleID
		}
		sigCopy := *sig
		tm.graces.Schedule(sig.VehicleID, graceIgnitionCycle, tm.Cfg.GetParkingIgnitionCycleWindow(), func() {
			// Still on after the window: this is a departure. The callback
			// runs on the timer goroutine, so it takes the track lock the
			// poll path holds during HandleSignal.
			track.mu.Lock()
			defer track.mu.Unlock()
			if err := tm.startTrip(context.Background(), &sigCopy, track); err != nil {
				monitoring.Logf("deferred trip start failed for %s: %v", sigCopy.VehicleID, err)
			}
		})
		return nil
	}

	return tm.startTrip(ctx, sig, track)
}

// handleIgnitionOff reacts to an On->Off edge.
func (tm *TripManager) handleIgnitionOff(ctx context.Context, sig *Signal, track *vehicleTrack) error {
	// The engine shut off before the restart grace elapsed: that was an
	// ignition cycle, not a trip.
	if tm.graces.Cancel(sig.VehicleID, graceIgnitionCycle) {
		if track.cycleID != 0 {
			if err := tm.Store.CloseIgnitionCycle(track.cycleID, sig.ProviderTime); err != nil {
				monitoring.Logf("failed to close ignition cycle for %s: %v", sig.VehicleID, err)
			}
			track.cycleID = 0
		}
		monitoring.Debugf("vehicle %s: ignition cycle closed without a trip", sig.VehicleID)
		return nil
	}

	active, err := tm.Store.ActiveTrip(sig.VehicleID)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}

	if err := tm.appendTripPoint(ctx, active.ID, sig, false); err != nil {
		monitoring.Logf("failed to append final point for %s: %v", sig.VehicleID, err)
	}

	// The trip does not close on the raw Off edge: a quick restart within
	// the grace keeps it open (and short off/on flaps never duplicate
	// trips). Parking is confirmed when the timer survives.
	sigCopy := *sig
	tm.graces.Schedule(sig.VehicleID, graceParkingConfirm, tm.Cfg.GetParkingConfirmDelay(), func() {
		if err := tm.confirmParking(context.Background(), &sigCopy); err != nil {
			monitoring.Logf("parking confirmation failed for %s: %v", sigCopy.VehicleID, err)
		}
	})
	return nil
}

// startTrip opens a new trip for the vehicle. Safe to call when a trip is
// already active.
func (tm *TripManager) startTrip(ctx context.Context, sig *Signal, track *vehicleTrack) error {
	active, err := tm.Store.ActiveTrip(sig.VehicleID)
	if err != nil {
		return err
	}
	if active != nil {
		return tm.appendTripPoint(ctx, active.ID, sig, true)
	}

	// Leaving: the parking session is over, and any open cycle with it.
	if session, err := tm.Store.CurrentParkingSession(sig.VehicleID); err == nil && session != nil {
		if track.cycleID != 0 {
			if err := tm.Store.CloseIgnitionCycle(track.cycleID, sig.ProviderTime); err != nil {
				monitoring.Logf("failed to close ignition cycle for %s: %v", sig.VehicleID, err)
			}
			track.cycleID = 0
		}
		if err := tm.Store.CloseParkingSession(session.ID, sig.ProviderTime); err != nil {
			monitoring.Logf("failed to close parking session for %s: %v", sig.VehicleID, err)
		}
	}

	startLat, startLon, startPlace := tm.startLocation(ctx, sig)

	trip := &db.Trip{
		ID:             uuid.NewString(),
		VehicleID:      sig.VehicleID,
		IgnitionOnTime: sig.ProviderTime,
		IsActive:       true,
		DataSource:     db.SourceLive,
		StartLat:       sql.NullFloat64{Float64: startLat, Valid: true},
		StartLon:       sql.NullFloat64{Float64: startLon, Valid: true},
		StartOdometer:  sql.NullFloat64{Float64: sig.OdometerMiles, Valid: true},
	}
	if startPlace != "" {
		trip.StartPlace = sql.NullString{String: startPlace, Valid: true}
	}

	raced := false
	err = db.Retry(ctx, db.WriteAttempts, func() error {
		err := tm.Store.InsertTrip(trip)
		if errors.Is(err, db.ErrActiveTripExists) {
			raced = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if raced {
		// Another writer opened the trip between our check and the insert.
		// Our row never landed, so append to the winner instead of
		// announcing a trip that does not exist.
		active, err := tm.Store.ActiveTrip(sig.VehicleID)
		if err != nil || active == nil {
			return err
		}
		return tm.appendTripPoint(ctx, active.ID, sig, true)
	}

	monitoring.Logf("vehicle %s: trip started at %s (%s)",
		sig.VehicleID, sig.ProviderTime.Format(time.RFC3339), orUnset(startPlace))
	tm.Events.Publish(tm.event(EventTripStarted, sig, map[string]float64{
		"soc_pct":  sig.SocPct,
		"odometer": sig.OdometerMiles,
	}))

	return tm.appendTripPoint(ctx, trip.ID, sig, true)
}

// startLocation picks the trip's start point. A trip that begins minutes
// after the previous one ended continues from that trip's end, keeping the
// vehicle's daily path continuous instead of jumping to a fresh geocode.
func (tm *TripManager) startLocation(ctx context.Context, sig *Signal) (lat, lon float64, place string) {
	lat, lon = sig.Latitude, sig.Longitude

	dayStart := sig.ProviderTime.Truncate(24 * time.Hour)
	if prev, err := tm.Store.LastClosedTripSince(sig.VehicleID, dayStart); err == nil && prev != nil {
		if prev.EndLat.Valid && prev.EndLon.Valid {
			lat, lon = prev.EndLat.Float64, prev.EndLon.Float64
		}
		if prev.EndPlace.Valid {
			return lat, lon, prev.EndPlace.String
		}
	}

	resolved, err := tm.Places.Resolve(ctx, lat, lon, StateTrip)
	if err != nil {
		monitoring.Logf("start place resolution failed for %s: %v", sig.VehicleID, err)
		return lat, lon, ""
	}
	return lat, lon, resolved.DisplayName
}

// confirmParking fires after the grace window with no contradicting
// ignition. It closes the active trip and opens a parking session.
func (tm *TripManager) confirmParking(ctx context.Context, sig *Signal) error {
	trip, err := tm.Store.ActiveTrip(sig.VehicleID)
	if err != nil {
		return err
	}
	if trip != nil {
		if err := tm.endTrip(ctx, trip, sig); err != nil {
			return err
		}
	}

	if session, err := tm.Store.CurrentParkingSession(sig.VehicleID); err == nil && session != nil {
		// Already parked; nothing to open.
		return nil
	}

	place := ""
	if resolved, err := tm.Places.Resolve(ctx, sig.Latitude, sig.Longitude, StateParked); err == nil {
		place = resolved.DisplayName
	}

	session := &db.ParkingSession{
		ID:              uuid.NewString(),
		VehicleID:       sig.VehicleID,
		ParkingStart:    sig.ProviderTime,
		IgnitionOffTime: sig.ProviderTime,
		Latitude:        sql.NullFloat64{Float64: sig.Latitude, Valid: true},
		Longitude:       sql.NullFloat64{Float64: sig.Longitude, Valid: true},
	}
	if place != "" {
		session.PlaceName = sql.NullString{String: place, Valid: true}
	}
	if err := tm.Store.InsertParkingSession(session); err != nil {
		return err
	}

	monitoring.Logf("vehicle %s: parking confirmed at %s (%s)",
		sig.VehicleID, sig.ProviderTime.Format(time.RFC3339), orUnset(place))
	tm.Events.Publish(tm.event(EventParkingConfirmed, sig, nil))
	return nil
}

// endTrip closes the trip, preferring the provider's per-trip distance over
// GPS accumulation.
func (tm *TripManager) endTrip(ctx context.Context, trip *db.Trip, sig *Signal) error {
	off := sig.ProviderTime
	points, err := tm.Store.TripRoutePoints(trip.ID)
	if err != nil {
		monitoring.Logf("failed to load route for trip %s: %v", trip.ID, err)
	}

	gpsMiles := routeDistanceMiles(points, sig)
	distance := gpsMiles
	source := "gps"

	if authority, ok := tm.authorityDistance(ctx, trip, off); ok {
		if gpsMiles > 0 {
			monitoring.Logf("trip %s distance: authority %.2f mi vs gps %.2f mi, using authority",
				trip.ID, authority, gpsMiles)
		}
		distance = authority
		source = "authority"
	}

	trip.IgnitionOff = sql.NullFloat64{Float64: float64(off.UnixNano()) / 1e9, Valid: true}
	trip.EndLat = sql.NullFloat64{Float64: sig.Latitude, Valid: true}
	trip.EndLon = sql.NullFloat64{Float64: sig.Longitude, Valid: true}
	trip.EndOdometer = sql.NullFloat64{Float64: sig.OdometerMiles, Valid: true}
	if distance > 0 {
		trip.DistanceMiles = sql.NullFloat64{Float64: distance, Valid: true}
	}
	if drain, ok := batteryUsed(points, sig); ok {
		trip.BatteryUsedPct = sql.NullFloat64{Float64: drain, Valid: true}
	}
	if resolved, err := tm.Places.Resolve(ctx, sig.Latitude, sig.Longitude, StateParked); err == nil && resolved.DisplayName != "" {
		trip.EndPlace = sql.NullString{String: resolved.DisplayName, Valid: true}
	}

	if err := db.Retry(ctx, db.WriteAttempts, func() error {
		return tm.Store.CloseTrip(trip)
	}); err != nil {
		return err
	}

	runTime := off.Sub(trip.IgnitionOnTime)
	monitoring.Logf("vehicle %s: trip ended after %s, %.2f mi (%s)",
		sig.VehicleID, runTime.Round(time.Second), distance, source)
	tm.Events.Publish(tm.event(EventTripEnded, sig, map[string]float64{
		"distance_miles": distance,
		"run_seconds":    runTime.Seconds(),
	}))
	return nil
}

// authorityDistance asks the provider for its own figure for this trip,
// matched by start-time proximity.
func (tm *TripManager) authorityDistance(ctx context.Context, trip *db.Trip, off time.Time) (float64, bool) {
	tolerance := tm.Cfg.GetTripDistanceTolerance()
	providerTrips, err := tm.Provider.GetTripsInRange(
		ctx, trip.VehicleID, trip.IgnitionOnTime.Add(-tolerance), off.Add(tolerance))
	if err != nil {
		monitoring.Logf("distance authority unavailable for trip %s: %v", trip.ID, err)
		return 0, false
	}
	for _, pt := range providerTrips {
		delta := pt.StartTime.Sub(trip.IgnitionOnTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance {
			return units.KmToMiles(pt.DistanceKm), true
		}
	}
	return 0, false
}

// recordRoutePoint appends to the vehicle route log at adaptive density:
// time or distance gated while on a trip, ignition edges only while parked.
// tripPointDone marks signals the caller already appended to the trip's
// bounded history.
func (tm *TripManager) recordRoutePoint(ctx context.Context, sig *Signal, d *Derivation, track *vehicleTrack, ignitionEdge, tripPointDone bool) error {
	onTrip := d.State == StateTrip
	if !onTrip && !ignitionEdge {
		return nil
	}

	if onTrip && track.hasPoint && !ignitionEdge {
		elapsed := sig.ProviderTime.Sub(track.lastPointTime)
		moved := geo.Distance(sig.Point(), orb.Point{track.lastPointLon, track.lastPointLat})
		if elapsed < tm.Cfg.GetTripRoutePointInterval() && moved < tm.Cfg.GetTripRoutePointDistanceM() {
			return nil
		}
	}

	point := &db.RoutePoint{
		VehicleID:    sig.VehicleID,
		Time:         sig.ProviderTime,
		Latitude:     sig.Latitude,
		Longitude:    sig.Longitude,
		BatteryLevel: sql.NullFloat64{Float64: sig.SocPct, Valid: true},
		Ignition:     string(sig.Ignition),
		IsMoving:     d.Verdict == VerdictMoving || (onTrip && sig.Ignition.Engaged()),
	}
	if track.hasPoint {
		meters := geo.Distance(sig.Point(), orb.Point{track.lastPointLon, track.lastPointLat})
		seconds := sig.ProviderTime.Sub(track.lastPointTime).Seconds()
		if kmh := units.KmhFromMeters(meters, seconds); kmh > 0 {
			point.SpeedKmh = sql.NullFloat64{Float64: kmh, Valid: true}
		}
	}

	if err := db.Retry(ctx, db.WriteAttempts, func() error {
		return tm.Store.InsertRoutePoint(point)
	}); err != nil {
		return err
	}

	track.lastPointTime = sig.ProviderTime
	track.lastPointLat = sig.Latitude
	track.lastPointLon = sig.Longitude
	track.hasPoint = true

	if onTrip && !tripPointDone {
		if active, err := tm.Store.ActiveTrip(sig.VehicleID); err == nil && active != nil {
			return tm.appendTripPoint(ctx, active.ID, sig, point.IsMoving)
		}
	}
	return nil
}

func (tm *TripManager) appendTripPoint(ctx context.Context, tripID string, sig *Signal, moving bool) error {
	p := &db.TripRoutePoint{
		Time:         sig.ProviderTime,
		Latitude:     sig.Latitude,
		Longitude:    sig.Longitude,
		BatteryLevel: sql.NullFloat64{Float64: sig.SocPct, Valid: true},
		Ignition:     sql.NullString{String: string(sig.Ignition), Valid: true},
		IsMoving:     moving,
	}
	return db.Retry(ctx, db.WriteAttempts, func() error {
		return tm.Store.AppendTripRoutePoint(tripID, p, tm.Cfg.GetTripMaxRoutePoints())
	})
}

// checkGeofence synthesizes a boundary route point when the vehicle leaves
// the depot circle, so the trip detector fires even while raw movement
// detection is still debouncing.
func (tm *TripManager) checkGeofence(ctx context.Context, sig *Signal, track *vehicleTrack) {
	centerLat := tm.Cfg.GetDepotLatitude()
	centerLon := tm.Cfg.GetDepotLongitude()
	radius := tm.Cfg.GetDepotRadiusMeters()
	if radius <= 0 {
		return
	}

	dist := geo.Distance(orb.Point{centerLon, centerLat}, sig.Point())
	inside := dist <= radius

	wasInside := track.insideDepot
	had := track.hasGeofence
	track.insideDepot = inside
	track.hasGeofence = true

	if !had || !wasInside || inside {
		return
	}

	// Exit detected: drop a virtual point on the boundary, slightly before
	// the real sample.
	f := radius / dist
	boundary := &db.RoutePoint{
		VehicleID:    sig.VehicleID,
		Time:         sig.ProviderTime.Add(-time.Second),
		Latitude:     centerLat + (sig.Latitude-centerLat)*f,
		Longitude:    centerLon + (sig.Longitude-centerLon)*f,
		BatteryLevel: sql.NullFloat64{Float64: sig.SocPct, Valid: true},
		Ignition:     string(sig.Ignition),
		IsMoving:     true,
		Synthetic:    true,
	}
	if err := tm.Store.InsertRoutePoint(boundary); err != nil {
		monitoring.Logf("failed to record geofence exit for %s: %v", sig.VehicleID, err)
		return
	}
	monitoring.Logf("vehicle %s: left depot geofence (%.0fm from center)", sig.VehicleID, dist)
}

func (tm *TripManager) event(kind string, sig *Signal, metrics map[string]float64) Event {
	return Event{
		Kind:      kind,
		VehicleID: sig.VehicleID,
		Time:      sig.ProviderTime,
		Latitude:  sig.Latitude,
		Longitude: sig.Longitude,
		Metrics:   metrics,
	}
}

// routeDistanceMiles accumulates consecutive-fix distance over the trip's
// recorded route, ending at the closing signal.
func routeDistanceMiles(points []db.TripRoutePoint, last *Signal) float64 {
	var meters float64
	for i := 1; i < len(points); i++ {
		meters += geo.Distance(
			orb.Point{points[i-1].Longitude, points[i-1].Latitude},
			orb.Point{points[i].Longitude, points[i].Latitude},
		)
	}
	if n := len(points); n > 0 {
		meters += geo.Distance(
			orb.Point{points[n-1].Longitude, points[n-1].Latitude},
			last.Point(),
		)
	}
	return units.MetersToMiles(meters)
}

// batteryUsed is the SoC delta from the first recorded point to the closing
// signal.
func batteryUsed(points []db.TripRoutePoint, last *Signal) (float64, bool) {
	for _, p := range points {
		if p.BatteryLevel.Valid {
			d := p.BatteryLevel.Float64 - last.SocPct
			if d >= 0 {
				return d, true
			}
			return 0, false
		}
	}
	return 0, false
}
