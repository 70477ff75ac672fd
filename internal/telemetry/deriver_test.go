package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/timeutil"
)

func newTestDeriver(t *testing.T) (*StateDeriver, *timeutil.MockClock) {
	t.Helper()
	store := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC))
	detector := NewParkingDetector(store, testConfig(), clock)
	return NewStateDeriver(store, detector, &fakePlaces{name: "Central & Fillmore"}, testSites(), clock), clock
}

// seedStationary gives the detector enough history at the location to call
// the vehicle stationary.
func seedStationary(t *testing.T, sd *StateDeriver, clock *timeutil.MockClock, vehicleID string, lat, lon float64) {
	t.Helper()
	now := clock.Now()
	for i := 0; i < 3; i++ {
		seedPoint(t, sd.Store, vehicleID, now.Add(time.Duration(i-3)*time.Minute), lat, lon)
	}
}

// seedMoving gives the detector history with large consecutive drift.
func seedMoving(t *testing.T, sd *StateDeriver, clock *timeutil.MockClock, vehicleID string, lat, lon float64) {
	t.Helper()
	now := clock.Now()
	for i := 0; i < 3; i++ {
		seedPoint(t, sd.Store, vehicleID, now.Add(time.Duration(i-3)*time.Minute),
			lat+latForMeters(float64(i)*300), lon)
	}
}

func TestDerive_PluggedInWinsOverIgnition(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedStationary(t, sd, clock, "veh-1", testDepotLat, testDepotLon)

	sig := makeSignal("veh-1", clock.Now(), IgnitionOn, testDepotLat, testDepotLon)
	sig.PluggedIn = true

	d, err := sd.Derive(context.Background(), sig)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if d.State != StateCharging {
		t.Errorf("plugged-in state = %q, want %q", d.State, StateCharging)
	}
}

func TestDerive_StationaryOverridesIgnitionOn(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedStationary(t, sd, clock, "veh-1", testSiteLat, testSiteLon)

	// Idling in the yard: ignition On but no movement.
	sig := makeSignal("veh-1", clock.Now(), IgnitionOn, testSiteLat, testSiteLon)
	d, err := sd.Derive(context.Background(), sig)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if d.State != StateParked {
		t.Errorf("idling state = %q, want %q", d.State, StateParked)
	}
	if d.Verdict != VerdictStationary {
		t.Errorf("verdict = %v, want stationary", d.Verdict)
	}
}

func TestDerive_MovingEngagedIsTrip(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedMoving(t, sd, clock, "veh-1", testDepotLat, testDepotLon)

	sig := makeSignal("veh-1", clock.Now(), IgnitionRun, testDepotLat, testDepotLon)
	d, err := sd.Derive(context.Background(), sig)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if d.State != StateTrip {
		t.Errorf("moving engaged state = %q, want %q", d.State, StateTrip)
	}
}

func TestDerive_ColdStartAtSiteIsParked(t *testing.T) {
	sd, clock := newTestDeriver(t)

	// No history at all, first signal ever, sitting inside the yard fence.
	sig := makeSignal("veh-1", clock.Now(), IgnitionOff, testSiteLat, testSiteLon)
	d, err := sd.Derive(context.Background(), sig)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if d.State != StateParked {
		t.Errorf("cold start state = %q, want %q", d.State, StateParked)
	}
	if d.Verdict != VerdictUnknown {
		t.Errorf("verdict = %v, want unknown", d.Verdict)
	}
}

func TestDerive_StateSinceOnlyMovesOnTransition(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedStationary(t, sd, clock, "veh-1", testSiteLat, testSiteLon)
	ctx := context.Background()

	t0 := clock.Now()
	d1, err := sd.Derive(ctx, makeSignal("veh-1", t0, IgnitionOff, testSiteLat, testSiteLon))
	if err != nil {
		t.Fatalf("first Derive failed: %v", err)
	}
	if !d1.Changed || !d1.StateSince.Equal(t0) {
		t.Fatalf("first derivation: changed=%t since=%v, want transition at %v", d1.Changed, d1.StateSince, t0)
	}

	// Same state five minutes later: the since timestamp must not slide.
	clock.Advance(5 * time.Minute)
	seedStationary(t, sd, clock, "veh-1", testSiteLat, testSiteLon)
	d2, err := sd.Derive(ctx, makeSignal("veh-1", clock.Now(), IgnitionOff, testSiteLat, testSiteLon))
	if err != nil {
		t.Fatalf("second Derive failed: %v", err)
	}
	if d2.Changed {
		t.Error("unchanged state reported as transition")
	}
	if !d2.StateSince.Equal(t0) {
		t.Errorf("StateSince slid to %v, want %v", d2.StateSince, t0)
	}

	cur := sd.Current("veh-1")
	if cur == nil || !cur.StateSince.Equal(t0) {
		t.Errorf("arena StateSince = %v, want %v", cur.StateSince, t0)
	}
}

func TestDerive_RederivationIsIdempotent(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedStationary(t, sd, clock, "veh-1", testSiteLat, testSiteLon)
	ctx := context.Background()

	sig := makeSignal("veh-1", clock.Now(), IgnitionOff, testSiteLat, testSiteLon)
	d1, err := sd.Derive(ctx, sig)
	if err != nil {
		t.Fatalf("first Derive failed: %v", err)
	}
	d2, err := sd.Derive(ctx, sig)
	if err != nil {
		t.Fatalf("second Derive failed: %v", err)
	}

	if d2.State != d1.State || !d2.StateSince.Equal(d1.StateSince) {
		t.Errorf("re-derivation drifted: (%q, %v) vs (%q, %v)",
			d1.State, d1.StateSince, d2.State, d2.StateSince)
	}
	if d2.Changed {
		t.Error("re-derivation of the same signal reported a transition")
	}
}

func TestDerive_PlaceResolvedOnTransitionOnly(t *testing.T) {
	store := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC))
	detector := NewParkingDetector(store, testConfig(), clock)
	places := &fakePlaces{name: "Central & Fillmore"}
	sd := NewStateDeriver(store, detector, places, testSites(), clock)
	ctx := context.Background()

	now := clock.Now()
	for i := 0; i < 3; i++ {
		seedPoint(t, store, "veh-1", now.Add(time.Duration(i-3)*time.Minute), testDepotLat, testDepotLon)
	}

	if _, err := sd.Derive(ctx, makeSignal("veh-1", now, IgnitionOff, testDepotLat, testDepotLon)); err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if places.calls != 1 {
		t.Fatalf("resolver calls after transition = %d, want 1", places.calls)
	}

	// Same state again: cached place, no second lookup.
	if _, err := sd.Derive(ctx, makeSignal("veh-1", now.Add(time.Minute), IgnitionOff, testDepotLat, testDepotLon)); err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if places.calls != 1 {
		t.Errorf("resolver calls after steady state = %d, want 1", places.calls)
	}

	cur := sd.Current("veh-1")
	if !cur.PlaceName.Valid || cur.PlaceName.String != "Central & Fillmore" {
		t.Errorf("cached place = %+v, want Central & Fillmore", cur.PlaceName)
	}
}

func TestDerive_RehydrateRestoresArena(t *testing.T) {
	sd, clock := newTestDeriver(t)
	seedStationary(t, sd, clock, "veh-1", testSiteLat, testSiteLon)

	t0 := clock.Now()
	if _, err := sd.Derive(context.Background(), makeSignal("veh-1", t0, IgnitionOff, testSiteLat, testSiteLon)); err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	// A fresh deriver over the same store stands for a process restart.
	fresh := NewStateDeriver(sd.Store, sd.Detector, sd.Places, sd.Sites, clock)
	if fresh.Current("veh-1") != nil {
		t.Fatal("fresh deriver has state before rehydration")
	}
	if err := fresh.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	cur := fresh.Current("veh-1")
	if cur == nil {
		t.Fatal("rehydrated state missing")
	}
	if cur.State != StateParked || !cur.StateSince.Equal(t0) {
		t.Errorf("rehydrated state = (%q, %v), want (%q, %v)", cur.State, cur.StateSince, StateParked, t0)
	}
}
