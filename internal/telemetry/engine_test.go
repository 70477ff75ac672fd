package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/timeutil"
)

func newTestEngine(t *testing.T, provider *fakeProvider) *Engine {
	t.Helper()
	store := newTestStore(t)
	cfg := testConfig()
	clock := timeutil.RealClock{}
	places := &fakePlaces{name: "Central & Fillmore"}
	detector := NewParkingDetector(store, cfg, clock)
	return &Engine{
		Provider: provider,
		Filter:   NewSignalFilter(store, cfg),
		Deriver:  NewStateDeriver(store, detector, places, testSites(), clock),
		Trips:    NewTripManager(store, provider, places, cfg, clock, NewBus()),
	}
}

func TestEngine_ProcessVehicleEndToEnd(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, provider)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Second)

	provider.push(makeSignal("veh-1", base, IgnitionOff, testSiteLat, testSiteLon))
	if err := e.ProcessVehicle(ctx, "veh-1"); err != nil {
		t.Fatalf("ProcessVehicle failed: %v", err)
	}

	stored, err := e.Filter.Store.LatestSignal("veh-1")
	if err != nil || stored == nil {
		t.Fatalf("signal not persisted (err=%v)", err)
	}

	cur := e.Deriver.Current("veh-1")
	if cur == nil {
		t.Fatal("no canonical state after processing")
	}
	// First signal ever, no movement history, inside the yard fence.
	if cur.State != StateParked {
		t.Errorf("state = %q, want %q", cur.State, StateParked)
	}
}

func TestEngine_SkippedSignalStopsPipeline(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, provider)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Second)

	provider.push(makeSignal("veh-1", base, IgnitionOff, testSiteLat, testSiteLon))
	if err := e.ProcessVehicle(ctx, "veh-1"); err != nil {
		t.Fatalf("first ProcessVehicle failed: %v", err)
	}
	first := e.Deriver.Current("veh-1")

	// An unchanged signal half a minute later is filtered out before the
	// deriver ever sees it.
	provider.push(makeSignal("veh-1", base.Add(30*time.Second), IgnitionOff, testSiteLat, testSiteLon))
	if err := e.ProcessVehicle(ctx, "veh-1"); err != nil {
		t.Fatalf("second ProcessVehicle failed: %v", err)
	}

	cur := e.Deriver.Current("veh-1")
	if !cur.LastSignal.Equal(first.LastSignal) {
		t.Errorf("skipped signal advanced the canonical state: %v vs %v", cur.LastSignal, first.LastSignal)
	}
}

func TestEngine_ProviderErrorsAreClassified(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, provider)
	ctx := context.Background()

	// Empty queue reads as an outage.
	err := e.ProcessVehicle(ctx, "veh-1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("outage error = %v, want ErrProviderUnavailable", err)
	}

	provider.err = ErrProviderAuthExpired
	err = e.ProcessVehicle(ctx, "veh-1")
	if !errors.Is(err, ErrProviderAuthExpired) {
		t.Errorf("auth error = %v, want ErrProviderAuthExpired passthrough", err)
	}
}
