package telemetry

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
)

// Phoenix depot and a client site 5 km north.
const (
	testDepotLat = 33.4484
	testDepotLon = -112.0740
	testSiteLat  = 33.4934
	testSiteLon  = -112.0740
)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testConfig returns defaults with millisecond grace windows so lifecycle
// tests do not sleep for minutes.
func testConfig() *config.TuningConfig {
	cfg := config.EmptyTuningConfig()
	cfg.ParkingConfirmDelay = strp("30ms")
	cfg.ParkingIgnitionCycleWindow = strp("30ms")
	return cfg
}

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func testSites() *SiteDirectory {
	return NewSiteDirectory([]Site{
		{Name: "North Yard", Latitude: testSiteLat, Longitude: testSiteLon, RadiusMeters: 150},
	})
}

// fakeProvider is a scriptable Provider.
type fakeProvider struct {
	mu      sync.Mutex
	signals []*Signal
	trips   []ProviderTrip
	err     error
}

func (p *fakeProvider) push(sig *Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
}

func (p *fakeProvider) GetSignal(ctx context.Context, vehicleID string) (*Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if len(p.signals) == 0 {
		return nil, ErrProviderUnavailable
	}
	sig := p.signals[0]
	p.signals = p.signals[1:]
	return sig, nil
}

func (p *fakeProvider) GetTripsInRange(ctx context.Context, vehicleID string, start, end time.Time) ([]ProviderTrip, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.trips, nil
}

// fakePlaces resolves every coordinate to a fixed name and counts lookups.
type fakePlaces struct {
	mu    sync.Mutex
	name  string
	calls int
}

func (r *fakePlaces) Resolve(ctx context.Context, lat, lon float64, state string) (Place, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return Place{DisplayName: r.name, SourceKind: "geocode"}, nil
}

func makeSignal(vehicleID string, at time.Time, ignition IgnitionState, lat, lon float64) *Signal {
	return &Signal{
		VehicleID:     vehicleID,
		ProviderTime:  at,
		ReceivedTime:  at,
		Ignition:      ignition,
		Latitude:      lat,
		Longitude:     lon,
		OdometerMiles: 12000,
		SocPct:        80,
	}
}

func seedPoint(t *testing.T, store *db.DB, vehicleID string, at time.Time, lat, lon float64) {
	t.Helper()
	p := &db.RoutePoint{
		VehicleID:    vehicleID,
		Time:         at,
		Latitude:     lat,
		Longitude:    lon,
		BatteryLevel: sql.NullFloat64{Float64: 80, Valid: true},
		Ignition:     "Off",
	}
	if err := store.InsertRoutePoint(p); err != nil {
		t.Fatalf("InsertRoutePoint failed: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
