package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// countingProvider fails every poll but counts the attempts.
type countingProvider struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *countingProvider) GetSignal(ctx context.Context, vehicleID string) (*Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[vehicleID]++
	if vehicleID == "veh-panic" {
		panic("provider exploded")
	}
	return nil, ErrProviderUnavailable
}

func (p *countingProvider) GetTripsInRange(ctx context.Context, vehicleID string, start, end time.Time) ([]ProviderTrip, error) {
	return nil, nil
}

func (p *countingProvider) count(vehicleID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[vehicleID]
}

func TestScheduler_Interval(t *testing.T) {
	s := NewScheduler(nil, nil, testConfig(), timeutil.RealClock{})

	cases := []struct {
		hour int
		want time.Duration
	}{
		{5, 10 * time.Minute}, // before opening
		{6, 5 * time.Second},  // opening hour
		{13, 5 * time.Second},
		{19, 5 * time.Second}, // last business hour
		{20, 10 * time.Minute},
		{23, 10 * time.Minute},
	}
	for _, tc := range cases {
		at := time.Date(2026, 5, 11, tc.hour, 30, 0, 0, time.Local)
		if got := s.Interval(at); got != tc.want {
			t.Errorf("Interval(%02d:30) = %s, want %s", tc.hour, got, tc.want)
		}
	}
}

func TestScheduler_PollAllIsolatesPanics(t *testing.T) {
	provider := &countingProvider{}
	engine := &Engine{Provider: provider}
	s := NewScheduler(engine, []string{"veh-panic", "veh-ok"}, testConfig(), timeutil.RealClock{})

	// Must return despite the panicking vehicle, and the healthy one must
	// still have been polled.
	s.PollAll(context.Background())

	if provider.count("veh-panic") != 1 {
		t.Errorf("panicking vehicle polled %d times, want 1", provider.count("veh-panic"))
	}
	if provider.count("veh-ok") != 1 {
		t.Errorf("healthy vehicle polled %d times, want 1", provider.count("veh-ok"))
	}
}

func TestScheduler_RebuildsTickerAtBusinessBoundary(t *testing.T) {
	provider := &countingProvider{}
	engine := &Engine{Provider: provider}
	cfg := testConfig()

	// Two seconds before close of business, local time.
	start := time.Date(2026, 5, 11, 19, 59, 58, 0, time.Local)
	clock := timeutil.NewMockClock(start)
	s := NewScheduler(engine, []string{"veh-1"}, cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// First business-interval tick lands past the boundary, so the cycle
	// runs and the ticker is rebuilt at the off-hours cadence.
	clock.Advance(5 * time.Second)
	waitFor(t, "first poll", func() bool { return provider.count("veh-1") == 1 })
	time.Sleep(50 * time.Millisecond) // let the rebuild land

	// The old 5 s cadence must be gone.
	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := provider.count("veh-1"); got != 1 {
		t.Fatalf("poll count after stale-cadence advance = %d, want 1", got)
	}

	// The off-hours cadence fires.
	clock.Advance(10 * time.Minute)
	waitFor(t, "off-hours poll", func() bool { return provider.count("veh-1") == 2 })

	cancel()
	<-done
}
