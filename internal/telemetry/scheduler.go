package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// Scheduler drives the pipeline at an adaptive cadence: tight polling
// during business hours, slow off-hours. The boundary is re-evaluated every
// cycle and the ticker is rebuilt when it crosses.
type Scheduler struct {
	Engine   *Engine
	Vehicles []string
	Cfg      *config.TuningConfig
	Clock    timeutil.Clock
}

func NewScheduler(engine *Engine, vehicles []string, cfg *config.TuningConfig, clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{Engine: engine, Vehicles: vehicles, Cfg: cfg, Clock: clock}
}

// Interval returns the polling interval in effect at t.
func (s *Scheduler) Interval(t time.Time) time.Duration {
	hour := t.Hour()
	if hour >= s.Cfg.GetBusinessHoursStart() && hour < s.Cfg.GetBusinessHoursEnd() {
		return s.Cfg.GetBusinessInterval()
	}
	return s.Cfg.GetOffHoursInterval()
}

// Run polls until the context ends. Call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	current := s.Interval(s.Clock.Now())
	ticker := s.Clock.NewTicker(current)
	defer func() { ticker.Stop() }()

	monitoring.Logf("polling scheduler started: %d vehicles, interval=%s", len(s.Vehicles), current)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("polling scheduler stopped")
			return ctx.Err()
		case <-ticker.C():
			s.PollAll(ctx)

			if next := s.Interval(s.Clock.Now()); next != current {
				monitoring.Logf("polling interval %s -> %s (business hours boundary)", current, next)
				ticker.Stop()
				ticker = s.Clock.NewTicker(next)
				current = next
			}
		}
	}
}

// PollAll fans out one unit of work per vehicle and waits for the cycle to
// finish. A vehicle's failure, including a panic, never reaches the others.
func (s *Scheduler) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, vehicleID := range s.Vehicles {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					monitoring.Logf("panic while polling %s: %v", id, r)
				}
			}()
			if err := s.Engine.ProcessVehicle(ctx, id); err != nil {
				monitoring.Logf("polling %s failed: %v", id, err)
			}
		}(vehicleID)
	}
	wg.Wait()
}
