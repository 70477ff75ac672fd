package telemetry

import (
	"sync"
	"time"

	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// Grace-period kinds used by the lifecycle manager.
const (
	graceParkingConfirm = "parking_confirm"
	graceIgnitionCycle  = "ignition_cycle"
)

// graceTimers tracks pending deferred actions per vehicle. A contradicting
// signal cancels the pending timer before it fires; the action then never
// runs, which is stronger than running and ignoring it.
type graceTimers struct {
	clock timeutil.Clock

	mu      sync.Mutex
	pending map[string]*graceEntry
}

type graceEntry struct {
	timer    timeutil.Timer
	canceled chan struct{}
}

func newGraceTimers(clock timeutil.Clock) *graceTimers {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &graceTimers{clock: clock, pending: make(map[string]*graceEntry)}
}

func graceKey(vehicleID, kind string) string {
	return vehicleID + "/" + kind
}

// Schedule arms a deferred action. An existing pending action of the same
// kind for the vehicle is replaced.
func (g *graceTimers) Schedule(vehicleID, kind string, delay time.Duration, fn func()) {
	key := graceKey(vehicleID, kind)

	g.mu.Lock()
	if old, ok := g.pending[key]; ok {
		old.timer.Stop()
		close(old.canceled)
	}
	entry := &graceEntry{
		timer:    g.clock.NewTimer(delay),
		canceled: make(chan struct{}),
	}
	g.pending[key] = entry
	g.mu.Unlock()

	monitoring.Debugf("grace timer armed: %s in %s", key, delay)

	go func() {
		select {
		case <-entry.timer.C():
		case <-entry.canceled:
			return
		}

		// The tick can race a concurrent Cancel: the select may pick the
		// timer channel even though the entry was already removed and its
		// canceled channel closed. Ownership under the lock decides; only
		// the goroutine that removes the entry runs the action.
		g.mu.Lock()
		if g.pending[key] != entry {
			g.mu.Unlock()
			return
		}
		delete(g.pending, key)
		g.mu.Unlock()
		fn()
	}()
}

// Cancel aborts a pending action. Reports whether one was pending.
func (g *graceTimers) Cancel(vehicleID, kind string) bool {
	key := graceKey(vehicleID, kind)

	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[key]
	if !ok {
		return false
	}
	delete(g.pending, key)
	entry.timer.Stop()
	close(entry.canceled)
	monitoring.Debugf("grace timer canceled: %s", key)
	return true
}

// Pending reports whether an action of the given kind is armed.
func (g *graceTimers) Pending(vehicleID, kind string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[graceKey(vehicleID, kind)]
	return ok
}
