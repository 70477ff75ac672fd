package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/timeutil"
)

func TestGraceTimers_FiresAfterDelay(t *testing.T) {
	g := newGraceTimers(timeutil.RealClock{})
	var fired atomic.Bool

	g.Schedule("veh-1", graceParkingConfirm, 10*time.Millisecond, func() {
		fired.Store(true)
	})
	if !g.Pending("veh-1", graceParkingConfirm) {
		t.Fatal("timer not pending after Schedule")
	}

	waitFor(t, "grace timer to fire", fired.Load)
	if g.Pending("veh-1", graceParkingConfirm) {
		t.Error("timer still pending after firing")
	}
}

func TestGraceTimers_CancelPreventsFiring(t *testing.T) {
	g := newGraceTimers(timeutil.RealClock{})
	var fired atomic.Bool

	g.Schedule("veh-1", graceParkingConfirm, 20*time.Millisecond, func() {
		fired.Store(true)
	})
	if !g.Cancel("veh-1", graceParkingConfirm) {
		t.Fatal("Cancel reported nothing pending")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("canceled timer fired anyway")
	}
	if g.Cancel("veh-1", graceParkingConfirm) {
		t.Error("second Cancel reported a pending timer")
	}
}

func TestGraceTimers_CancelAfterExpiryNeverRuns(t *testing.T) {
	// The tick and a Cancel can land at the same instant: the mock clock
	// buffers the tick before Cancel takes the lock, and the worker's
	// select may then pick the timer channel anyway. A successful Cancel
	// must still win.
	clock := timeutil.NewMockClock(time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC))
	g := newGraceTimers(clock)

	for i := 0; i < 200; i++ {
		ran := make(chan struct{})
		g.Schedule("veh-1", graceParkingConfirm, time.Minute, func() {
			close(ran)
		})

		clock.Advance(time.Minute)
		if g.Cancel("veh-1", graceParkingConfirm) {
			select {
			case <-ran:
				t.Fatalf("iteration %d: Cancel returned true but the action ran", i)
			case <-time.After(2 * time.Millisecond):
			}
		} else {
			// The worker claimed the entry first; the action must run.
			select {
			case <-ran:
			case <-time.After(time.Second):
				t.Fatalf("iteration %d: expired action never ran", i)
			}
		}
	}
}

func TestGraceTimers_RescheduleReplaces(t *testing.T) {
	g := newGraceTimers(timeutil.RealClock{})
	var first, second atomic.Bool

	g.Schedule("veh-1", graceIgnitionCycle, 20*time.Millisecond, func() {
		first.Store(true)
	})
	g.Schedule("veh-1", graceIgnitionCycle, 20*time.Millisecond, func() {
		second.Store(true)
	})

	waitFor(t, "replacement timer to fire", second.Load)
	if first.Load() {
		t.Error("replaced timer fired")
	}
}

func TestGraceTimers_KindsAreIndependent(t *testing.T) {
	g := newGraceTimers(timeutil.RealClock{})
	var confirm atomic.Bool

	g.Schedule("veh-1", graceParkingConfirm, 10*time.Millisecond, func() {
		confirm.Store(true)
	})
	g.Schedule("veh-1", graceIgnitionCycle, time.Hour, func() {})

	if !g.Cancel("veh-1", graceIgnitionCycle) {
		t.Fatal("cycle timer not pending")
	}
	waitFor(t, "confirm timer to fire", confirm.Load)
}
