package timeutil

import (
	"testing"
	"time"
)

var baseTime = time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC)

func TestMockClock_AdvanceMovesNow(t *testing.T) {
	c := NewMockClock(baseTime)

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(baseTime.Add(90 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, baseTime.Add(90*time.Second))
	}
	if got := c.Since(baseTime); got != 90*time.Second {
		t.Errorf("Since(base) = %v, want 90s", got)
	}
}

func TestMockTimer_FiresAtDeadline(t *testing.T) {
	c := NewMockClock(baseTime)
	timer := c.NewTimer(time.Minute)

	c.Advance(59 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-timer.C():
		if !fired.Equal(baseTime.Add(time.Minute)) {
			t.Errorf("fired at %v, want %v", fired, baseTime.Add(time.Minute))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestMockTimer_StopSemantics(t *testing.T) {
	c := NewMockClock(baseTime)
	timer := c.NewTimer(time.Minute)

	if !timer.Stop() {
		t.Error("Stop on an active timer should report true")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}

	c.Advance(2 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockTimer_FiresOnce(t *testing.T) {
	c := NewMockClock(baseTime)
	timer := c.NewTimer(time.Minute)

	c.Advance(time.Minute)
	<-timer.C()

	c.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("timer fired twice")
	default:
	}
}

func TestMockClock_After(t *testing.T) {
	c := NewMockClock(baseTime)
	ch := c.After(30 * time.Second)

	c.Advance(30 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not receive")
	}
}

func TestMockTicker_TicksAndStops(t *testing.T) {
	c := NewMockClock(baseTime)
	ticker := c.NewTicker(10 * time.Second)

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected first tick")
	}

	// The buffered channel holds one tick; a large advance still delivers
	// only what the consumer can drain.
	c.Advance(time.Minute)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected tick after long advance")
	}

	ticker.Stop()
	drain(ticker.C())
	c.Advance(time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func drain(ch <-chan time.Time) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
