package telemetry

import (
	"testing"
	"time"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Kind: EventTripStarted, VehicleID: "veh-1", Time: time.Now()})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Kind != EventTripStarted {
				t.Errorf("subscriber %s got %q", name, e.Kind)
			}
		default:
			t.Errorf("subscriber %s got nothing", name)
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()

	// Closed on cancel; a receive drains immediately.
	if _, ok := <-ch; ok {
		t.Error("canceled subscription delivered an event")
	}

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(Event{Kind: EventTripEnded, VehicleID: "veh-1"})
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Kind: EventIgnitionOn, VehicleID: "veh-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
