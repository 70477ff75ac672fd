package telemetry

import (
	"sync"
	"time"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// Event kinds emitted for collaborators. Delivery beyond the bus is not
// this engine's concern.
const (
	EventTripStarted      = "trip_started"
	EventTripEnded        = "trip_ended"
	EventIgnitionOn       = "ignition_on"
	EventIgnitionOff      = "ignition_off"
	EventParkingConfirmed = "parking_confirmed"
)

// Event is one outbound notification.
type Event struct {
	Kind      string    `json:"kind"`
	VehicleID string    `json:"vehicle_id"`
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	// Metrics carries event-specific figures (distance, duration, soc).
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that stops draining loses events, logged, rather than stalling the
// pipeline.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			monitoring.Logf("event bus: subscriber %d full, dropping %s for %s", id, e.Kind, e.VehicleID)
		}
	}
}
