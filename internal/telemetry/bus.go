// Package telemetry implements a lightweight in-process event bus.
//
// Subsystems emit named events with integer measurements and string metadata;
// observers (metrics export, request logging, tests) subscribe for fan-out.
// Emission is synchronous and never blocks on I/O — observers that need to do
// slow work must hand the event off to their own goroutine.
package telemetry

import (
	"sync"
	"time"
)

// Event names emitted by the gateway core.
const (
	EventRouterDecide     = "router.decide"
	EventStreamStart      = "stream.start"
	EventStreamStop       = "stream.stop"
	EventStreamError      = "stream.error"
	EventRateLimitBlocked = "ratelimit.blocked"
	EventFailoverAttempt  = "failover.attempt"
	EventQueueEnqueued    = "queue.enqueued"
)

// Event is a single named observation.
type Event struct {
	Name         string
	Measurements map[string]int64
	Metadata     map[string]string
	At           time.Time
}

// Observer receives every emitted event.
type Observer func(Event)

// Bus fans events out to registered observers. Safe for concurrent use.
// A nil *Bus is valid and drops all events, so callers never need nil checks.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers an observer. Observers registered after an Emit do not
// receive past events.
func (b *Bus) Subscribe(fn Observer) {
	if b == nil || fn == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Emit delivers the event to every observer in subscription order.
// The measurement and metadata maps are owned by the bus after the call;
// callers must not mutate them afterwards.
func (b *Bus) Emit(name string, measurements map[string]int64, metadata map[string]string) {
	if b == nil {
		return
	}
	ev := Event{
		Name:         name,
		Measurements: measurements,
		Metadata:     metadata,
		At:           time.Now(),
	}

	b.mu.RLock()
	obs := b.observers
	b.mu.RUnlock()

	for _, fn := range obs {
		fn(ev)
	}
}
