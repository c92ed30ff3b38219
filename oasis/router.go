package oasis

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Resolver answers address-existence questions for the router. The
// registry satisfies it.
type Resolver interface {
	Has(Address) bool
	Addresses() []Address
}

// Router buffers cross-instance events between control ticks.
//
// The pending buffer is a single slice in enqueue order, which preserves
// FIFO delivery per (source, target) pair for free. The buffer is bounded:
// at capacity, enqueueing evicts the oldest pending event and increments
// the dropped counter so telemetry can surface backpressure.
type Router struct {
	mu       sync.Mutex
	pending  []Event
	capacity int
	dropped  uint64
	resolver Resolver
}

// NewRouter creates a router bounded at capacity events. A capacity <= 0
// falls back to the default.
func NewRouter(resolver Resolver, capacity int) *Router {
	if capacity <= 0 {
		capacity = DefaultRouterCapacity
	}
	return &Router{capacity: capacity, resolver: resolver}
}

// Enqueue validates and buffers an event for delivery at the next drain.
// The source must be registered; a non-nil target must be registered too.
func (r *Router) Enqueue(ev Event) error {
	if ev.Type == "" {
		return Errf(KindInvalidInput, "event_type must not be empty")
	}
	if !r.resolver.Has(ev.Source) {
		return Errf(KindNotFound, "unknown source instance %s", ev.Source)
	}
	if ev.Target != nil && !r.resolver.Has(*ev.Target) {
		return Errf(KindNotFound, "unknown target instance %s", ev.Target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.capacity {
		evicted := r.pending[0]
		r.pending = r.pending[1:]
		r.dropped++
		logrus.Warnf("[router] buffer full (%d), dropped oldest event %s type=%s", r.capacity, evicted.ID, evicted.Type)
	}
	r.pending = append(r.pending, ev)
	return nil
}

// Drain atomically swaps out the pending buffer and expands it into
// per-target deliveries stamped with tickID. Broadcasts fan out to every
// registered instance except the source. Targets that unregistered since
// enqueue are skipped and counted as dropped.
func (r *Router) Drain(tickID uint64) []DeliveredEvent {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	now := time.Now().UTC()
	addrs := r.resolver.Addresses()
	var out []DeliveredEvent
	for _, ev := range batch {
		if ev.Broadcast() {
			for _, addr := range addrs {
				if addr == ev.Source {
					continue
				}
				out = append(out, delivered(ev, addr, tickID, now))
			}
			continue
		}
		if !r.resolver.Has(*ev.Target) {
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			logrus.Debugf("[router] target %s gone before tick %d, dropping event %s", ev.Target, tickID, ev.ID)
			continue
		}
		out = append(out, delivered(ev, *ev.Target, tickID, now))
	}
	return out
}

func delivered(ev Event, target Address, tickID uint64, now time.Time) DeliveredEvent {
	return DeliveredEvent{
		ID:            ev.ID,
		Source:        ev.Source,
		Target:        target,
		Type:          ev.Type,
		Payload:       ev.Payload,
		ControlTickID: tickID,
		OriginalTS:    ev.CreatedAt,
		DeliveredTS:   now,
	}
}

// Size returns the number of pending events.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the cumulative count of events discarded by capacity
// eviction or vanished targets.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
