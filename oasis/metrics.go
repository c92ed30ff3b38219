package oasis

import (
	"sync"
	"time"
)

// TickMetrics summarizes one control tick for telemetry and admin stats.
type TickMetrics struct {
	ControlTickID    uint64             `json:"control_tick_id"`
	GamesSynced      int                `json:"games_synced"`
	EventsPropagated int                `json:"events_propagated"`
	EventsDropped    uint64             `json:"events_dropped"`
	Elapsed          time.Duration      `json:"elapsed_ns"`
	Errors           map[Address]string `json:"errors,omitempty"`
}

// SchedulerStats aggregates counters across the scheduler's lifetime.
type SchedulerStats struct {
	State            SchedulerState `json:"state"`
	TicksCompleted   uint64         `json:"ticks_completed"`
	EventsPropagated uint64         `json:"events_propagated"`
	EventsDropped    uint64         `json:"events_dropped"`
	EngineErrors     uint64         `json:"engine_errors"`
	LastTickElapsed  time.Duration  `json:"last_tick_elapsed_ns"`
	StartedAt        time.Time      `json:"started_at"`
}

// statsTotals accumulates lifetime counters under its own lock so stats
// reads never contend with the tick path for long.
type statsTotals struct {
	mu               sync.Mutex
	ticksCompleted   uint64
	eventsPropagated uint64
	engineErrors     uint64
	lastTickElapsed  time.Duration
	startedAt        time.Time
}

func (t *statsTotals) record(m TickMetrics) {
	t.mu.Lock()
	t.ticksCompleted++
	t.eventsPropagated += uint64(m.EventsPropagated)
	t.engineErrors += uint64(len(m.Errors))
	t.lastTickElapsed = m.Elapsed
	t.mu.Unlock()
}
