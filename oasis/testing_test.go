package oasis

import (
	"context"
	"sync"
	"time"
)

// fakeEngine is a controllable TickEngine for registry and scheduler tests.
type fakeEngine struct {
	mu       sync.Mutex
	advanced int
	calls    int
	err      error
	block    chan struct{} // when set, Advance waits for it (or ctx)
	panics   bool
	// when set, Advance reports its entry and exit to it
	gauge *concurrencyGauge
}

// concurrencyGauge records how many Advance calls overlap and the peak seen.
type concurrencyGauge struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
	// Hold the call open briefly so overlapping calls would be observed.
	time.Sleep(2 * time.Millisecond)
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *concurrencyGauge) maxSeen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (e *fakeEngine) Advance(ctx context.Context, localTicks int) error {
	e.mu.Lock()
	e.calls++
	block := e.block
	err := e.err
	panics := e.panics
	gauge := e.gauge
	e.mu.Unlock()

	if gauge != nil {
		gauge.enter()
		defer gauge.leave()
	}
	if panics {
		panic("engine exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.advanced += localTicks
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Describe() map[string]string {
	return map[string]string{"name": "fake", "version": "test"}
}

func (e *fakeEngine) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advanced
}

func (e *fakeEngine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// captureSink records everything the scheduler hands to the gateway.
type captureSink struct {
	mu        sync.Mutex
	delivered []DeliveredEvent
	telemetry []string
}

func (c *captureSink) DeliverEvents(events []DeliveredEvent) {
	c.mu.Lock()
	c.delivered = append(c.delivered, events...)
	c.mu.Unlock()
}

func (c *captureSink) PublishTelemetry(eventType string, payload any) {
	c.mu.Lock()
	c.telemetry = append(c.telemetry, eventType)
	c.mu.Unlock()
}

func (c *captureSink) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *captureSink) telemetryTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.telemetry...)
}

// newTestConfig returns a config tuned for fast tests.
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.ControlTickPeriodMs = 5
	cfg.LocalTicksPerControlTick = 10
	cfg.EngineAdvanceTimeoutMs = 50
	cfg.MaxEngineFailures = 3
	return cfg
}
