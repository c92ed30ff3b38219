package oasis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventSink receives the scheduler's output: drained events for fan-out
// and telemetry frames. The gateway implements it; tests supply fakes.
type EventSink interface {
	DeliverEvents([]DeliveredEvent)
	PublishTelemetry(eventType string, payload any)
}

// SchedulerState is the scheduler lifecycle state.
type SchedulerState string

const (
	SchedIdle     SchedulerState = "IDLE"
	SchedRunning  SchedulerState = "RUNNING"
	SchedStopping SchedulerState = "STOPPING"
	SchedStopped  SchedulerState = "STOPPED"
)

// Scheduler drives control ticks: it periodically advances every tickable
// instance, drains the event router, and hands deliveries to the sink.
//
// State machine: IDLE → RUNNING → STOPPING → STOPPED. Start is idempotent;
// Stop lets the in-flight tick finish within the shutdown grace period.
type Scheduler struct {
	cfg      Config
	registry *Registry
	router   *Router
	sink     EventSink

	mu     sync.Mutex // guards state and tickID
	state  SchedulerState
	tickID uint64

	tickMu sync.Mutex // serializes ExecuteOneTick; held for the whole tick window

	stopCh chan struct{}
	doneCh chan struct{}

	totals statsTotals
}

// NewScheduler wires a scheduler over the registry, router and sink.
func NewScheduler(cfg Config, registry *Registry, router *Router, sink EventSink) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		router:   router,
		sink:     sink,
		state:    SchedIdle,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentTickID returns the id of the most recently started control tick.
func (s *Scheduler) CurrentTickID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickID
}

// Start launches the timer-driven tick loop. Calling Start on a RUNNING
// scheduler is a no-op; calling it after Stop returns unavailable.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	switch s.state {
	case SchedRunning:
		s.mu.Unlock()
		return nil
	case SchedStopping, SchedStopped:
		s.mu.Unlock()
		return Errf(KindUnavailable, "scheduler already stopped")
	}
	s.state = SchedRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.totals.mu.Lock()
	s.totals.startedAt = time.Now().UTC()
	s.totals.mu.Unlock()
	s.mu.Unlock()

	go s.runLoop()
	logrus.Infof("[scheduler] started, period=%s parallel=%v limit=%d",
		s.cfg.ControlTickPeriod(), s.cfg.ParallelInstances, s.cfg.ParallelInstancesLimit)
	return nil
}

func (s *Scheduler) runLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.ControlTickPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.ExecuteOneTick(); err != nil {
				return
			}
		}
	}
}

// RunLoop executes up to maxTicks control ticks on the configured period,
// blocking until done. maxTicks <= 0 means run until Stop.
func (s *Scheduler) RunLoop(maxTicks int) error {
	ticker := time.NewTicker(s.cfg.ControlTickPeriod())
	defer ticker.Stop()
	for n := 0; maxTicks <= 0 || n < maxTicks; n++ {
		<-ticker.C
		if _, err := s.ExecuteOneTick(); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the loop, waits for the in-flight tick within the shutdown
// grace period, then drains the router one final time. Instances left
// mid-advance past the grace window are marked PAUSED.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != SchedRunning {
		if s.state != SchedStopped {
			s.state = SchedStopped
		}
		s.mu.Unlock()
		return
	}
	s.state = SchedStopping
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	grace := s.cfg.ShutdownGrace()
	select {
	case <-done:
	case <-time.After(grace):
		logrus.Warnf("[scheduler] in-flight tick exceeded shutdown grace %s; pausing incomplete instances", grace)
		for _, inst := range s.registry.Running() {
			inst.setState(StatePaused)
		}
	}

	// Final drain so nothing queued before Stop is lost.
	s.mu.Lock()
	s.tickID++
	finalID := s.tickID
	s.state = SchedStopped
	s.mu.Unlock()
	if delivered := s.router.Drain(finalID); len(delivered) > 0 {
		s.sink.DeliverEvents(delivered)
	}
	logrus.Info("[scheduler] stopped")
}

// ExecuteOneTick runs the control-tick algorithm once and returns its
// metrics. Returns unavailable once the scheduler is stopping or stopped.
//
// The tick is atomic with respect to registry mutation: the instance
// snapshot is taken once and registration churn observed after that point
// waits for the next tick.
func (s *Scheduler) ExecuteOneTick() (TickMetrics, error) {
	s.mu.Lock()
	if s.state == SchedStopped || s.state == SchedStopping {
		s.mu.Unlock()
		return TickMetrics{}, Errf(KindUnavailable, "scheduler is %s", s.state)
	}
	s.tickID++
	tickID := s.tickID
	s.mu.Unlock()

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	instances := s.registry.Running()
	metrics := TickMetrics{ControlTickID: tickID, GamesSynced: len(instances)}

	errs := s.advanceAll(instances)
	if len(errs) > 0 {
		metrics.Errors = errs
	}

	delivered := s.router.Drain(tickID)
	metrics.EventsPropagated = len(delivered)
	metrics.EventsDropped = s.router.Dropped()
	if len(delivered) > 0 {
		s.sink.DeliverEvents(delivered)
	}

	metrics.Elapsed = time.Since(start)
	s.totals.record(metrics)
	s.sink.PublishTelemetry("control_tick_complete", metrics)
	logrus.Debugf("[scheduler] tick %d: synced=%d propagated=%d elapsed=%s",
		tickID, metrics.GamesSynced, metrics.EventsPropagated, metrics.Elapsed)
	return metrics, nil
}

// advanceAll invokes Advance on every snapshot instance, in parallel up to
// the configured limit or sequentially in snapshot order. One engine's
// failure never aborts its siblings.
func (s *Scheduler) advanceAll(instances []*Instance) map[Address]string {
	if len(instances) == 0 {
		return nil
	}
	localTicks := s.cfg.LocalTicksPerControlTick

	if !s.cfg.ParallelInstances {
		errs := make(map[Address]string)
		for _, inst := range instances {
			if err := s.advanceOne(inst, localTicks); err != nil {
				errs[inst.Address] = err.Error()
			}
		}
		if len(errs) == 0 {
			return nil
		}
		return errs
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  = make(map[Address]string)
	)
	sem := make(chan struct{}, s.cfg.ParallelInstancesLimit)
	for _, inst := range instances {
		wg.Add(1)
		sem <- struct{}{}
		go func(inst *Instance) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.advanceOne(inst, localTicks); err != nil {
				errMu.Lock()
				errs[inst.Address] = err.Error()
				errMu.Unlock()
			}
		}(inst)
	}
	wg.Wait()
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// advanceOne runs a single engine Advance under the soft deadline and
// updates the instance's failure accounting. A panicking engine is treated
// as a failed advance.
func (s *Scheduler) advanceOne(inst *Instance, localTicks int) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EngineAdvanceTimeout())
	defer cancel()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("engine panicked: %v", rec)
			}
		}()
		return inst.Engine.Advance(ctx, localTicks)
	}()

	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("advance exceeded %s soft deadline", s.cfg.EngineAdvanceTimeout())
	}
	if err != nil {
		logrus.Warnf("[scheduler] realm %q advance failed: %v", inst.Coord.RealmID, err)
		if inst.recordFailure(s.cfg.MaxEngineFailures) {
			logrus.Errorf("[scheduler] realm %q paused after %d consecutive failures", inst.Coord.RealmID, s.cfg.MaxEngineFailures)
			s.sink.PublishTelemetry("instance_paused", map[string]any{
				"address":  inst.Address,
				"realm_id": inst.Coord.RealmID,
				"reason":   err.Error(),
			})
		}
		return err
	}
	inst.recordAdvance(localTicks)
	return nil
}

// Stats snapshots lifetime scheduler counters for admin telemetry.
func (s *Scheduler) Stats() SchedulerStats {
	s.totals.mu.Lock()
	defer s.totals.mu.Unlock()
	return SchedulerStats{
		State:            s.State(),
		TicksCompleted:   s.totals.ticksCompleted,
		EventsPropagated: s.totals.eventsPropagated,
		EventsDropped:    s.router.Dropped(),
		EngineErrors:     s.totals.engineErrors,
		LastTickElapsed:  s.totals.lastTickElapsed,
		StartedAt:        s.totals.startedAt,
	}
}
