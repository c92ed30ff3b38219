package oasis

import (
	"context"
	"sync"
	"time"
)

// SessionID identifies a gateway session. Uses a distinct type (not alias)
// to prevent accidental string mixing.
type SessionID string

// TickEngine is the contract every registered game instance fulfils. The
// core never looks inside an engine; it only advances it and asks it to
// describe itself.
//
// Advance must be idempotent with respect to partial execution and should
// honour ctx cancellation: the scheduler imposes a soft deadline per call
// and records a timeout as an engine error.
type TickEngine interface {
	Advance(ctx context.Context, localTicks int) error
	Describe() map[string]string
}

// InstanceState is the lifecycle state of a registered instance.
type InstanceState string

const (
	StateRegistered    InstanceState = "REGISTERED"
	StateRunning       InstanceState = "RUNNING"
	StatePaused        InstanceState = "PAUSED"
	StateUnregistering InstanceState = "UNREGISTERING"
)

// Instance is one registered game instance. Identity fields are immutable
// after registration; tick bookkeeping is guarded by mu and touched only by
// the scheduler and the registry.
type Instance struct {
	Address      Address
	Coord        Coordinate
	Engine       TickEngine
	Owner        SessionID
	RegisteredAt time.Time
	Description  map[string]string

	mu        sync.Mutex
	state     InstanceState
	localTick uint64
	failures  int
}

// State returns the current lifecycle state.
func (in *Instance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s InstanceState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// LocalTick returns how many local ticks this instance has executed under
// scheduler control.
func (in *Instance) LocalTick() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.localTick
}

// recordAdvance is called by the scheduler after a successful Advance.
// It resets the consecutive-failure counter.
func (in *Instance) recordAdvance(localTicks int) {
	in.mu.Lock()
	in.localTick += uint64(localTicks)
	in.failures = 0
	if in.state == StateRegistered {
		in.state = StateRunning
	}
	in.mu.Unlock()
}

// recordFailure increments the consecutive-failure counter and reports
// whether the configured limit has been reached, transitioning the instance
// to PAUSED when it has.
func (in *Instance) recordFailure(limit int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failures++
	if in.failures >= limit && in.state != StatePaused {
		in.state = StatePaused
		return true
	}
	return false
}

// tickable reports whether the scheduler should advance this instance.
func (in *Instance) tickable() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state == StateRegistered || in.state == StateRunning
}

// InstanceInfo is the externally visible snapshot of an instance, safe to
// serialize onto the wire.
type InstanceInfo struct {
	Address      Address           `json:"address"`
	Coord        Coordinate        `json:"coord"`
	State        InstanceState     `json:"state"`
	LocalTick    uint64            `json:"local_tick"`
	RegisteredAt time.Time         `json:"registered_at"`
	Description  map[string]string `json:"description,omitempty"`
}

// Info snapshots the instance for listings and telemetry.
func (in *Instance) Info() InstanceInfo {
	in.mu.Lock()
	state, tick := in.state, in.localTick
	in.mu.Unlock()
	return InstanceInfo{
		Address:      in.Address,
		Coord:        in.Coord,
		State:        state,
		LocalTick:    tick,
		RegisteredAt: in.RegisteredAt,
		Description:  in.Description,
	}
}
