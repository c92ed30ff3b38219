// Package oasis provides the scheduling and coordination core for a fleet
// of independently ticking game instances.
//
// # Reading Guide
//
// Start with these three files to understand the coordination kernel:
//   - coord.go / address.go: STAT7 realm coordinates and their canonical SHA-256 addresses
//   - registry.go: the instance table, ownership, and lifecycle states
//   - scheduler.go: the control-tick loop that advances instances and flushes events
//
// # Architecture
//
// The oasis package owns the control plane; collaborators live in
// sub-packages:
//   - oasis/player/: realm-independent player identity, transitions, inventory
//   - oasis/gateway/: the WebSocket surface (sessions, dispatch, replay buffer)
//   - oasis/store/: optional SQLite-backed snapshot persistence
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - TickEngine: per-instance simulation handle; the scheduler only calls Advance
//   - EventSink: where drained events and telemetry go (implemented by the gateway)
//   - Resolver: address existence checks used by the event router
//
// Instances never share mutable state with each other; every cross-instance
// effect flows through the Router and is delivered at a control-tick boundary.
package oasis
