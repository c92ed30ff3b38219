package oasis

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry tracks every registered game instance by address and realm ID.
//
// Mutations hold the write lock; lookups and snapshots hold the read lock.
// The scheduler takes its per-tick snapshot through Running, so a register
// or unregister never interleaves with a tick's iteration window.
type Registry struct {
	mu      sync.RWMutex
	byAddr  map[Address]*Instance
	byRealm map[string]Address
	order   []Address // registration order, authoritative for sequential ticking
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddr:  make(map[Address]*Instance),
		byRealm: make(map[string]Address),
	}
}

// Register validates the coordinate, encodes its address and adds the
// instance under the given owner session. No partial state is left behind
// on any failure path.
func (r *Registry) Register(coord Coordinate, engine TickEngine, owner SessionID) (*Instance, error) {
	addr, _, err := EncodeAddress(coord)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, Errf(KindInvalidInput, "tick engine must not be nil")
	}

	// Query the engine before taking the lock; a constructor-style panic in a
	// collaborator engine must not poison the registry.
	desc, err := describeEngine(engine)
	if err != nil {
		return nil, Wrap(KindInternal, err, fmt.Sprintf("registration failed for realm %q", coord.RealmID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byRealm[coord.RealmID]; ok {
		return nil, Errf(KindConflict, "realm_id %q already registered at %s", coord.RealmID, existing)
	}
	if _, ok := r.byAddr[addr]; ok {
		return nil, Errf(KindConflict, "coordinate already registered at %s", addr)
	}

	inst := &Instance{
		Address:      addr,
		Coord:        coord,
		Engine:       engine,
		Owner:        owner,
		RegisteredAt: time.Now().UTC(),
		Description:  desc,
		state:        StateRegistered,
	}
	r.byAddr[addr] = inst
	r.byRealm[coord.RealmID] = addr
	r.order = append(r.order, addr)
	logrus.Infof("[registry] registered realm %q at %s (owner=%s)", coord.RealmID, addr, owner)
	return inst, nil
}

func describeEngine(engine TickEngine) (desc map[string]string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine describe panicked: %v", rec)
		}
	}()
	return engine.Describe(), nil
}

// Unregister removes an instance. Only the owning session or an admin may
// remove it. Repeating the call for an already-removed address returns
// not_found and leaves state untouched.
func (r *Registry) Unregister(addr Address, requester SessionID, admin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byAddr[addr]
	if !ok {
		return Errf(KindNotFound, "no instance registered at %s", addr)
	}
	if !admin && inst.Owner != requester {
		return Errf(KindUnauthorized, "session does not own realm %q", inst.Coord.RealmID)
	}
	inst.setState(StateUnregistering)
	r.removeLocked(addr)
	logrus.Infof("[registry] unregistered realm %q at %s", inst.Coord.RealmID, addr)
	return nil
}

// UnregisterOwned removes every instance owned by the session and returns
// the addresses removed. Called by the gateway on disconnect.
func (r *Registry) UnregisterOwned(owner SessionID) []Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Address
	for addr, inst := range r.byAddr {
		if inst.Owner == owner {
			inst.setState(StateUnregistering)
			removed = append(removed, addr)
		}
	}
	for _, addr := range removed {
		r.removeLocked(addr)
	}
	if len(removed) > 0 {
		logrus.Infof("[registry] auto-unregistered %d instance(s) of disconnected session %s", len(removed), owner)
	}
	return removed
}

func (r *Registry) removeLocked(addr Address) {
	inst := r.byAddr[addr]
	delete(r.byAddr, addr)
	delete(r.byRealm, inst.Coord.RealmID)
	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the instance at addr, or nil.
func (r *Registry) Lookup(addr Address) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[addr]
}

// LookupByRealmID returns the instance registered under realmID, or nil.
func (r *Registry) LookupByRealmID(realmID string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byRealm[realmID]
	if !ok {
		return nil
	}
	return r.byAddr[addr]
}

// Has reports whether addr identifies a registered instance. Satisfies the
// router's Resolver.
func (r *Registry) Has(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddr[addr]
	return ok
}

// Addresses returns every registered address in registration order.
// Satisfies the router's Resolver.
func (r *Registry) Addresses() []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Address, len(r.order))
	copy(out, r.order)
	return out
}

// List snapshots every instance for wire listings, in registration order.
func (r *Registry) List() []InstanceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.byAddr[addr].Info())
	}
	return out
}

// Running snapshots the instances the scheduler should advance this tick,
// in registration order. The snapshot is stable for the duration of the
// tick even if registrations race in behind the read lock.
func (r *Registry) Running() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.order))
	for _, addr := range r.order {
		if inst := r.byAddr[addr]; inst.tickable() {
			out = append(out, inst)
		}
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// registrySnapshot is the persisted form of the registry. Engines are
// process-local handles and are reconstructed on restore.
type registrySnapshot struct {
	TakenAt   time.Time        `json:"taken_at"`
	Instances []registryRecord `json:"instances"`
}

type registryRecord struct {
	Coord     Coordinate `json:"coord"`
	LocalTick uint64     `json:"local_tick"`
	Owner     SessionID  `json:"owner"`
}

// Snapshot serializes coordinates and tick counters for the persistence
// hook. Engines are not persisted.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	snap := registrySnapshot{TakenAt: time.Now().UTC()}
	for _, addr := range r.order {
		inst := r.byAddr[addr]
		snap.Instances = append(snap.Instances, registryRecord{
			Coord:     inst.Coord,
			LocalTick: inst.LocalTick(),
			Owner:     inst.Owner,
		})
	}
	r.mu.RUnlock()
	sort.Slice(snap.Instances, func(i, j int) bool {
		return snap.Instances[i].Coord.RealmID < snap.Instances[j].Coord.RealmID
	})
	return json.Marshal(snap)
}

// EngineFactory builds a tick engine for a restored coordinate.
type EngineFactory func(Coordinate) (TickEngine, error)

// Restore re-registers every persisted instance using factory to rebuild
// its engine. Instances that fail to restore are skipped with a warning;
// restore never aborts the whole set.
func (r *Registry) Restore(blob []byte, factory EngineFactory) error {
	var snap registrySnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return Wrap(KindInternal, err, "decoding registry snapshot")
	}
	for _, rec := range snap.Instances {
		engine, err := factory(rec.Coord)
		if err != nil {
			logrus.Warnf("[registry] restore: skipping realm %q: %v", rec.Coord.RealmID, err)
			continue
		}
		inst, err := r.Register(rec.Coord, engine, rec.Owner)
		if err != nil {
			logrus.Warnf("[registry] restore: skipping realm %q: %v", rec.Coord.RealmID, err)
			continue
		}
		inst.mu.Lock()
		inst.localTick = rec.LocalTick
		inst.mu.Unlock()
	}
	logrus.Infof("[registry] restored %d instance(s) from snapshot taken %s", r.Len(), snap.TakenAt.Format(time.RFC3339))
	return nil
}
