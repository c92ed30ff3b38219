package player

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

// stripeCount sizes the per-player lock table. Power of two so the stripe
// index is a cheap mask.
const stripeCount = 64

// RealmDirectory answers whether a realm is currently registered. The
// instance registry satisfies it through a thin adapter.
type RealmDirectory interface {
	LookupRealm(realmID string) (oasis.Address, bool)
}

// TravelAnnouncer publishes a player_traveled event for a successful
// transition whose source realm is registered. The wiring layer adapts the
// event router into this.
type TravelAnnouncer interface {
	AnnounceTravel(source oasis.Address, payload map[string]any)
}

// Router owns every universal player record.
//
// The players map is guarded by an RWMutex; per-player mutation addition-
// ally holds one of 64 striped locks keyed by player UUID, so operations on
// distinct players proceed in parallel while two operations on the same
// player serialize. Cross-player reads (roster, stats) copy the id set under
// the read lock and each record under its stripe lock, so they never observe
// partial mutations.
type Router struct {
	mu      sync.RWMutex
	players map[uuid.UUID]*Player

	stripes [stripeCount]sync.Mutex

	realms    RealmDirectory
	announcer TravelAnnouncer

	// Count of players created in realms unknown to the registry. Surfaced
	// in Stats as a warning metric.
	unknownStartRealms atomic.Uint64
}

// NewRouter creates a player router. realms and announcer may be nil in
// tests; a nil announcer suppresses travel events.
func NewRouter(realms RealmDirectory, announcer TravelAnnouncer) *Router {
	return &Router{
		players:   make(map[uuid.UUID]*Player),
		realms:    realms,
		announcer: announcer,
	}
}

func (r *Router) stripe(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &r.stripes[h.Sum32()&(stripeCount-1)]
}

// CreatePlayer mints a new universal player in startingRealm. The realm
// need not be registered; an unknown realm only bumps a warning metric.
func (r *Router) CreatePlayer(name, race, startingRealm, class string) (*Player, error) {
	if name == "" {
		return nil, oasis.Errf(oasis.KindInvalidInput, "display_name must not be empty")
	}
	if startingRealm == "" {
		return nil, oasis.Errf(oasis.KindInvalidInput, "starting_realm must not be empty")
	}

	if r.realms != nil {
		if _, ok := r.realms.LookupRealm(startingRealm); !ok {
			r.unknownStartRealms.Add(1)
			logrus.Warnf("[players] player %q starts in unregistered realm %q", name, startingRealm)
		}
	}

	p := &Player{
		ID:            uuid.New(),
		DisplayName:   name,
		Race:          race,
		Class:         class,
		ActiveRealm:   startingRealm,
		VisitedRealms: []string{startingRealm},
		Reputation:    make(map[Faction]int),
		CreatedAt:     time.Now().UTC(),
	}

	r.mu.Lock()
	r.players[p.ID] = p
	r.mu.Unlock()
	logrus.Infof("[players] created player %q (%s) in realm %q", name, p.ID, startingRealm)
	return p.clone(), nil
}

func (r *Router) get(id uuid.UUID) (*Player, error) {
	r.mu.RLock()
	p, ok := r.players[id]
	r.mu.RUnlock()
	if !ok {
		return nil, oasis.Errf(oasis.KindNotFound, "unknown player %s", id)
	}
	return p, nil
}

// Transition moves a player from src to dst. It fails when the player is
// not currently in src. On success the transition log gains an entry, dst
// joins the visited set, the active realm flips, and items bound to other
// realms are stripped.
func (r *Router) Transition(playerID uuid.UUID, src, dst, narrativeCtx string) error {
	if dst == "" {
		return oasis.Errf(oasis.KindInvalidInput, "destination realm must not be empty")
	}
	p, err := r.get(playerID)
	if err != nil {
		return err
	}

	mu := r.stripe(playerID)
	mu.Lock()
	if p.ActiveRealm != src {
		mu.Unlock()
		return oasis.Errf(oasis.KindConflict, "player %q is in realm %q, not %q", p.DisplayName, p.ActiveRealm, src)
	}

	p.TransitionLog = append(p.TransitionLog, Transition{
		SrcRealm:     src,
		DstRealm:     dst,
		NarrativeCtx: narrativeCtx,
		At:           time.Now().UTC(),
	})
	if !p.hasVisited(dst) {
		p.VisitedRealms = append(p.VisitedRealms, dst)
	}
	p.ActiveRealm = dst

	// Non-transferable items stay behind: drop everything bound to a realm
	// other than the one the player now occupies.
	kept := p.Inventory[:0]
	stripped := 0
	for _, it := range p.Inventory {
		if !it.Transferable && it.SourceRealm != dst {
			stripped++
			continue
		}
		kept = append(kept, it)
	}
	p.Inventory = kept
	name := p.DisplayName
	mu.Unlock()

	if stripped > 0 {
		logrus.Infof("[players] stripped %d non-transferable item(s) from %q during %s -> %s", stripped, name, src, dst)
	}
	r.announceTravel(playerID, name, src, dst, narrativeCtx)
	return nil
}

func (r *Router) announceTravel(playerID uuid.UUID, name, src, dst, narrativeCtx string) {
	if r.announcer == nil || r.realms == nil {
		return
	}
	srcAddr, ok := r.realms.LookupRealm(src)
	if !ok {
		return
	}
	r.announcer.AnnounceTravel(srcAddr, map[string]any{
		"player_id":     playerID,
		"display_name":  name,
		"src_realm":     src,
		"dst_realm":     dst,
		"narrative_ctx": narrativeCtx,
	})
}

// ModifyReputation adjusts a player's standing with a faction, clamped to
// the reputation bounds. It never fails on range; only unknown players or
// factions are errors.
func (r *Router) ModifyReputation(playerID uuid.UUID, faction Faction, delta int) error {
	if !ValidFaction(faction) {
		return oasis.Errf(oasis.KindInvalidInput, "unknown faction %q", faction)
	}
	p, err := r.get(playerID)
	if err != nil {
		return err
	}
	mu := r.stripe(playerID)
	mu.Lock()
	score := p.Reputation[faction] + delta
	if score > ReputationMax {
		score = ReputationMax
	}
	if score < ReputationMin {
		score = ReputationMin
	}
	p.Reputation[faction] = score
	mu.Unlock()
	return nil
}

// AddItem appends an item to the player's inventory.
func (r *Router) AddItem(playerID uuid.UUID, item Item) error {
	if item.ItemID == "" {
		return oasis.Errf(oasis.KindInvalidInput, "item_id must not be empty")
	}
	p, err := r.get(playerID)
	if err != nil {
		return err
	}
	mu := r.stripe(playerID)
	mu.Lock()
	p.Inventory = append(p.Inventory, item)
	mu.Unlock()
	return nil
}

// RemoveItem removes an item by id. Removing an absent item is a no-op.
func (r *Router) RemoveItem(playerID uuid.UUID, itemID string) error {
	p, err := r.get(playerID)
	if err != nil {
		return err
	}
	mu := r.stripe(playerID)
	mu.Lock()
	for i, it := range p.Inventory {
		if it.ItemID == itemID {
			p.Inventory = append(p.Inventory[:i], p.Inventory[i+1:]...)
			break
		}
	}
	mu.Unlock()
	return nil
}

// Get returns a deep copy of the player record.
func (r *Router) Get(playerID uuid.UUID) (*Player, error) {
	p, err := r.get(playerID)
	if err != nil {
		return nil, err
	}
	mu := r.stripe(playerID)
	mu.Lock()
	defer mu.Unlock()
	return p.clone(), nil
}

// GetRoster returns copies of every player whose active realm is realmID.
func (r *Router) GetRoster(realmID string) []*Player {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var roster []*Player
	for _, id := range ids {
		p, err := r.get(id)
		if err != nil {
			continue
		}
		mu := r.stripe(id)
		mu.Lock()
		if p.ActiveRealm == realmID {
			roster = append(roster, p.clone())
		}
		mu.Unlock()
	}
	return roster
}

// Len returns the number of players.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
