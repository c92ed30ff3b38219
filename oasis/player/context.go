package player

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

// ContextSnapshot is the immutable player view handed to external
// consumers (narrative engines, instance content). Derived fields are
// computed at snapshot time; mutating the snapshot never touches router
// state.
type ContextSnapshot struct {
	PlayerID      uuid.UUID    `json:"player_id"`
	DisplayName   string       `json:"display_name"`
	Race          string       `json:"race"`
	Class         string       `json:"class"`
	ActiveRealm   string       `json:"active_realm"`
	VisitedRealms []string     `json:"visited_realms"`
	Inventory     []Item       `json:"inventory"`
	TransitionLog []Transition `json:"transition_log"`

	// Derived fields.
	Standings        map[Faction]Standing `json:"standings"`
	Reputation       map[Faction]int      `json:"reputation"`
	RealmsVisited    int                  `json:"realms_visited"`
	HasLegendaryItem bool                 `json:"has_legendary_item"`
}

// GetContext builds an immutable context snapshot for a player.
func (r *Router) GetContext(playerID uuid.UUID) (*ContextSnapshot, error) {
	p, err := r.Get(playerID)
	if err != nil {
		return nil, err
	}
	snap := &ContextSnapshot{
		PlayerID:      p.ID,
		DisplayName:   p.DisplayName,
		Race:          p.Race,
		Class:         p.Class,
		ActiveRealm:   p.ActiveRealm,
		VisitedRealms: p.VisitedRealms,
		Inventory:     p.Inventory,
		TransitionLog: p.TransitionLog,
		Standings:     make(map[Faction]Standing, len(p.Reputation)),
		Reputation:    p.Reputation,
		RealmsVisited: len(p.VisitedRealms),
	}
	for f, score := range p.Reputation {
		snap.Standings[f] = StandingFor(score)
	}
	for _, it := range p.Inventory {
		if it.Rarity == "legendary" {
			snap.HasLegendaryItem = true
			break
		}
	}
	return snap, nil
}

// MultiverseStats aggregates player-population statistics for admin
// telemetry.
type MultiverseStats struct {
	TotalPlayers       int            `json:"total_players"`
	TotalItems         int            `json:"total_items"`
	TotalTransitions   int            `json:"total_transitions"`
	PlayersByRealm     map[string]int `json:"players_by_realm"`
	RaceDistribution   map[string]int `json:"race_distribution"`
	ClassDistribution  map[string]int `json:"class_distribution"`
	AvgRealmsVisited   float64        `json:"avg_realms_visited"`
	UnknownStartRealms uint64         `json:"unknown_start_realms"`
}

// Stats takes a point-in-time pass over a copy of the player map.
func (r *Router) Stats() MultiverseStats {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	stats := MultiverseStats{
		PlayersByRealm:     make(map[string]int),
		RaceDistribution:   make(map[string]int),
		ClassDistribution:  make(map[string]int),
		UnknownStartRealms: r.unknownStartRealms.Load(),
	}
	visitedSum := 0
	for _, id := range ids {
		p, err := r.Get(id)
		if err != nil {
			continue
		}
		stats.TotalPlayers++
		stats.TotalItems += len(p.Inventory)
		stats.TotalTransitions += len(p.TransitionLog)
		stats.PlayersByRealm[p.ActiveRealm]++
		if p.Race != "" {
			stats.RaceDistribution[p.Race]++
		}
		if p.Class != "" {
			stats.ClassDistribution[p.Class]++
		}
		visitedSum += len(p.VisitedRealms)
	}
	if stats.TotalPlayers > 0 {
		stats.AvgRealmsVisited = float64(visitedSum) / float64(stats.TotalPlayers)
	}
	return stats
}

// playerSnapshot is the persisted form of the router for the optional
// persistence hook.
type playerSnapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Players []*Player `json:"players"`
}

// Snapshot serializes every player record, ordered by id for stable output.
func (r *Router) Snapshot() ([]byte, error) {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	snap := playerSnapshot{TakenAt: time.Now().UTC()}
	for _, id := range ids {
		p, err := r.Get(id)
		if err != nil {
			continue
		}
		snap.Players = append(snap.Players, p)
	}
	return json.Marshal(snap)
}

// Restore loads player records from a snapshot blob, replacing nothing:
// records whose id already exists are skipped.
func (r *Router) Restore(blob []byte) error {
	var snap playerSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return oasis.Wrap(oasis.KindInternal, err, "decoding player snapshot")
	}
	restored := 0
	r.mu.Lock()
	for _, p := range snap.Players {
		if _, exists := r.players[p.ID]; exists {
			continue
		}
		if p.Reputation == nil {
			p.Reputation = make(map[Faction]int)
		}
		r.players[p.ID] = p
		restored++
	}
	r.mu.Unlock()
	logrus.Infof("[players] restored %d player(s) from snapshot taken %s", restored, snap.TakenAt.Format(time.RFC3339))
	return nil
}
