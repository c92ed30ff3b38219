// Package player implements the universal player router: realm-independent
// player identity, realm transitions, inventory and faction reputation.
//
// Players are not bound to any registered instance; a player may start in a
// realm the orchestrator has never seen. Mobility between realms is the one
// place the package touches the rest of the core: every successful
// transition is announced through a TravelAnnouncer so interested instances
// observe it at the next control tick.
package player

import (
	"time"

	"github.com/google/uuid"
)

// Faction is one of the closed set of factions a player holds reputation
// with. Extending the set is a spec revision, not a runtime concern.
type Faction string

const (
	FactionWanderers      Faction = "wanderers"
	FactionRealmKeepers   Faction = "realm_keepers"
	FactionShadowCourt    Faction = "shadow_court"
	FactionSages          Faction = "sages"
	FactionArtisans       Faction = "artisans"
	FactionMerchantGuild  Faction = "merchant_guild"
	FactionWarriorsCircle Faction = "warriors_circle"
	FactionMystics        Faction = "mystics"
)

// Factions lists the closed set in declaration order.
var Factions = []Faction{
	FactionWanderers,
	FactionRealmKeepers,
	FactionShadowCourt,
	FactionSages,
	FactionArtisans,
	FactionMerchantGuild,
	FactionWarriorsCircle,
	FactionMystics,
}

var validFactions = func() map[Faction]bool {
	m := make(map[Faction]bool, len(Factions))
	for _, f := range Factions {
		m[f] = true
	}
	return m
}()

// ValidFaction reports whether f is in the closed set.
func ValidFaction(f Faction) bool { return validFactions[f] }

// Reputation bounds and standing band thresholds.
const (
	ReputationMin = -10000
	ReputationMax = 10000
)

// Standing is the derived band for a clamped reputation score.
type Standing string

const (
	StandingDespised Standing = "despised"
	StandingDisliked Standing = "disliked"
	StandingNeutral  Standing = "neutral"
	StandingLiked    Standing = "liked"
	StandingRevered  Standing = "revered"
)

// StandingFor maps a reputation score to its band.
func StandingFor(score int) Standing {
	switch {
	case score <= -5000:
		return StandingDespised
	case score <= -1000:
		return StandingDisliked
	case score < 1000:
		return StandingNeutral
	case score < 5000:
		return StandingLiked
	default:
		return StandingRevered
	}
}

// Item is one inventory entry. Items with Transferable=false are bound to
// their source realm and are stripped during a realm transition unless the
// destination is that source realm.
type Item struct {
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Rarity       string `json:"rarity"`
	SourceRealm  string `json:"source_realm"`
	Transferable bool   `json:"transferable"`
}

// Transition is one entry of a player's append-only travel log.
type Transition struct {
	SrcRealm     string    `json:"src_realm"`
	DstRealm     string    `json:"dst_realm"`
	NarrativeCtx string    `json:"narrative_ctx"`
	At           time.Time `json:"ts"`
}

// Player is the universal player record. All mutation goes through the
// Router, which serializes per-player operations; the struct itself carries
// no lock.
type Player struct {
	ID            uuid.UUID       `json:"player_id"`
	DisplayName   string          `json:"display_name"`
	Race          string          `json:"race"`
	Class         string          `json:"class"`
	ActiveRealm   string          `json:"active_realm"`
	VisitedRealms []string        `json:"visited_realms"`
	Inventory     []Item          `json:"inventory"`
	Reputation    map[Faction]int `json:"reputation"`
	TransitionLog []Transition    `json:"transition_log"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (p *Player) hasVisited(realm string) bool {
	for _, r := range p.VisitedRealms {
		if r == realm {
			return true
		}
	}
	return false
}

// clone deep-copies the player so external readers never alias router
// state.
func (p *Player) clone() *Player {
	cp := *p
	cp.VisitedRealms = append([]string(nil), p.VisitedRealms...)
	cp.Inventory = append([]Item(nil), p.Inventory...)
	cp.TransitionLog = append([]Transition(nil), p.TransitionLog...)
	cp.Reputation = make(map[Faction]int, len(p.Reputation))
	for f, v := range p.Reputation {
		cp.Reputation[f] = v
	}
	return &cp
}
