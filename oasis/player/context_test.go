package player

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

func TestGetContext_DerivedFields(t *testing.T) {
	r, _, _ := newTestPlayerRouter()
	p := mustCreate(t, r, "Alice", "sol_1")
	require.NoError(t, r.Transition(p.ID, "sol_1", "sol_2", "portal"))
	require.NoError(t, r.ModifyReputation(p.ID, FactionSages, 6000))
	require.NoError(t, r.ModifyReputation(p.ID, FactionShadowCourt, -2000))
	require.NoError(t, r.AddItem(p.ID, Item{ItemID: "i1", Name: "Sunblade", Rarity: "legendary", SourceRealm: "sol_2", Transferable: true}))

	snap, err := r.GetContext(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "sol_2", snap.ActiveRealm)
	assert.Equal(t, 2, snap.RealmsVisited)
	assert.True(t, snap.HasLegendaryItem)
	assert.Equal(t, StandingRevered, snap.Standings[FactionSages])
	assert.Equal(t, StandingDisliked, snap.Standings[FactionShadowCourt])
	require.Len(t, snap.TransitionLog, 1)
	assert.Equal(t, "sol_2", snap.TransitionLog[0].DstRealm)
}

func TestGetContext_UnknownPlayer(t *testing.T) {
	r, _, _ := newTestPlayerRouter()
	_, err := r.GetContext(uuid.New())
	assert.Equal(t, oasis.KindNotFound, oasis.KindOf(err))
}

func TestStats(t *testing.T) {
	r, _, _ := newTestPlayerRouter()
	a := mustCreate(t, r, "Alice", "sol_1")
	mustCreate(t, r, "Bob", "sol_1")
	require.NoError(t, r.Transition(a.ID, "sol_1", "sol_2", "portal"))
	require.NoError(t, r.AddItem(a.ID, Item{ItemID: "i1", Name: "Lantern", Transferable: true}))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalPlayers)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.TotalTransitions)
	assert.Equal(t, 1, stats.PlayersByRealm["sol_1"])
	assert.Equal(t, 1, stats.PlayersByRealm["sol_2"])
	assert.Equal(t, 2, stats.RaceDistribution["human"])
	assert.InDelta(t, 1.5, stats.AvgRealmsVisited, 0.001)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	r, _, _ := newTestPlayerRouter()
	a := mustCreate(t, r, "Alice", "sol_1")
	require.NoError(t, r.Transition(a.ID, "sol_1", "sol_2", "portal"))
	require.NoError(t, r.ModifyReputation(a.ID, FactionSages, 1234))
	mustCreate(t, r, "Bob", "sol_2")

	blob, err := r.Snapshot()
	require.NoError(t, err)

	restored := NewRouter(nil, nil)
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, 2, restored.Len())

	back, err := restored.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", back.DisplayName)
	assert.Equal(t, "sol_2", back.ActiveRealm)
	assert.Equal(t, 1234, back.Reputation[FactionSages])
	require.Len(t, back.TransitionLog, 1)

	// Restoring again over existing records is a no-op.
	require.NoError(t, restored.Restore(blob))
	assert.Equal(t, 2, restored.Len())
}

func TestRestore_RejectsGarbage(t *testing.T) {
	r := NewRouter(nil, nil)
	err := r.Restore([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, oasis.KindInternal, oasis.KindOf(err))
}

func TestFactions_ClosedSet(t *testing.T) {
	assert.Len(t, Factions, 8)
	assert.True(t, ValidFaction(FactionMerchantGuild))
	assert.False(t, ValidFaction("pirates"))
}
