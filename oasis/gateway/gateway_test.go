package gateway

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiny-walnut-games/oasis-core/oasis"
	"github.com/tiny-walnut-games/oasis-core/oasis/player"
)

// realmDir adapts the registry for the player router, mirroring the serve
// wiring.
type realmDir struct{ reg *oasis.Registry }

func (d realmDir) LookupRealm(id string) (oasis.Address, bool) {
	inst := d.reg.LookupByRealmID(id)
	if inst == nil {
		return oasis.Address{}, false
	}
	return inst.Address, true
}

// travelBridge queues player_traveled broadcasts on the event router.
type travelBridge struct{ router *oasis.Router }

func (b travelBridge) AnnounceTravel(src oasis.Address, payload map[string]any) {
	ev, err := oasis.NewTravelEvent(src, payload)
	if err != nil {
		return
	}
	_ = b.router.Enqueue(ev)
}

type testRig struct {
	gw        *Gateway
	srv       *httptest.Server
	scheduler *oasis.Scheduler
	registry  *oasis.Registry
}

// newTestRig assembles a full gateway with a fast scheduler. mutate tweaks
// the config before assembly.
func newTestRig(t *testing.T, mutate func(*oasis.Config)) *testRig {
	t.Helper()
	cfg := oasis.DefaultConfig()
	cfg.ControlTickPeriodMs = 10
	cfg.AdminToken = "secret-admin"
	if mutate != nil {
		mutate(&cfg)
	}

	registry := oasis.NewRegistry()
	router := oasis.NewRouter(registry, cfg.RouterCapacity)
	players := player.NewRouter(realmDir{registry}, travelBridge{router})
	gw := New(cfg, registry, router, players, nil)
	scheduler := oasis.NewScheduler(cfg, registry, router, gw)
	gw.AttachScheduler(scheduler)
	require.NoError(t, scheduler.Start())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		scheduler.Stop()
	})
	return &testRig{gw: gw, srv: srv, scheduler: scheduler, registry: registry}
}

// dial opens a client connection and consumes the greeting, returning the
// connection and the replayed frames that preceded live traffic.
func (r *testRig) dial(t *testing.T, token string) (*websocket.Conn, []map[string]any) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	greeting := readFrame(t, conn)
	require.Equal(t, TypeConnectionEstablished, greeting["type"])
	require.NotEmpty(t, greeting["session_id"])

	replayCount := int(greeting["replay_count"].(float64))
	replayed := make([]map[string]any, 0, replayCount)
	for i := 0; i < replayCount; i++ {
		replayed = append(replayed, readFrame(t, conn))
	}
	return conn, replayed
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// awaitType reads frames until one of the wanted type arrives, skipping
// interleaved telemetry.
func awaitType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame before deadline", frameType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func registerFrame(realmID string) map[string]any {
	return map[string]any{
		"action":     ActionRegisterGame,
		"realm_id":   realmID,
		"realm_type": "sol_system",
		"adjacency":  "cluster_0",
		"resonance":  "narrative_prime",
		"density":    0,
		"lineage":    0,
		"horizon":    "genesis",
	}
}

func registerGame(t *testing.T, conn *websocket.Conn, realmID string) string {
	t.Helper()
	send(t, conn, registerFrame(realmID))
	reply := awaitType(t, conn, TypeGameRegistered)
	return reply["address"].(string)
}

func TestGateway_RegisterAndList(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, replayed := rig.dial(t, "")
	assert.Empty(t, replayed)

	send(t, conn, registerFrame("sol_1"))
	reply := awaitType(t, conn, TypeGameRegistered)
	addr := reply["address"].(string)
	assert.Len(t, addr, 64)
	coord := reply["coord"].(map[string]any)
	assert.Equal(t, "sol_1", coord["realm_id"])

	send(t, conn, map[string]any{"action": ActionListGames, "request_id": "r1"})
	list := awaitType(t, conn, TypeGameList)
	assert.Equal(t, "r1", list["request_id"])
	games := list["games"].([]any)
	require.Len(t, games, 1)
	assert.Equal(t, addr, games[0].(map[string]any)["address"])
}

func TestGateway_DuplicateRealmConflict(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	registerGame(t, conn, "sol_1")

	send(t, conn, registerFrame("sol_1"))
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "conflict", reply["code"])
	assert.Contains(t, reply["message"], "sol_1")

	send(t, conn, map[string]any{"action": ActionListGames})
	list := awaitType(t, conn, TypeGameList)
	assert.Len(t, list["games"].([]any), 1)
}

func TestGateway_BroadcastEventDelivery(t *testing.T) {
	rig := newTestRig(t, nil)
	owner, _ := rig.dial(t, "")
	sol1 := registerGame(t, owner, "sol_1")
	sol2 := registerGame(t, owner, "sol_2")

	sub, _ := rig.dial(t, "")
	send(t, sub, map[string]any{"action": ActionSubscribe, "event_types": "ALL"})
	awaitType(t, sub, TypeSubscribed)

	send(t, owner, map[string]any{
		"action":         ActionPublishEvent,
		"source_address": sol1,
		"target_address": nil,
		"event_type":     "world_event",
		"payload":        map[string]any{"msg": "hi"},
	})
	queued := awaitType(t, owner, TypeEventQueued)
	assert.NotEmpty(t, queued["event_id"])

	delivered := awaitType(t, sub, TypeEventDelivered)
	assert.Equal(t, sol2, delivered["target_address"])
	assert.Equal(t, sol1, delivered["source_address"])
	assert.Equal(t, "world_event", delivered["event_type"])
	tickID := uint64(delivered["control_tick_id"].(float64))
	assert.LessOrEqual(t, tickID, rig.scheduler.CurrentTickID())
	payload := delivered["payload"].(map[string]any)
	assert.Equal(t, "hi", payload["msg"])
}

func TestGateway_UnicastUnknownTarget(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	sol1 := registerGame(t, conn, "sol_1")

	send(t, conn, map[string]any{
		"action":         ActionPublishEvent,
		"source_address": sol1,
		"target_address": strings.Repeat("00", 32),
		"event_type":     "whisper",
	})
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "not_found", reply["code"])
}

func TestGateway_PlayerLifecycle(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	registerGame(t, conn, "sol_1")
	registerGame(t, conn, "sol_2")

	sub, _ := rig.dial(t, "")
	send(t, sub, map[string]any{"action": ActionSubscribe, "event_types": []string{"player_traveled"}})
	awaitType(t, sub, TypeSubscribed)

	send(t, conn, map[string]any{
		"action":         ActionPlayerCreate,
		"name":           "Alice",
		"race":           "human",
		"class":          "ranger",
		"starting_realm": "sol_1",
	})
	created := awaitType(t, conn, TypePlayerCreated)
	playerID := created["player"].(map[string]any)["player_id"].(string)
	require.NotEmpty(t, playerID)

	send(t, conn, map[string]any{
		"action":        ActionPlayerTransition,
		"player_id":     playerID,
		"src_realm":     "sol_1",
		"dst_realm":     "sol_2",
		"narrative_ctx": "portal",
	})
	awaitType(t, conn, TypePlayerTransitioned)

	send(t, conn, map[string]any{"action": ActionPlayerContext, "player_id": playerID})
	ctxReply := awaitType(t, conn, TypePlayerContext)
	snap := ctxReply["context"].(map[string]any)
	assert.Equal(t, "sol_2", snap["active_realm"])
	visited := snap["visited_realms"].([]any)
	assert.ElementsMatch(t, []any{"sol_1", "sol_2"}, visited)
	log := snap["transition_log"].([]any)
	require.Len(t, log, 1)
	assert.Equal(t, "sol_2", log[0].(map[string]any)["dst_realm"])

	// Mobility is observable by subscribers within a control tick.
	traveled := awaitType(t, sub, TypeEventDelivered)
	assert.Equal(t, "player_traveled", traveled["event_type"])
	tp := traveled["payload"].(map[string]any)
	assert.Equal(t, "sol_2", tp["dst_realm"])
}

func TestGateway_ReplayBuffer(t *testing.T) {
	rig := newTestRig(t, func(cfg *oasis.Config) {
		cfg.ReplayBufferSize = 5
	})
	conn, _ := rig.dial(t, "")
	sol1 := registerGame(t, conn, "sol_1")
	registerGame(t, conn, "sol_2")

	for i := 0; i < 6; i++ {
		send(t, conn, map[string]any{
			"action":         ActionPublishEvent,
			"source_address": sol1,
			"event_type":     "world_event",
			"payload":        map[string]any{"seq": i},
		})
		awaitType(t, conn, TypeEventQueued)
	}

	// Wait until all six broadcasts have been drained and recorded.
	require.Eventually(t, func() bool {
		return rig.scheduler.Stats().EventsPropagated >= 6
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 5, rig.gw.replay.Len())

	late, replayed := rig.dial(t, "")
	require.Len(t, replayed, 5)
	for i, frame := range replayed {
		assert.Equal(t, TypeEventDelivered, frame["type"])
		payload := frame["payload"].(map[string]any)
		// The oldest event (seq 0) was evicted; replay starts at seq 1.
		assert.EqualValues(t, i+1, payload["seq"])
	}
	_ = late
}

func TestGateway_SubscriptionFilter(t *testing.T) {
	rig := newTestRig(t, nil)
	owner, _ := rig.dial(t, "")
	sol1 := registerGame(t, owner, "sol_1")
	registerGame(t, owner, "sol_2")

	sub, _ := rig.dial(t, "")
	send(t, sub, map[string]any{"action": ActionSubscribe, "event_types": []string{"trade"}})
	awaitType(t, sub, TypeSubscribed)

	publish := func(eventType, msg string) {
		send(t, owner, map[string]any{
			"action":         ActionPublishEvent,
			"source_address": sol1,
			"event_type":     eventType,
			"payload":        map[string]any{"msg": msg},
		})
		awaitType(t, owner, TypeEventQueued)
	}
	publish("gossip", "ignored")
	publish("trade", "seen")

	delivered := awaitType(t, sub, TypeEventDelivered)
	assert.Equal(t, "trade", delivered["event_type"])

	// Unsubscribing stops the flow.
	send(t, sub, map[string]any{"action": ActionUnsubscribe, "event_types": []string{"trade"}})
	awaitType(t, sub, TypeUnsubscribed)
}

func TestGateway_UnknownAction(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	send(t, conn, map[string]any{"action": "warp_drive", "request_id": "r9"})
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "unknown_action", reply["code"])
	assert.Equal(t, "r9", reply["request_id"])
}

func TestGateway_MalformedFrame(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "invalid_input", reply["code"])
}

func TestGateway_AdminStatsGating(t *testing.T) {
	rig := newTestRig(t, nil)

	anon, _ := rig.dial(t, "")
	send(t, anon, map[string]any{"action": ActionAdminStats})
	reply := awaitType(t, anon, TypeError)
	assert.Equal(t, "unauthorized", reply["code"])

	admin, _ := rig.dial(t, "secret-admin")
	send(t, admin, map[string]any{"action": ActionAdminStats})
	stats := awaitType(t, admin, TypeStats)
	assert.NotNil(t, stats["scheduler"])
	assert.NotNil(t, stats["players"])
	assert.EqualValues(t, 2, stats["sessions"])
}

func TestGateway_AdminCanUnregisterForeignInstance(t *testing.T) {
	rig := newTestRig(t, nil)
	owner, _ := rig.dial(t, "")
	addr := registerGame(t, owner, "sol_1")

	other, _ := rig.dial(t, "")
	send(t, other, map[string]any{"action": ActionUnregisterGame, "address": addr})
	reply := awaitType(t, other, TypeError)
	assert.Equal(t, "unauthorized", reply["code"])

	admin, _ := rig.dial(t, "secret-admin")
	send(t, admin, map[string]any{"action": ActionUnregisterGame, "address": addr})
	awaitType(t, admin, TypeGameUnregistered)
	assert.Equal(t, 0, rig.registry.Len())
}

func TestGateway_DisconnectUnregistersOwnedInstances(t *testing.T) {
	rig := newTestRig(t, nil)
	owner, _ := rig.dial(t, "")
	registerGame(t, owner, "sol_1")
	require.Equal(t, 1, rig.registry.Len())

	owner.Close()
	require.Eventually(t, func() bool {
		return rig.registry.Len() == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestGateway_SubscribeRequiresTypes(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	send(t, conn, map[string]any{"action": ActionSubscribe})
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "invalid_input", reply["code"])
}

func TestGateway_PublishFromUnknownSource(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	send(t, conn, map[string]any{
		"action":         ActionPublishEvent,
		"source_address": strings.Repeat("ab", 32),
		"event_type":     "world_event",
	})
	reply := awaitType(t, conn, TypeError)
	assert.Equal(t, "not_found", reply["code"])
}

func TestGateway_HealthEndpoint(t *testing.T) {
	rig := newTestRig(t, nil)
	resp, err := rig.srv.Client().Get(rig.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSubscriptionSet_Parsing(t *testing.T) {
	f := &inboundFrame{EventTypes: json.RawMessage(`"ALL"`)}
	all, types, err := f.subscriptionSet()
	require.NoError(t, err)
	assert.True(t, all)
	assert.Empty(t, types)

	f = &inboundFrame{EventTypes: json.RawMessage(`["a","b"]`)}
	all, types, err = f.subscriptionSet()
	require.NoError(t, err)
	assert.False(t, all)
	assert.Equal(t, []string{"a", "b"}, types)

	f = &inboundFrame{EventTypes: json.RawMessage(`{"x":1}`)}
	_, _, err = f.subscriptionSet()
	require.Error(t, err)

	f = &inboundFrame{}
	all, types, err = f.subscriptionSet()
	require.NoError(t, err)
	assert.False(t, all)
	assert.Empty(t, types)
}

func TestGateway_RequestIDEchoed(t *testing.T) {
	rig := newTestRig(t, nil)
	conn, _ := rig.dial(t, "")
	frame := registerFrame("sol_1")
	frame["request_id"] = fmt.Sprintf("req-%d", 42)
	send(t, conn, frame)
	reply := awaitType(t, conn, TypeGameRegistered)
	assert.Equal(t, "req-42", reply["request_id"])
}
