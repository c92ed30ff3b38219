package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tiny-walnut-games/oasis-core/oasis"
	"github.com/tiny-walnut-games/oasis-core/oasis/player"
)

// Gateway multiplexes every client session over one WebSocket endpoint and
// fans scheduler output back out to subscribers. It implements
// oasis.EventSink.
type Gateway struct {
	cfg      oasis.Config
	registry *oasis.Registry
	router   *oasis.Router
	players  *player.Router
	auth     Authenticator

	// scheduler and engineFactory are attached after construction because
	// the scheduler needs the gateway as its sink.
	schedMu       sync.Mutex
	scheduler     *oasis.Scheduler
	engineFactory func(oasis.Coordinate) oasis.TickEngine

	sessionsMu sync.RWMutex
	sessions   map[oasis.SessionID]*session

	replay   *replayRing
	upgrader websocket.Upgrader
}

// New creates a gateway over the core components. auth may be nil, in which
// case a TokenAuthenticator over cfg.AdminToken assigns roles.
func New(cfg oasis.Config, registry *oasis.Registry, router *oasis.Router, players *player.Router, auth Authenticator) *Gateway {
	if auth == nil {
		auth = TokenAuthenticator{AdminToken: cfg.AdminToken}
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		router:   router,
		players:  players,
		auth:     auth,
		sessions: make(map[oasis.SessionID]*session),
		replay:   newReplayRing(cfg.ReplayBufferSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AttachScheduler wires the scheduler in after construction.
func (g *Gateway) AttachScheduler(s *oasis.Scheduler) {
	g.schedMu.Lock()
	g.scheduler = s
	g.schedMu.Unlock()
}

// Handler returns the HTTP surface: the WebSocket upgrade at /ws and a
// liveness probe at /healthz.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", g.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	role, identity := g.auth.Authenticate(r)
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("[gateway] upgrade failed: %v", err)
		return
	}

	s := &session{
		id:            oasis.SessionID(uuid.NewString()),
		conn:          conn,
		gateway:       g,
		role:          role,
		identity:      identity,
		send:          make(chan []byte, g.cfg.OutboundQueueSize),
		limiter:       rate.NewLimiter(rate.Limit(g.cfg.SessionRateLimit), g.cfg.SessionRateBurst),
		subscriptions: make(map[string]struct{}),
	}

	// Greeting plus replay are written synchronously before the writer pump
	// exists: the replay buffer may be far larger than the outbound queue,
	// and the late joiner must see history before any live broadcast.
	greeting := outbound(TypeConnectionEstablished, "")
	greeting["session_id"] = s.id
	greeting["role"] = role
	replayed := g.replay.Snapshot()
	greeting["replay_count"] = len(replayed)
	if err := s.writeDirect(greeting); err != nil {
		_ = conn.Close()
		return
	}
	for _, frame := range replayed {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			return
		}
	}

	g.sessionsMu.Lock()
	g.sessions[s.id] = s
	g.sessionsMu.Unlock()
	logrus.Infof("[gateway] session %s connected (role=%s)", s.id, role)

	go s.writePump()
	go s.readPump()
}

// dropSession removes a session and applies the disconnect policy: owned
// instances are unregistered and subscriptions vanish with the session.
func (g *Gateway) dropSession(s *session) {
	s.closeWithCode(websocket.CloseNormalClosure, "")
	g.sessionsMu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.sessionsMu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	g.sessionsMu.Unlock()

	removed := g.registry.UnregisterOwned(s.id)
	for _, addr := range removed {
		g.broadcastFrame(TypeGameUnregistered, map[string]any{"address": addr.String(), "reason": "session_disconnected"})
	}
	logrus.Infof("[gateway] session %s disconnected", s.id)
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	return len(g.sessions)
}

// DeliverEvents fans drained events out to every session whose filter
// matches, recording each frame in the replay ring. Implements
// oasis.EventSink; called from the scheduler, so it must never block on a
// slow consumer.
func (g *Gateway) DeliverEvents(events []oasis.DeliveredEvent) {
	for _, ev := range events {
		frame := outbound(TypeEventDelivered, "")
		frame["event_id"] = ev.ID
		frame["source_address"] = ev.Source.String()
		frame["target_address"] = ev.Target.String()
		frame["event_type"] = ev.Type
		frame["payload"] = ev.Payload
		frame["control_tick_id"] = ev.ControlTickID
		frame["original_ts"] = ev.OriginalTS
		frame["delivered_ts"] = ev.DeliveredTS
		data, err := json.Marshal(frame)
		if err != nil {
			logrus.Errorf("[gateway] marshaling delivered event %s: %v", ev.ID, err)
			continue
		}
		g.replay.Append(data)
		g.fanOut(ev.Type, data)
	}
}

// PublishTelemetry broadcasts a telemetry frame (control_tick_complete,
// instance_paused) to matching subscribers. Implements oasis.EventSink.
// The periodic tick heartbeat is not replayed to late joiners; everything
// else is.
func (g *Gateway) PublishTelemetry(eventType string, payload any) {
	g.broadcast(eventType, map[string]any{"payload": payload}, eventType != TypeControlTickComplete)
}

func (g *Gateway) broadcastFrame(frameType string, fields map[string]any) {
	g.broadcast(frameType, fields, true)
}

func (g *Gateway) broadcast(frameType string, fields map[string]any, replay bool) {
	frame := outbound(frameType, "")
	for k, v := range fields {
		frame[k] = v
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("[gateway] marshaling %s broadcast: %v", frameType, err)
		return
	}
	if replay {
		g.replay.Append(data)
	}
	g.fanOut(frameType, data)
}

func (g *Gateway) fanOut(eventType string, data []byte) {
	g.sessionsMu.RLock()
	targets := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if s.wants(eventType) {
			targets = append(targets, s)
		}
	}
	g.sessionsMu.RUnlock()
	for _, s := range targets {
		s.enqueue(data)
	}
}
