package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

// dispatch routes one inbound frame to its action handler under the
// configured handler deadline. Unknown actions get an error reply; nothing
// inbound ever reaches the scheduler's critical path directly.
func (g *Gateway) dispatch(s *session, f *inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HandlerTimeout())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.handleAction(s, f)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warnf("[gateway] session %s action %q exceeded handler deadline", s.id, f.Action)
		s.reply(errorFrame(f.RequestID, "timeout", "request exceeded handler deadline"))
	}
}

func (g *Gateway) handleAction(s *session, f *inboundFrame) {
	switch f.Action {
	case ActionRegisterGame:
		g.handleRegister(s, f)
	case ActionUnregisterGame:
		g.handleUnregister(s, f)
	case ActionListGames:
		g.handleList(s, f)
	case ActionPublishEvent:
		g.handlePublish(s, f)
	case ActionSubscribe:
		g.handleSubscribe(s, f, true)
	case ActionUnsubscribe:
		g.handleSubscribe(s, f, false)
	case ActionAdminStats:
		g.handleAdminStats(s, f)
	case ActionPlayerCreate:
		g.handlePlayerCreate(s, f)
	case ActionPlayerTransition:
		g.handlePlayerTransition(s, f)
	case ActionPlayerContext:
		g.handlePlayerContext(s, f)
	default:
		s.reply(errorFrame(f.RequestID, "unknown_action", "unknown action "+f.Action))
	}
}

// fail maps an error to a wire error reply, hiding internals behind the
// stable machine code.
func (s *session) fail(requestID string, err error) {
	kind := oasis.KindOf(err)
	msg := err.Error()
	if kind == oasis.KindInternal {
		msg = "internal error"
		logrus.Errorf("[gateway] session %s internal error (correlation=%s): %v", s.id, uuid.NewString(), err)
	}
	s.reply(errorFrame(requestID, string(kind), msg))
}

func (g *Gateway) handleRegister(s *session, f *inboundFrame) {
	coord := oasis.Coordinate{
		RealmID:   f.RealmID,
		RealmType: f.RealmType,
		Adjacency: f.Adjacency,
		Resonance: f.Resonance,
		Horizon:   oasis.Horizon(f.Horizon),
	}
	if f.Density != nil {
		coord.Density = *f.Density
	}
	if f.Lineage != nil {
		coord.Lineage = *f.Lineage
	}

	inst, err := g.registry.Register(coord, g.engineFor(coord), s.id)
	if err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypeGameRegistered, f.RequestID)
	reply["address"] = inst.Address.String()
	reply["coord"] = inst.Coord
	s.reply(reply)
}

// engineFor asks the configured engine factory for a tick engine. The
// gateway itself never simulates; without a factory, instances get a no-op
// engine so coordination can be exercised standalone.
func (g *Gateway) engineFor(coord oasis.Coordinate) oasis.TickEngine {
	g.schedMu.Lock()
	factory := g.engineFactory
	g.schedMu.Unlock()
	if factory == nil {
		return noopEngine{}
	}
	return factory(coord)
}

// SetEngineFactory installs the collaborator that builds per-instance tick
// engines on registration.
func (g *Gateway) SetEngineFactory(f func(oasis.Coordinate) oasis.TickEngine) {
	g.schedMu.Lock()
	g.engineFactory = f
	g.schedMu.Unlock()
}

// noopEngine is the stand-in engine used when no simulation collaborator
// is wired. Advance is instantaneous.
type noopEngine struct{}

func (noopEngine) Advance(ctx context.Context, localTicks int) error { return nil }
func (noopEngine) Describe() map[string]string {
	return map[string]string{"name": "noop", "version": "0"}
}

func (g *Gateway) handleUnregister(s *session, f *inboundFrame) {
	addr, err := oasis.ParseAddress(f.Address)
	if err != nil {
		s.fail(f.RequestID, err)
		return
	}
	if err := g.registry.Unregister(addr, s.id, s.role == RoleAdmin); err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypeGameUnregistered, f.RequestID)
	reply["address"] = addr.String()
	s.reply(reply)
}

func (g *Gateway) handleList(s *session, f *inboundFrame) {
	reply := outbound(TypeGameList, f.RequestID)
	reply["games"] = g.registry.List()
	s.reply(reply)
}

func (g *Gateway) handlePublish(s *session, f *inboundFrame) {
	source, err := oasis.ParseAddress(f.SourceAddress)
	if err != nil {
		s.fail(f.RequestID, err)
		return
	}
	var target *oasis.Address
	if f.TargetAddress != nil {
		t, err := oasis.ParseAddress(*f.TargetAddress)
		if err != nil {
			s.fail(f.RequestID, err)
			return
		}
		target = &t
	}
	if f.EventType == "" {
		s.fail(f.RequestID, oasis.Errf(oasis.KindInvalidInput, "event_type must not be empty"))
		return
	}
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	ev := oasis.NewEvent(source, target, f.EventType, payload)
	if err := g.router.Enqueue(ev); err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypeEventQueued, f.RequestID)
	reply["event_id"] = ev.ID
	s.reply(reply)
}

func (g *Gateway) handleSubscribe(s *session, f *inboundFrame, add bool) {
	all, types, err := f.subscriptionSet()
	if err != nil {
		s.fail(f.RequestID, oasis.Errf(oasis.KindInvalidInput, "event_types must be a list of strings or %q", SubscribeAll))
		return
	}
	if !all && len(types) == 0 {
		s.fail(f.RequestID, oasis.Errf(oasis.KindInvalidInput, "event_types must not be empty"))
		return
	}
	frameType := TypeSubscribed
	if add {
		s.subscribe(all, types)
	} else {
		s.unsubscribe(all, types)
		frameType = TypeUnsubscribed
	}
	reply := outbound(frameType, f.RequestID)
	if all {
		reply["event_types"] = SubscribeAll
	} else {
		reply["event_types"] = types
	}
	s.reply(reply)
}

func (g *Gateway) handleAdminStats(s *session, f *inboundFrame) {
	if s.role != RoleAdmin {
		s.fail(f.RequestID, oasis.Errf(oasis.KindUnauthorized, "admin_stats requires an admin session"))
		return
	}
	reply := outbound(TypeStats, f.RequestID)
	reply["games"] = g.registry.List()
	reply["router"] = map[string]any{
		"pending": g.router.Size(),
		"dropped": g.router.Dropped(),
	}
	reply["sessions"] = g.SessionCount()
	reply["replay_buffered"] = g.replay.Len()
	reply["players"] = g.players.Stats()
	g.schedMu.Lock()
	sched := g.scheduler
	g.schedMu.Unlock()
	if sched != nil {
		reply["scheduler"] = sched.Stats()
	}
	s.reply(reply)
}

func (g *Gateway) handlePlayerCreate(s *session, f *inboundFrame) {
	p, err := g.players.CreatePlayer(f.Name, f.Race, f.StartingRealm, f.Class)
	if err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypePlayerCreated, f.RequestID)
	reply["player"] = p
	s.reply(reply)
}

func (g *Gateway) handlePlayerTransition(s *session, f *inboundFrame) {
	playerID, err := uuid.Parse(f.PlayerID)
	if err != nil {
		s.fail(f.RequestID, oasis.Errf(oasis.KindInvalidInput, "player_id is not a valid UUID"))
		return
	}
	if err := g.players.Transition(playerID, f.SrcRealm, f.DstRealm, f.NarrativeCtx); err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypePlayerTransitioned, f.RequestID)
	reply["player_id"] = playerID
	reply["active_realm"] = f.DstRealm
	s.reply(reply)
}

func (g *Gateway) handlePlayerContext(s *session, f *inboundFrame) {
	playerID, err := uuid.Parse(f.PlayerID)
	if err != nil {
		s.fail(f.RequestID, oasis.Errf(oasis.KindInvalidInput, "player_id is not a valid UUID"))
		return
	}
	snap, err := g.players.GetContext(playerID)
	if err != nil {
		s.fail(f.RequestID, err)
		return
	}
	reply := outbound(TypePlayerContext, f.RequestID)
	reply["context"] = snap
	s.reply(reply)
}
