// Package gateway exposes the orchestrator over a WebSocket surface: one
// duplex JSON stream per session multiplexing registration, event
// publication, player operations and admin telemetry.
//
// Wire shape: every inbound frame carries an "action" discriminator and an
// optional "request_id" echoed on the reply; every outbound frame carries a
// "type" discriminator and an RFC3339-nano "ts".
package gateway

import (
	"encoding/json"
	"time"
)

// Inbound actions (the authoritative set).
const (
	ActionRegisterGame     = "register_game"
	ActionUnregisterGame   = "unregister_game"
	ActionListGames        = "list_games"
	ActionPublishEvent     = "publish_event"
	ActionSubscribe        = "subscribe"
	ActionUnsubscribe      = "unsubscribe"
	ActionAdminStats       = "admin_stats"
	ActionPlayerCreate     = "player_create"
	ActionPlayerTransition = "player_transition"
	ActionPlayerContext    = "player_context"
)

// Outbound frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeGameRegistered        = "game_registered"
	TypeGameUnregistered      = "game_unregistered"
	TypeGameList              = "game_list"
	TypeEventQueued           = "event_queued"
	TypeEventDelivered        = "event_delivered"
	TypeControlTickComplete   = "control_tick_complete"
	TypePlayerCreated         = "player_created"
	TypePlayerTransitioned    = "player_transitioned"
	TypePlayerContext         = "player_context"
	TypeStats                 = "stats"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypeError                 = "error"
)

// SubscribeAll is the wildcard accepted by subscribe/unsubscribe.
const SubscribeAll = "ALL"

// inboundFrame is the union of every action's fields; dispatch branches on
// Action and reads only the fields that action defines.
type inboundFrame struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`

	// register_game
	RealmID   string `json:"realm_id,omitempty"`
	RealmType string `json:"realm_type,omitempty"`
	Adjacency string `json:"adjacency,omitempty"`
	Resonance string `json:"resonance,omitempty"`
	Density   *int   `json:"density,omitempty"`
	Lineage   *int   `json:"lineage,omitempty"`
	Horizon   string `json:"horizon,omitempty"`

	// unregister_game / publish_event
	Address       string          `json:"address,omitempty"`
	SourceAddress string          `json:"source_address,omitempty"`
	TargetAddress *string         `json:"target_address,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// subscribe / unsubscribe: ["a","b"] or "ALL"
	EventTypes json.RawMessage `json:"event_types,omitempty"`

	// player_*
	Name          string `json:"name,omitempty"`
	Race          string `json:"race,omitempty"`
	Class         string `json:"class,omitempty"`
	StartingRealm string `json:"starting_realm,omitempty"`
	PlayerID      string `json:"player_id,omitempty"`
	SrcRealm      string `json:"src_realm,omitempty"`
	DstRealm      string `json:"dst_realm,omitempty"`
	NarrativeCtx  string `json:"narrative_ctx,omitempty"`
}

// subscriptionSet parses the event_types field: either the literal "ALL"
// or a list of event type strings.
func (f *inboundFrame) subscriptionSet() (all bool, types []string, err error) {
	if len(f.EventTypes) == 0 {
		return false, nil, nil
	}
	var wildcard string
	if json.Unmarshal(f.EventTypes, &wildcard) == nil {
		if wildcard == SubscribeAll {
			return true, nil, nil
		}
		return false, []string{wildcard}, nil
	}
	if err := json.Unmarshal(f.EventTypes, &types); err != nil {
		return false, nil, err
	}
	return false, types, nil
}

// outbound builds the common envelope of an outbound frame. Callers add
// payload fields on top.
func outbound(frameType, requestID string) map[string]any {
	frame := map[string]any{
		"type": frameType,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if requestID != "" {
		frame["request_id"] = requestID
	}
	return frame
}

// errorFrame builds an error reply with a stable machine code.
func errorFrame(requestID, code, message string) map[string]any {
	frame := outbound(TypeError, requestID)
	frame["code"] = code
	frame["message"] = message
	return frame
}
