package oasis

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a cross-instance event queued on the Router between control
// ticks. A nil Target means broadcast to every registered instance except
// the source.
type Event struct {
	ID        uuid.UUID       `json:"event_id"`
	Source    Address         `json:"source_address"`
	Target    *Address        `json:"target_address"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Broadcast reports whether the event fans out to all instances.
func (e Event) Broadcast() bool { return e.Target == nil }

// DeliveredEvent is an Event bound to one concrete target during the drain
// of a specific control tick.
type DeliveredEvent struct {
	ID            uuid.UUID       `json:"event_id"`
	Source        Address         `json:"source_address"`
	Target        Address         `json:"target_address"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	ControlTickID uint64          `json:"control_tick_id"`
	OriginalTS    time.Time       `json:"original_ts"`
	DeliveredTS   time.Time       `json:"delivered_ts"`
}

// EventTypePlayerTraveled is broadcast whenever a player completes a realm
// transition whose source realm is registered.
const EventTypePlayerTraveled = "player_traveled"

// NewTravelEvent builds the broadcast announcing a player transition out
// of a registered source realm.
func NewTravelEvent(source Address, payload map[string]any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, Wrap(KindInternal, err, "marshaling travel payload")
	}
	return NewEvent(source, nil, EventTypePlayerTraveled, raw), nil
}

// NewEvent builds a routable event with a fresh ID and creation timestamp.
func NewEvent(source Address, target *Address, eventType string, payload json.RawMessage) Event {
	return Event{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
