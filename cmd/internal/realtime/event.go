package realtime

import (
	"encoding/json"
	"time"
)

// Frame types the feed itself emits or accepts. Domain event types (for
// example file.received) are passed through Publish unchanged.
const (
	TypeReady = "feed.ready"
	TypeError = "error"
	TypePing  = "ping"
	TypePong  = "pong"
)

// Event is one JSON text frame on the feed.
type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type readyPayload struct {
	SubscriptionID string `json:"subscription_id"`
	OwnerID        string `json:"owner_id"`
}

func newEvent(typ string, payload any, now time.Time) (Event, error) {
	ev := Event{Type: typ, TS: now.UTC()}
	if id, err := NewEventID(now); err == nil {
		ev.ID = id
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}
