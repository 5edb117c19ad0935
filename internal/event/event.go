// Package event defines the immutable, sequenced room event that the bus
// fans out to live sessions, and the outbound wire frame it is encoded as.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event variant names. These are the values of the "event" field on the
// outbound wire frame and must not change — the web client switches on them.
const (
	NewMessage        = "new_message"
	TypingStatus      = "typing_status"
	ReactionAdded     = "reaction_added"
	ReactionRemoved   = "reaction_removed"
	MessageRemembered = "message_remembered"
	UserJoined        = "user_joined"
	UserLeft          = "user_left"
	HistoryCleared    = "history_cleared"
	RoomClosed        = "room_closed"
)

// Event is one fact published to a room. Events are created only by the bus
// at publish time; Seq is the bus-assigned per-room sequence number, strictly
// increasing and gapless within a room. An Event is never mutated after
// construction and is held only transiently in session outbound queues.
type Event struct {
	RoomID    int64           `json:"room_id"`
	Seq       uint64          `json:"seq"`
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"` // user ID, empty for system events
	CreatedAt time.Time       `json:"created_at"`
}

// frame is the outbound wire envelope. The field names "event" and "data"
// are a compatibility contract with the existing client.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Seq   uint64          `json:"seq"`
}

// Frame encodes the event as a single outbound WebSocket text frame.
func (e *Event) Frame() ([]byte, error) {
	out, err := json.Marshal(frame{Event: e.Name, Data: e.Data, Seq: e.Seq})
	if err != nil {
		return nil, fmt.Errorf("event: marshal frame: %w", err)
	}
	return out, nil
}
