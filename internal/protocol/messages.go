// Package protocol defines the WebSocket wire contract between the chat
// client and the delivery core. Every frame in both directions is a JSON
// envelope with an "event" discriminator and a "data" payload object; the
// two field names are fixed for compatibility with the deployed web client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventReaction = "reaction"
)

// Server -> Client error frame.
const EventError = "error"

// Error codes carried by error frames.
const (
	CodeNotAMember             = "not_a_member"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeInvalidMessage         = "invalid_message"
	CodeParseError             = "parse_error"
	CodeUnsupportedEvent       = "unsupported_event"
	CodeRateLimited            = "rate_limited"
)

// Reaction actions accepted on inbound reaction frames.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the common frame shape: an event name plus a raw payload that
// is decoded into the event-specific struct after the name is known.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// MessagePayload is the payload of an inbound "message" frame.
type MessagePayload struct {
	Content   string `json:"content"`
	Type      string `json:"type"` // text | image | audio | video; defaults to text
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// TypingPayload is the payload of an inbound "typing" frame.
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

// ReactionPayload is the payload of an inbound "reaction" frame.
type ReactionPayload struct {
	MessageID    string `json:"message_id"`
	ReactionType string `json:"reaction_type"`
	Action       string `json:"action"` // add | remove; defaults to add
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// MessageRecord is the public form of a stored message, carried by
// new_message events. The id and created_at are assigned by the store,
// never by the delivery core.
type MessageRecord struct {
	ID             string              `json:"id"`
	RoomID         int64               `json:"room_id"`
	SenderID       string              `json:"sender_id"`
	Content        string              `json:"content"`
	MessageType    string              `json:"message_type"`
	MediaURL       string              `json:"media_url,omitempty"`
	ViewOnce       bool                `json:"view_once"`
	ViewOnceViewed bool                `json:"view_once_viewed"`
	ReplyToID      string              `json:"reply_to_id,omitempty"`
	Reactions      map[string][]string `json:"reactions"`
	IsRemembered   bool                `json:"is_remembered"`
	MemoryCategory string              `json:"memory_category,omitempty"`
	CreatedAt      string              `json:"created_at"` // RFC 3339
}

// TypingStatusData is the payload of typing_status events. TypingUsers is
// always the full current typer set for the room, never a delta.
type TypingStatusData struct {
	UserID      string   `json:"user_id"`
	IsTyping    bool     `json:"is_typing"`
	TypingUsers []string `json:"typing_users"`
}

// ReactionData is the payload of reaction_added / reaction_removed events.
// Reactions is the full recomputed map for the message (reaction type ->
// user IDs), so concurrent reactions can never leave clients diverged.
type ReactionData struct {
	MessageID    string              `json:"message_id"`
	UserID       string              `json:"user_id"`
	ReactionType string              `json:"reaction_type"`
	Reactions    map[string][]string `json:"reactions"`
}

// RememberedData is the payload of message_remembered events.
type RememberedData struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Category  string `json:"category"`
}

// PresenceData is the payload of user_joined / user_left events.
type PresenceData struct {
	UserID string `json:"user_id"`
}

// HistoryClearedData is the payload of history_cleared events.
type HistoryClearedData struct {
	RoomID       int64 `json:"room_id"`
	ClearedCount int64 `json:"cleared_count"`
}

// RoomClosedData is the payload of room_closed events.
type RoomClosedData struct {
	Reason string `json:"reason"`
}

// ErrorData is the payload of error frames sent back on the originating
// connection only.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes into a typed client payload.
// It returns the event name, the decoded payload struct, and any error. An
// error is returned for unknown event names and for malformed payloads.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"event\" field")
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Event {
	case EventMessage:
		var p MessagePayload
		err = unmarshalPayload(env.Data, &p)
		if p.Type == "" {
			p.Type = "text"
		}
		payload = p
	case EventTyping:
		var p TypingPayload
		err = unmarshalPayload(env.Data, &p)
		payload = p
	case EventReaction:
		var p ReactionPayload
		err = unmarshalPayload(env.Data, &p)
		if p.Action == "" {
			p.Action = ActionAdd
		}
		payload = p
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, payload, nil
}

// unmarshalPayload decodes a frame payload, treating an absent "data" object
// as an empty one so that payloads with all-optional fields parse cleanly.
func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// NewServerFrame encodes a server-to-client frame with the given event name
// and payload under the standard envelope.
func NewServerFrame(eventName string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	out, err := json.Marshal(Envelope{Event: eventName, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// NewErrorFrame builds an error frame with the given code and message.
func NewErrorFrame(code, message string) ([]byte, error) {
	return NewServerFrame(EventError, ErrorData{Code: code, Message: message})
}
