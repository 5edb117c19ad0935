package delivery

import (
	"context"
	"time"

	"github.com/duet/chat-app/internal/protocol"
)

// StoredMessage is what the persistence collaborator returns for a durably
// stored message. ID and CreatedAt are assigned by the store; the core
// never guesses them.
type StoredMessage struct {
	ID        string
	CreatedAt time.Time
	Record    protocol.MessageRecord
}

// Persistence is the external message-store collaborator. Any failure it
// returns is mapped to ErrPersistenceUnavailable at the coordinator
// boundary; the store owns its own timeout policy.
type Persistence interface {
	// StoreMessage durably stores a message and returns its canonical
	// record.
	StoreMessage(ctx context.Context, room int64, sender, content, msgType, replyToID string) (StoredMessage, error)

	// SetReaction adds or removes a (message, user, type) reaction and
	// returns the full recomputed reaction map for the message. The store
	// enforces one-reaction-per-type-per-user, so adding twice is a no-op
	// that still returns the current map.
	SetReaction(ctx context.Context, messageID, user, reactionType string, add bool) (map[string][]string, error)

	// SetRemembered flags a message as remembered under a memory category.
	SetRemembered(ctx context.Context, messageID, category string) error

	// FetchHistory returns up to limit messages created before the given
	// time, newest first. Used by reconnecting clients via the REST layer,
	// not by the delivery core itself.
	FetchHistory(ctx context.Context, room int64, before time.Time, limit int) ([]protocol.MessageRecord, error)

	// DeleteRoomMessages removes every message in a room and returns the
	// count deleted.
	DeleteRoomMessages(ctx context.Context, room int64) (int64, error)
}

// Membership is the external room-membership collaborator. Rooms have at
// most two members; the core only ever reads membership.
type Membership interface {
	IsMember(ctx context.Context, room int64, user string) (bool, error)
	MembersOf(ctx context.Context, room int64) ([]string, error)
}
