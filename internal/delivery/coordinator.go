// Package delivery is the top-level entry point for inbound client actions.
// The coordinator validates, persists through the external store, and only
// then publishes the result as a room event: the bus is purely a
// notification mechanism over already-durable state, so a crash can never
// leave clients having seen a message that was not stored.
package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/duet/chat-app/internal/bus"
	"github.com/duet/chat-app/internal/event"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/presence"
	"github.com/duet/chat-app/internal/protocol"
	"github.com/duet/chat-app/internal/registry"
)

// Coordinator orchestrates persist-then-notify for messages, reactions, and
// remember flags, and exposes the room-level administrative actions the
// REST backend invokes.
type Coordinator struct {
	store   Persistence
	members Membership
	bus     *bus.Bus
	reg     *registry.Registry
	typing  *presence.Tracker
}

// NewCoordinator wires the coordinator to its collaborators. The presence
// tracker may be nil in tests that do not exercise typing.
func NewCoordinator(store Persistence, members Membership, b *bus.Bus, reg *registry.Registry, typing *presence.Tracker) *Coordinator {
	return &Coordinator{
		store:   store,
		members: members,
		bus:     b,
		reg:     reg,
		typing:  typing,
	}
}

// HandleMessage validates room membership and content, durably stores the
// message, and publishes new_message with the store-assigned id and
// timestamp. On any persistence failure nothing is published and
// ErrPersistenceUnavailable is returned for the client to retry.
func (c *Coordinator) HandleMessage(ctx context.Context, room int64, user, content, msgType, replyToID string) (*event.Event, error) {
	ok, err := c.members.IsMember(ctx, room, user)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("%w: membership lookup: %v", ErrPersistenceUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: user=%s room=%d", ErrNotAMember, user, room)
	}

	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	stored, err := c.persistMessage(ctx, room, user, content, msgType, replyToID)
	if err != nil {
		return nil, err
	}

	ev, err := c.bus.Publish(room, event.NewMessage, stored.Record, user)
	if err != nil {
		return nil, err
	}

	// Sending a message implicitly ends the sender's typing state.
	if c.typing != nil {
		c.typing.MessageSent(room, user)
	}

	log.Printf("[delivery] message room=%d user=%s id=%s seq=%d", room, user, stored.ID, ev.Seq)
	return ev, nil
}

// HandleReaction delegates the add/remove to the store, which enforces
// one-reaction-per-type-per-user, then publishes the full recomputed
// reaction map. Publishing the map rather than a delta keeps racing
// reactions from diverging client state.
func (c *Coordinator) HandleReaction(ctx context.Context, room int64, user, messageID, reactionType string, add bool) (*event.Event, error) {
	start := time.Now()
	reactions, err := c.store.SetReaction(ctx, messageID, user, reactionType, add)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("%w: set reaction: %v", ErrPersistenceUnavailable, err)
	}

	name := event.ReactionAdded
	if !add {
		name = event.ReactionRemoved
	}
	data := protocol.ReactionData{
		MessageID:    messageID,
		UserID:       user,
		ReactionType: reactionType,
		Reactions:    reactions,
	}
	ev, err := c.bus.Publish(room, name, data, user)
	if err != nil {
		return nil, err
	}

	log.Printf("[delivery] reaction room=%d user=%s message=%s type=%s add=%v seq=%d",
		room, user, messageID, reactionType, add, ev.Seq)
	return ev, nil
}

// HandleRemember delegates the remember flag to the store, then publishes
// message_remembered.
func (c *Coordinator) HandleRemember(ctx context.Context, room int64, user, messageID, category string) (*event.Event, error) {
	start := time.Now()
	err := c.store.SetRemembered(ctx, messageID, category)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("%w: set remembered: %v", ErrPersistenceUnavailable, err)
	}

	data := protocol.RememberedData{MessageID: messageID, UserID: user, Category: category}
	ev, err := c.bus.Publish(room, event.MessageRemembered, data, user)
	if err != nil {
		return nil, err
	}

	log.Printf("[delivery] remembered room=%d user=%s message=%s category=%s", room, user, messageID, category)
	return ev, nil
}

// ClearHistory deletes every stored message in the room and notifies live
// sessions. Memories held by the AI layer are unaffected.
func (c *Coordinator) ClearHistory(ctx context.Context, room int64) (*event.Event, error) {
	count, err := c.store.DeleteRoomMessages(ctx, room)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("%w: delete room messages: %v", ErrPersistenceUnavailable, err)
	}

	data := protocol.HistoryClearedData{RoomID: room, ClearedCount: count}
	ev, err := c.bus.Publish(room, event.HistoryCleared, data, "")
	if err != nil {
		return nil, err
	}

	log.Printf("[delivery] history cleared room=%d count=%d", room, count)
	return ev, nil
}

// CloseRoom notifies live sessions that the room is gone and force-closes
// them. Invoked by the REST backend when a room is deleted.
func (c *Coordinator) CloseRoom(room int64, reason string) {
	if _, err := c.bus.Publish(room, event.RoomClosed, protocol.RoomClosedData{Reason: reason}, ""); err != nil {
		log.Printf("[delivery] publish room_closed room=%d: %v", room, err)
	}
	closed := c.reg.CloseRoom(room, registry.ReasonRoomClosed)
	log.Printf("[delivery] room closed room=%d sessions=%d reason=%q", room, closed, reason)
}

// persistMessage runs the store call-out with latency tracking. It happens
// strictly before any room critical section is entered.
func (c *Coordinator) persistMessage(ctx context.Context, room int64, user, content, msgType, replyToID string) (StoredMessage, error) {
	start := time.Now()
	stored, err := c.store.StoreMessage(ctx, room, user, content, msgType, replyToID)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return StoredMessage{}, fmt.Errorf("%w: store message: %v", ErrPersistenceUnavailable, err)
	}
	return stored, nil
}
