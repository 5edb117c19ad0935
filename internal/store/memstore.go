package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duet/chat-app/internal/delivery"
	"github.com/duet/chat-app/internal/protocol"
)

// MemStore is an in-memory implementation of delivery.Persistence and
// delivery.Membership. It backs unit tests and the -store=memory
// development mode; semantics match the PostgreSQL store, including the
// one-reaction-per-type-per-user uniqueness rule.
type MemStore struct {
	mu        sync.Mutex
	rooms     map[int64][2]string
	messages  map[string]*memMessage
	order     map[int64][]string // room -> message IDs in insert order
	failStore error              // when set, every persistence call fails with it
}

type memMessage struct {
	record    protocol.MessageRecord
	createdAt time.Time
	reactions map[string]map[string]bool // reaction type -> user set
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		rooms:    make(map[int64][2]string),
		messages: make(map[string]*memMessage),
		order:    make(map[int64][]string),
	}
}

// AddRoom registers a two-member room.
func (m *MemStore) AddRoom(room int64, userA, userB string) {
	m.mu.Lock()
	m.rooms[room] = [2]string{userA, userB}
	m.mu.Unlock()
}

// FailWith makes every subsequent persistence call return err. Passing nil
// restores normal operation. Used by tests to exercise the
// persist-before-notify failure path.
func (m *MemStore) FailWith(err error) {
	m.mu.Lock()
	m.failStore = err
	m.mu.Unlock()
}

// StoreMessage implements delivery.Persistence.
func (m *MemStore) StoreMessage(ctx context.Context, room int64, sender, content, msgType, replyToID string) (delivery.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStore != nil {
		return delivery.StoredMessage{}, m.failStore
	}

	id := uuid.New().String()
	now := time.Now()
	msg := &memMessage{
		record: protocol.MessageRecord{
			ID:          id,
			RoomID:      room,
			SenderID:    sender,
			Content:     content,
			MessageType: msgType,
			ReplyToID:   replyToID,
			Reactions:   map[string][]string{},
			CreatedAt:   now.UTC().Format(time.RFC3339Nano),
		},
		createdAt: now,
		reactions: make(map[string]map[string]bool),
	}
	m.messages[id] = msg
	m.order[room] = append(m.order[room], id)

	return delivery.StoredMessage{ID: id, CreatedAt: now, Record: msg.record}, nil
}

// SetReaction implements delivery.Persistence.
func (m *MemStore) SetReaction(ctx context.Context, messageID, user, reactionType string, add bool) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStore != nil {
		return nil, m.failStore
	}

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("memstore: message %s not found", messageID)
	}

	if add {
		users, ok := msg.reactions[reactionType]
		if !ok {
			users = make(map[string]bool)
			msg.reactions[reactionType] = users
		}
		users[user] = true
	} else {
		delete(msg.reactions[reactionType], user)
		if len(msg.reactions[reactionType]) == 0 {
			delete(msg.reactions, reactionType)
		}
	}

	return msg.reactionMap(), nil
}

// SetRemembered implements delivery.Persistence.
func (m *MemStore) SetRemembered(ctx context.Context, messageID, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStore != nil {
		return m.failStore
	}

	msg, ok := m.messages[messageID]
	if !ok {
		return fmt.Errorf("memstore: message %s not found", messageID)
	}
	msg.record.IsRemembered = true
	msg.record.MemoryCategory = category
	return nil
}

// FetchHistory implements delivery.Persistence.
func (m *MemStore) FetchHistory(ctx context.Context, room int64, before time.Time, limit int) ([]protocol.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStore != nil {
		return nil, m.failStore
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if before.IsZero() {
		before = time.Now()
	}

	var out []protocol.MessageRecord
	ids := m.order[room]
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[ids[i]]
		if msg.createdAt.Before(before) {
			rec := msg.record
			rec.Reactions = msg.reactionMap()
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteRoomMessages implements delivery.Persistence.
func (m *MemStore) DeleteRoomMessages(ctx context.Context, room int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStore != nil {
		return 0, m.failStore
	}

	ids := m.order[room]
	for _, id := range ids {
		delete(m.messages, id)
	}
	delete(m.order, room)
	return int64(len(ids)), nil
}

// IsMember implements delivery.Membership.
func (m *MemStore) IsMember(ctx context.Context, room int64, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[room]
	if !ok {
		return false, nil
	}
	return members[0] == user || members[1] == user, nil
}

// MembersOf implements delivery.Membership.
func (m *MemStore) MembersOf(ctx context.Context, room int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	return []string{members[0], members[1]}, nil
}

// reactionMap renders the reaction sets as the wire-format map with stable
// user ordering. Callers must hold the store lock.
func (msg *memMessage) reactionMap() map[string][]string {
	out := make(map[string][]string, len(msg.reactions))
	for rtype, users := range msg.reactions {
		list := make([]string, 0, len(users))
		for user := range users {
			list = append(list, user)
		}
		sort.Strings(list)
		out[rtype] = list
	}
	return out
}
