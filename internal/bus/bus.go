// Package bus implements the per-room ordered event multiplexer. It is the
// sole assigner of room sequence numbers: every publish for a room happens
// inside that room's critical section, so any two events published to the
// same room are enqueued to every Live session in sequence order with no
// gaps. Rooms are fully independent; there is no global publish lock.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duet/chat-app/internal/event"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/registry"
)

// Relay mirrors locally published events to other server instances. The
// NATS implementation lives in internal/messaging; a nil relay means
// single-instance operation.
type Relay interface {
	RelayEvent(ev *event.Event) error
}

// roomState is the per-room serialization point. The mutex is the publish
// critical section; seq is mutated only while it is held.
type roomState struct {
	mu  sync.Mutex
	seq uint64
}

// Bus fans published events out to the Live sessions of a room.
type Bus struct {
	reg   *registry.Registry
	relay Relay

	mu    sync.Mutex
	rooms map[int64]*roomState // created lazily, kept for the room's lifetime
}

// New creates a Bus that resolves fan-out targets through the given
// registry.
func New(reg *registry.Registry) *Bus {
	return &Bus{
		reg:   reg,
		rooms: make(map[int64]*roomState),
	}
}

// SetRelay wires an optional cross-instance relay. Must be called before
// the bus starts publishing.
func (b *Bus) SetRelay(relay Relay) {
	b.relay = relay
}

// Publish encodes the payload, assigns the room's next sequence number, and
// enqueues the event to every Live session in the room. It returns the
// constructed event. Payload encoding and all I/O-bearing work (persistence)
// happen before the room critical section is entered; nothing suspends while
// it is held.
func (b *Bus) Publish(room int64, name string, payload interface{}, origin string) (*event.Event, error) {
	return b.publish(room, name, payload, origin, false)
}

// PublishExcludingOrigin behaves like Publish but skips every session owned
// by the origin user at delivery time. This is the uniform echo-suppression
// filter used for typing and presence events, where the originating user
// does not need its own state echoed back.
func (b *Bus) PublishExcludingOrigin(room int64, name string, payload interface{}, origin string) (*event.Event, error) {
	return b.publish(room, name, payload, origin, true)
}

func (b *Bus) publish(room int64, name string, payload interface{}, origin string, excludeOrigin bool) (*event.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s payload: %w", name, err)
	}

	rs := b.roomState(room)

	start := time.Now()
	rs.mu.Lock()
	rs.seq++
	ev := &event.Event{
		RoomID:    room,
		Seq:       rs.seq,
		Name:      name,
		Data:      data,
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	overflowed := b.deliver(ev, excludeOrigin)
	rs.mu.Unlock()
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	metrics.EventsPublished.WithLabelValues(name).Inc()

	// Eviction happens outside the critical section: unregistering fires the
	// presence listener, which publishes back into this same room.
	b.evict(overflowed)

	if b.relay != nil {
		if err := b.relay.RelayEvent(ev); err != nil {
			log.Printf("[bus] relay failed room=%d seq=%d event=%s: %v", room, ev.Seq, name, err)
		}
	}

	return ev, nil
}

// DeliverRemote hands a relayed event from another server instance to the
// local sessions of its room. The event keeps the sequence number assigned
// by its origin instance; it is never re-sequenced here. Remote delivery
// shares the room critical section so it cannot interleave with a local
// publish's fan-out.
func (b *Bus) DeliverRemote(ev *event.Event) {
	rs := b.roomState(ev.RoomID)
	rs.mu.Lock()
	overflowed := b.deliver(ev, false)
	rs.mu.Unlock()
	b.evict(overflowed)
}

// deliver enqueues the event to each Live session in the room and returns
// any sessions that overflowed their queue. The publisher is never blocked
// by a slow consumer. Callers must hold the room's mutex.
func (b *Bus) deliver(ev *event.Event, excludeOrigin bool) []*registry.Session {
	var overflowed []*registry.Session
	for _, s := range b.reg.SessionsInRoom(ev.RoomID) {
		if excludeOrigin && ev.Origin != "" && s.UserID == ev.Origin {
			continue
		}
		if !s.Enqueue(ev) && s.CloseReason() == registry.ReasonOverflow {
			log.Printf("[bus] session overflow room=%d user=%s session=%s seq=%d",
				ev.RoomID, s.UserID, s.ID, ev.Seq)
			metrics.SessionOverflows.Inc()
			overflowed = append(overflowed, s)
		}
	}
	return overflowed
}

// evict unregisters overflowed sessions so subsequent publishes stop
// targeting them. The session is already Closed; Enqueue on it is a no-op
// in the window before removal.
func (b *Bus) evict(sessions []*registry.Session) {
	for _, s := range sessions {
		b.reg.Unregister(s)
	}
}

// roomState returns the room's serialization state, creating it on first
// use. States are never removed while the service runs: a room is two
// users, so the set stays small, and dropping a state would reset the
// sequence counter under a live room.
func (b *Bus) roomState(room int64) *roomState {
	b.mu.Lock()
	rs, ok := b.rooms[room]
	if !ok {
		rs = &roomState{}
		b.rooms[room] = rs
	}
	b.mu.Unlock()
	return rs
}
