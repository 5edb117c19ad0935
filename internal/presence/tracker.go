// Package presence derives online/offline and typing state from session
// registry events. It owns the per-room typing set, the only purely
// time-driven state in the delivery core: a typing entry that is not
// refreshed within the inactivity window expires and triggers a
// typing_status publish without any further client input.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duet/chat-app/internal/bus"
	"github.com/duet/chat-app/internal/event"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/protocol"
)

const (
	// TypingWindow is how long a typing entry lives without a refresh. It
	// matches the debounce interval the web client uses for typing signals.
	TypingWindow = 2 * time.Second

	// SweepInterval is how often expired typing entries are collected.
	SweepInterval = 500 * time.Millisecond
)

// Roster mirrors per-user online state to an external store (Redis in
// production) so the REST backend can answer "is my partner online"
// without touching this process. A nil roster disables mirroring.
type Roster interface {
	SetOnline(ctx context.Context, user string, room int64) error
	SetOffline(ctx context.Context, user string) error
}

// Tracker maintains typing sets and publishes presence and typing events
// through the room event bus. It implements registry.Listener.
type Tracker struct {
	bus    *bus.Bus
	roster Roster

	mu     sync.Mutex
	typing map[int64]map[string]time.Time // room -> user -> last signal

	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a Tracker publishing through the given bus. The roster
// may be nil.
func NewTracker(b *bus.Bus, roster Roster) *Tracker {
	return &Tracker{
		bus:    b,
		roster: roster,
		typing: make(map[int64]map[string]time.Time),
		done:   make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. It returns immediately;
// the goroutine exits when Stop is called.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

// Stop terminates the sweep goroutine.
func (t *Tracker) Stop() {
	t.closeOnce.Do(func() { close(t.done) })
}

// OnTypingSignal adds, refreshes, or removes the user's typing entry and
// publishes the room's full current typer set. The originating user's own
// sessions are excluded at delivery time; everyone else receives the
// complete set.
func (t *Tracker) OnTypingSignal(room int64, user string, isTyping bool) {
	t.mu.Lock()
	if isTyping {
		users, ok := t.typing[room]
		if !ok {
			users = make(map[string]time.Time)
			t.typing[room] = users
		}
		users[user] = time.Now()
		metrics.TypingRooms.Set(float64(len(t.typing)))
	} else {
		t.removeLocked(room, user)
	}
	typers := t.typersLocked(room)
	t.mu.Unlock()

	t.publishTyping(room, user, isTyping, typers)
}

// MessageSent removes the user's typing entry, if any: sending a message
// implicitly ends typing. A typing_status update is published only when the
// entry actually existed.
func (t *Tracker) MessageSent(room int64, user string) {
	t.mu.Lock()
	_, wasTyping := t.typing[room][user]
	if wasTyping {
		t.removeLocked(room, user)
	}
	typers := t.typersLocked(room)
	t.mu.Unlock()

	if wasTyping {
		t.publishTyping(room, user, false, typers)
	}
}

// SessionRegistered implements registry.Listener. A user_joined event is
// published only on the offline->online edge for the user, not per
// session or device.
func (t *Tracker) SessionRegistered(room int64, user string, firstForUser bool) {
	if !firstForUser {
		return
	}
	if _, err := t.bus.PublishExcludingOrigin(room, event.UserJoined, protocol.PresenceData{UserID: user}, user); err != nil {
		log.Printf("[presence] publish user_joined room=%d user=%s: %v", room, user, err)
	}
	t.mirrorOnline(room, user)
}

// SessionUnregistered implements registry.Listener. A user_left event is
// published only when the user's last session in the room is gone. The
// user's typing entry is dropped silently; user_left supersedes it on
// every client.
func (t *Tracker) SessionUnregistered(room int64, user string, lastForUser bool) {
	if !lastForUser {
		return
	}

	t.mu.Lock()
	t.removeLocked(room, user)
	t.mu.Unlock()

	if _, err := t.bus.PublishExcludingOrigin(room, event.UserLeft, protocol.PresenceData{UserID: user}, user); err != nil {
		log.Printf("[presence] publish user_left room=%d user=%s: %v", room, user, err)
	}
	t.mirrorOffline(user)
}

// TypersIn returns the current typer set for a room. Used by tests and the
// debug endpoint.
func (t *Tracker) TypersIn(room int64) []string {
	t.mu.Lock()
	typers := t.typersLocked(room)
	t.mu.Unlock()
	return typers
}

// sweep expires typing entries older than the inactivity window and
// publishes an updated typer set for each room that changed.
func (t *Tracker) sweep() {
	type expiry struct {
		room   int64
		user   string
		typers []string
	}

	cutoff := time.Now().Add(-TypingWindow)

	t.mu.Lock()
	var expired []expiry
	for room, users := range t.typing {
		for user, last := range users {
			if last.Before(cutoff) {
				t.removeLocked(room, user)
				expired = append(expired, expiry{room: room, user: user, typers: t.typersLocked(room)})
			}
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		log.Printf("[presence] typing expired room=%d user=%s", e.room, e.user)
		t.publishTyping(e.room, e.user, false, e.typers)
	}
}

// publishTyping emits a typing_status event with the full current set.
func (t *Tracker) publishTyping(room int64, user string, isTyping bool, typers []string) {
	data := protocol.TypingStatusData{
		UserID:      user,
		IsTyping:    isTyping,
		TypingUsers: typers,
	}
	if _, err := t.bus.PublishExcludingOrigin(room, event.TypingStatus, data, user); err != nil {
		log.Printf("[presence] publish typing_status room=%d user=%s: %v", room, user, err)
	}
}

// removeLocked drops a typing entry and prunes the room map. Callers must
// hold the tracker lock.
func (t *Tracker) removeLocked(room int64, user string) {
	users, ok := t.typing[room]
	if !ok {
		return
	}
	delete(users, user)
	if len(users) == 0 {
		delete(t.typing, room)
	}
	metrics.TypingRooms.Set(float64(len(t.typing)))
}

// typersLocked snapshots the room's typer set. Callers must hold the
// tracker lock. Always non-nil so the wire payload is a JSON array.
func (t *Tracker) typersLocked(room int64) []string {
	users := t.typing[room]
	out := make([]string, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	return out
}

// mirrorOnline / mirrorOffline push the edge to the external roster with a
// short timeout. Failures are logged, never propagated: roster state is
// advisory.
func (t *Tracker) mirrorOnline(room int64, user string) {
	if t.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.roster.SetOnline(ctx, user, room); err != nil {
		log.Printf("[presence] roster set online user=%s: %v", user, err)
	}
}

func (t *Tracker) mirrorOffline(user string) {
	if t.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.roster.SetOffline(ctx, user); err != nil {
		log.Printf("[presence] roster set offline user=%s: %v", user, err)
	}
}
