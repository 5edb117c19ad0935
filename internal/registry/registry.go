// Package registry tracks live WebSocket sessions keyed by (room, user,
// device). It is the single source of truth for fan-out targets: the bus
// asks it which sessions are Live in a room, and the presence tracker
// observes its register/unregister edges.
package registry

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionReplaced is returned by Register together with a valid new
// session when a Live session already existed for the same (room, user,
// device). It is informational: the prior session has been force-closed and
// the new one is registered.
var ErrSessionReplaced = errors.New("registry: prior session replaced")

// Key identifies at most one Live session.
type Key struct {
	Room   int64
	User   string
	Device string
}

// Listener receives session lifecycle edges. The first/last flags are per
// user within the room, not per session: a user with two devices produces
// one registered edge and one unregistered edge, not two of each.
type Listener interface {
	SessionRegistered(room int64, user string, firstForUser bool)
	SessionUnregistered(room int64, user string, lastForUser bool)
}

// Registry is the process-wide session table. One instance is created at
// service start and handed to every component that needs it; there is no
// ambient global.
type Registry struct {
	mu         sync.RWMutex
	byKey      map[Key]*Session
	byRoom     map[int64]map[string]*Session // room -> session ID -> session
	queueDepth int
	listener   Listener
}

// New creates an empty Registry whose sessions carry outbound queues of the
// given depth. A depth of 0 selects DefaultQueueDepth.
func New(queueDepth int) *Registry {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Registry{
		byKey:      make(map[Key]*Session),
		byRoom:     make(map[int64]map[string]*Session),
		queueDepth: queueDepth,
	}
}

// SetListener wires the lifecycle listener. It must be called before the
// registry starts accepting sessions.
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

// Register creates a Live session for the triple. If a Live session already
// exists for the same key it is force-closed and removed first, and
// ErrSessionReplaced is returned alongside the new session. The returned
// session is always valid when the error is nil or ErrSessionReplaced.
func (r *Registry) Register(room int64, user, device string) (*Session, error) {
	s := newSession(uuid.New().String(), room, user, device, r.queueDepth)
	key := Key{Room: room, User: user, Device: device}

	r.mu.Lock()
	// The edge is computed before any eviction: replacing a user's own
	// session must not look like an offline->online transition.
	firstForUser := !r.userLiveLocked(room, user)
	var replaced *Session
	if prior, ok := r.byKey[key]; ok {
		replaced = prior
		r.removeLocked(prior)
	}

	s.state = StateLive
	r.byKey[key] = s
	sessions, ok := r.byRoom[room]
	if !ok {
		sessions = make(map[string]*Session)
		r.byRoom[room] = sessions
	}
	sessions[s.ID] = s
	r.mu.Unlock()

	if replaced != nil {
		replaced.close(ReasonReplaced)
		log.Printf("registry: session replaced room=%d user=%s device=%s old=%s new=%s",
			room, user, device, replaced.ID, s.ID)
	}

	if r.listener != nil {
		r.listener.SessionRegistered(room, user, firstForUser)
	}

	if replaced != nil {
		return s, ErrSessionReplaced
	}
	return s, nil
}

// Unregister removes the session and closes it if it is still Live. It is
// idempotent: unregistering an already-absent session is a no-op and fires
// no listener edge.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	key := Key{Room: s.RoomID, User: s.UserID, Device: s.DeviceID}
	current, present := r.byKey[key]
	// Only remove the exact session: a replacement may already own the key.
	if present && current == s {
		delete(r.byKey, key)
	}
	sessions, roomOK := r.byRoom[s.RoomID]
	_, inRoom := sessions[s.ID]
	if roomOK && inRoom {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(r.byRoom, s.RoomID)
		}
	}
	lastForUser := inRoom && !r.userLiveLocked(s.RoomID, s.UserID)
	r.mu.Unlock()

	if !inRoom {
		return
	}

	s.close(ReasonDisconnect)

	if r.listener != nil {
		r.listener.SessionUnregistered(s.RoomID, s.UserID, lastForUser)
	}
}

// SessionsInRoom returns a snapshot of the currently-Live sessions in a
// room. Order is unspecified; the slice is safe to iterate without locks.
func (r *Registry) SessionsInRoom(room int64) []*Session {
	r.mu.RLock()
	sessions := r.byRoom[room]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.IsLive() {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	return out
}

// IsUserLive reports whether the user has at least one Live session in the
// room.
func (r *Registry) IsUserLive(room int64, user string) bool {
	r.mu.RLock()
	live := r.userLiveLocked(room, user)
	r.mu.RUnlock()
	return live
}

// CloseRoom force-closes and unregisters every session in the room with the
// given reason. It returns the number of sessions closed.
func (r *Registry) CloseRoom(room int64, reason string) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byRoom[room]))
	for _, s := range r.byRoom[room] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.close(reason)
		r.Unregister(s)
	}
	return len(sessions)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byKey)
	r.mu.RUnlock()
	return n
}

// Shutdown closes every session. Used during graceful service shutdown.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byKey))
	for _, s := range r.byKey {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.close(ReasonShutdown)
		r.Unregister(s)
	}
}

// userLiveLocked reports whether the user has a Live session in the room.
// Callers must hold at least the read lock.
func (r *Registry) userLiveLocked(room int64, user string) bool {
	for _, s := range r.byRoom[room] {
		if s.UserID == user && s.IsLive() {
			return true
		}
	}
	return false
}

// removeLocked deletes a session from both maps. Callers must hold the
// write lock; the session is not closed here.
func (r *Registry) removeLocked(s *Session) {
	delete(r.byKey, Key{Room: s.RoomID, User: s.UserID, Device: s.DeviceID})
	if sessions, ok := r.byRoom[s.RoomID]; ok {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(r.byRoom, s.RoomID)
		}
	}
}
