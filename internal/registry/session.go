package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/duet/chat-app/internal/event"
)

// Session states. The only transitions are Connecting -> Live on successful
// registration and Live -> Closed on disconnect, replacement, or outbound
// queue overflow. Closed is terminal.
const (
	StateConnecting int32 = iota
	StateLive
	StateClosed
)

// Close reasons, recorded for logging and metrics when a session leaves the
// Live state.
const (
	ReasonDisconnect = "disconnect"
	ReasonReplaced   = "replaced"
	ReasonOverflow   = "queue_overflow"
	ReasonRoomClosed = "room_closed"
	ReasonShutdown   = "shutdown"
)

// DefaultQueueDepth is the outbound queue capacity per session. A session
// whose queue fills up is force-closed rather than allowed to block the
// publisher (the backpressure policy).
const DefaultQueueDepth = 128

// Session is one live connection for a user+device within a room. It is
// created and owned exclusively by the Registry; the transport layer drains
// its outbound queue to the wire.
type Session struct {
	ID          string
	RoomID      int64
	UserID      string
	DeviceID    string
	ConnectedAt time.Time

	state       int32 // atomic: StateConnecting | StateLive | StateClosed
	queue       chan *event.Event
	done        chan struct{}
	closeOnce   sync.Once
	closeReason atomic.Value // string
}

func newSession(id string, room int64, user, device string, depth int) *Session {
	return &Session{
		ID:          id,
		RoomID:      room,
		UserID:      user,
		DeviceID:    device,
		ConnectedAt: time.Now(),
		state:       StateConnecting,
		queue:       make(chan *event.Event, depth),
		done:        make(chan struct{}),
	}
}

// IsLive reports whether the session is in the Live state.
func (s *Session) IsLive() bool {
	return atomic.LoadInt32(&s.state) == StateLive
}

// State returns the session's current state.
func (s *Session) State() int32 {
	return atomic.LoadInt32(&s.state)
}

// Enqueue places an event on the session's outbound queue without ever
// blocking the caller. If the queue is full the session is closed with
// ReasonOverflow and false is returned; a slow consumer resynchronizes via
// the history endpoint after reconnecting, never by stalling the room.
func (s *Session) Enqueue(ev *event.Event) bool {
	if !s.IsLive() {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	case <-s.done:
		return false
	default:
		s.close(ReasonOverflow)
		return false
	}
}

// Events returns the outbound queue for the transport's writer goroutine.
// Events arrive in bus-assigned sequence order for the session's room.
func (s *Session) Events() <-chan *event.Event {
	return s.queue
}

// Done is closed when the session leaves the Live state. The writer
// goroutine selects on it alongside Events.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns why the session was closed, or "" while it is Live.
func (s *Session) CloseReason() string {
	if r, ok := s.closeReason.Load().(string); ok {
		return r
	}
	return ""
}

// close transitions the session to Closed exactly once. It only signals;
// removal from the registry maps happens in Unregister, which is safe to
// call again after close.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		atomic.StoreInt32(&s.state, StateClosed)
		close(s.done)
	})
}
