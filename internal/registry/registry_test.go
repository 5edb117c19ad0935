package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/duet/chat-app/internal/event"
)

type edgeRecorder struct {
	mu           sync.Mutex
	registered   []string // "user:first" entries in call order
	unregistered []string // "user:last" entries in call order
}

func (e *edgeRecorder) SessionRegistered(room int64, user string, firstForUser bool) {
	e.mu.Lock()
	e.registered = append(e.registered, fmt.Sprintf("%s:%v", user, firstForUser))
	e.mu.Unlock()
}

func (e *edgeRecorder) SessionUnregistered(room int64, user string, lastForUser bool) {
	e.mu.Lock()
	e.unregistered = append(e.unregistered, fmt.Sprintf("%s:%v", user, lastForUser))
	e.mu.Unlock()
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New(0)

	s, err := r.Register(1, "alice", "web")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.IsLive() {
		t.Fatal("expected session to be Live after register")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
	if !r.IsUserLive(1, "alice") {
		t.Fatal("expected alice to be live in room 1")
	}
	if got := len(r.SessionsInRoom(1)); got != 1 {
		t.Fatalf("expected 1 session in room, got %d", got)
	}

	r.Unregister(s)
	if r.Count() != 0 {
		t.Fatalf("expected 0 sessions after unregister, got %d", r.Count())
	}
	if s.IsLive() {
		t.Fatal("expected session to be Closed after unregister")
	}
	if s.CloseReason() != ReasonDisconnect {
		t.Fatalf("expected close reason %q, got %q", ReasonDisconnect, s.CloseReason())
	}
}

func TestDuplicateSessionReplaced(t *testing.T) {
	r := New(0)

	first, err := r.Register(1, "alice", "web")
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	second, err := r.Register(1, "alice", "web")
	if !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("expected ErrSessionReplaced, got %v", err)
	}
	if second == nil || !second.IsLive() {
		t.Fatal("expected a valid Live session alongside ErrSessionReplaced")
	}
	if first.IsLive() {
		t.Fatal("expected prior session to be Closed")
	}
	if first.CloseReason() != ReasonReplaced {
		t.Fatalf("expected close reason %q, got %q", ReasonReplaced, first.CloseReason())
	}
	if r.Count() != 1 {
		t.Fatalf("expected exactly 1 session, got %d", r.Count())
	}

	// A different device is not a replacement.
	third, err := r.Register(1, "alice", "phone")
	if err != nil {
		t.Fatalf("different device register: %v", err)
	}
	if !third.IsLive() || !second.IsLive() {
		t.Fatal("expected both device sessions to be Live")
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Count())
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New(0)
	rec := &edgeRecorder{}
	r.SetListener(rec)

	s, _ := r.Register(1, "alice", "web")
	r.Unregister(s)
	r.Unregister(s)
	r.Unregister(nil)

	if r.Count() != 0 {
		t.Fatalf("expected 0 sessions, got %d", r.Count())
	}
	if len(rec.unregistered) != 1 {
		t.Fatalf("expected 1 unregister edge, got %d", len(rec.unregistered))
	}
}

func TestUnregisterStaleSessionKeepsReplacement(t *testing.T) {
	r := New(0)

	old, _ := r.Register(1, "alice", "web")
	fresh, err := r.Register(1, "alice", "web")
	if !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("expected ErrSessionReplaced, got %v", err)
	}

	// A late disconnect of the evicted session must not tear down its
	// replacement.
	r.Unregister(old)

	if !fresh.IsLive() {
		t.Fatal("expected replacement session to stay Live")
	}
	if !r.IsUserLive(1, "alice") {
		t.Fatal("expected alice to remain live")
	}
}

func TestListenerEdgesMultiDevice(t *testing.T) {
	r := New(0)
	rec := &edgeRecorder{}
	r.SetListener(rec)

	web, _ := r.Register(1, "alice", "web")
	phone, _ := r.Register(1, "alice", "phone")

	want := []string{"alice:true", "alice:false"}
	if len(rec.registered) != 2 || rec.registered[0] != want[0] || rec.registered[1] != want[1] {
		t.Fatalf("expected register edges %v, got %v", want, rec.registered)
	}

	r.Unregister(web)
	r.Unregister(phone)

	want = []string{"alice:false", "alice:true"}
	if len(rec.unregistered) != 2 || rec.unregistered[0] != want[0] || rec.unregistered[1] != want[1] {
		t.Fatalf("expected unregister edges %v, got %v", want, rec.unregistered)
	}
}

func TestReplaceIsNotAJoinEdge(t *testing.T) {
	r := New(0)
	rec := &edgeRecorder{}
	r.SetListener(rec)

	r.Register(1, "alice", "web")
	r.Register(1, "alice", "web") // replacement

	if len(rec.registered) != 2 {
		t.Fatalf("expected 2 register edges, got %d", len(rec.registered))
	}
	if rec.registered[1] != "alice:false" {
		t.Fatalf("replacement must not look like an offline->online edge, got %q", rec.registered[1])
	}
}

func TestEnqueueOverflowClosesSession(t *testing.T) {
	r := New(2)
	s, _ := r.Register(1, "alice", "web")

	ev := &event.Event{RoomID: 1, Name: event.NewMessage}
	if !s.Enqueue(ev) || !s.Enqueue(ev) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if s.Enqueue(ev) {
		t.Fatal("expected third enqueue to overflow")
	}
	if s.IsLive() {
		t.Fatal("expected session to be Closed after overflow")
	}
	if s.CloseReason() != ReasonOverflow {
		t.Fatalf("expected close reason %q, got %q", ReasonOverflow, s.CloseReason())
	}

	// Closed sessions silently drop further enqueues.
	if s.Enqueue(ev) {
		t.Fatal("expected enqueue on closed session to fail")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestCloseRoom(t *testing.T) {
	r := New(0)
	a, _ := r.Register(1, "alice", "web")
	b, _ := r.Register(1, "bob", "web")
	other, _ := r.Register(2, "carol", "web")

	closed := r.CloseRoom(1, ReasonRoomClosed)
	if closed != 2 {
		t.Fatalf("expected 2 sessions closed, got %d", closed)
	}
	if a.IsLive() || b.IsLive() {
		t.Fatal("expected room 1 sessions to be Closed")
	}
	if a.CloseReason() != ReasonRoomClosed {
		t.Fatalf("expected close reason %q, got %q", ReasonRoomClosed, a.CloseReason())
	}
	if !other.IsLive() {
		t.Fatal("expected room 2 session to be untouched")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", r.Count())
	}
}
