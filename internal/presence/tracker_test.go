package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/duet/chat-app/internal/bus"
	"github.com/duet/chat-app/internal/event"
	"github.com/duet/chat-app/internal/protocol"
	"github.com/duet/chat-app/internal/registry"
)

func setup(t *testing.T) (*registry.Registry, *Tracker) {
	t.Helper()
	reg := registry.New(32)
	b := bus.New(reg)
	tracker := NewTracker(b, nil)
	reg.SetListener(tracker)
	return reg, tracker
}

func recvEvent(t *testing.T, s *registry.Session) *event.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, s *registry.Session) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s seq=%d", ev.Name, ev.Seq)
	default:
	}
}

func recvTyping(t *testing.T, s *registry.Session) protocol.TypingStatusData {
	t.Helper()
	ev := recvEvent(t, s)
	if ev.Name != event.TypingStatus {
		t.Fatalf("expected typing_status, got %s", ev.Name)
	}
	var data protocol.TypingStatusData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode typing_status: %v", err)
	}
	return data
}

func drain(s *registry.Session) {
	for {
		select {
		case <-s.Events():
		default:
			return
		}
	}
}

func TestTypingSignalFanOut(t *testing.T) {
	reg, tracker := setup(t)
	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")
	drain(alice) // user_joined for bob

	tracker.OnTypingSignal(1, "alice", true)

	data := recvTyping(t, bob)
	if !data.IsTyping || data.UserID != "alice" {
		t.Fatalf("expected alice typing, got %+v", data)
	}
	if len(data.TypingUsers) != 1 || data.TypingUsers[0] != "alice" {
		t.Fatalf("expected typer set [alice], got %v", data.TypingUsers)
	}
	// The typing user never receives its own indicator.
	assertNoEvent(t, alice)

	tracker.OnTypingSignal(1, "alice", false)
	data = recvTyping(t, bob)
	if data.IsTyping || len(data.TypingUsers) != 0 {
		t.Fatalf("expected empty typer set, got %+v", data)
	}
}

func TestTypingExpiresWithoutInput(t *testing.T) {
	reg, tracker := setup(t)
	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")
	drain(alice)

	tracker.OnTypingSignal(1, "alice", true)
	drain(bob)

	// Backdate the entry past the inactivity window and run one sweep.
	tracker.mu.Lock()
	tracker.typing[1]["alice"] = time.Now().Add(-TypingWindow - time.Second)
	tracker.mu.Unlock()
	tracker.sweep()

	data := recvTyping(t, bob)
	if data.IsTyping || data.UserID != "alice" {
		t.Fatalf("expected expiry for alice, got %+v", data)
	}
	if len(tracker.TypersIn(1)) != 0 {
		t.Fatalf("expected empty typer set after expiry, got %v", tracker.TypersIn(1))
	}
}

func TestRefreshPreventsExpiry(t *testing.T) {
	reg, tracker := setup(t)
	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")
	drain(alice)

	tracker.OnTypingSignal(1, "alice", true)
	tracker.OnTypingSignal(1, "alice", true) // refresh
	drain(bob)

	tracker.sweep()
	assertNoEvent(t, bob)
	if len(tracker.TypersIn(1)) != 1 {
		t.Fatalf("expected alice still typing, got %v", tracker.TypersIn(1))
	}
}

func TestMessageSentClearsTyping(t *testing.T) {
	reg, tracker := setup(t)
	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")
	drain(alice)

	tracker.OnTypingSignal(1, "alice", true)
	drain(bob)

	tracker.MessageSent(1, "alice")
	data := recvTyping(t, bob)
	if data.IsTyping {
		t.Fatalf("expected typing cleared on message send, got %+v", data)
	}

	// No typing state, no publish.
	tracker.MessageSent(1, "alice")
	assertNoEvent(t, bob)
}

func TestJoinAndLeftEdges(t *testing.T) {
	reg, _ := setup(t)

	bob, _ := reg.Register(1, "bob", "web")

	web, _ := reg.Register(1, "alice", "web")
	ev := recvEvent(t, bob)
	if ev.Name != event.UserJoined {
		t.Fatalf("expected user_joined, got %s", ev.Name)
	}
	var joined protocol.PresenceData
	if err := json.Unmarshal(ev.Data, &joined); err != nil {
		t.Fatalf("decode user_joined: %v", err)
	}
	if joined.UserID != "alice" {
		t.Fatalf("expected alice joined, got %s", joined.UserID)
	}

	// A second device is not a new join.
	phone, _ := reg.Register(1, "alice", "phone")
	assertNoEvent(t, bob)

	// Losing one device is not a leave.
	reg.Unregister(web)
	assertNoEvent(t, bob)

	reg.Unregister(phone)
	ev = recvEvent(t, bob)
	if ev.Name != event.UserLeft {
		t.Fatalf("expected user_left, got %s", ev.Name)
	}
}

func TestDisconnectDropsTypingSilently(t *testing.T) {
	reg, tracker := setup(t)
	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")
	drain(alice)

	tracker.OnTypingSignal(1, "alice", true)
	drain(bob)

	reg.Unregister(alice)

	// user_left supersedes the typing state; no separate typing_status.
	ev := recvEvent(t, bob)
	if ev.Name != event.UserLeft {
		t.Fatalf("expected user_left, got %s", ev.Name)
	}
	assertNoEvent(t, bob)
	if len(tracker.TypersIn(1)) != 0 {
		t.Fatalf("expected typing entry dropped, got %v", tracker.TypersIn(1))
	}
}
