package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/duet/chat-app/internal/event"
	"github.com/duet/chat-app/internal/registry"
)

type payload struct {
	N int `json:"n"`
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

func TestConcurrentPublishGaplessOrder(t *testing.T) {
	const (
		producers   = 4
		perProducer = 50
	)
	total := producers * perProducer

	reg := registry.New(total + 8)
	b := New(reg)

	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := b.Publish(1, event.NewMessage, payload{N: p*perProducer + i}, ""); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	for _, s := range []*registry.Session{alice, bob} {
		var prev uint64
		for i := 0; i < total; i++ {
			ev := recvEvent(t, s)
			if ev.Seq != prev+1 {
				t.Fatalf("user=%s: expected seq %d, got %d (gap or reorder)", s.UserID, prev+1, ev.Seq)
			}
			prev = ev.Seq
		}
		assertNoEvent(t, s)
	}
}

func TestRoomIsolation(t *testing.T) {
	reg := registry.New(8)
	b := New(reg)

	one, _ := reg.Register(1, "alice", "web")
	two, _ := reg.Register(2, "carol", "web")

	if _, err := b.Publish(1, event.NewMessage, payload{N: 1}, ""); err != nil {
		t.Fatalf("publish room 1: %v", err)
	}
	if _, err := b.Publish(2, event.NewMessage, payload{N: 2}, ""); err != nil {
		t.Fatalf("publish room 2: %v", err)
	}

	ev := recvEvent(t, one)
	if ev.RoomID != 1 || ev.Seq != 1 {
		t.Fatalf("room 1: expected room=1 seq=1, got room=%d seq=%d", ev.RoomID, ev.Seq)
	}
	// Each room has its own counter starting at 1.
	ev = recvEvent(t, two)
	if ev.RoomID != 2 || ev.Seq != 1 {
		t.Fatalf("room 2: expected room=2 seq=1, got room=%d seq=%d", ev.RoomID, ev.Seq)
	}
	assertNoEvent(t, one)
	assertNoEvent(t, two)
}

func TestOverflowEvictsSlowConsumerOnly(t *testing.T) {
	reg := registry.New(2)
	b := New(reg)

	alice, _ := reg.Register(1, "alice", "web")
	bob, _ := reg.Register(1, "bob", "web")

	// Bob drains after every publish; Alice never reads.
	for i := 1; i <= 3; i++ {
		if _, err := b.Publish(1, event.NewMessage, payload{N: i}, ""); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ev := recvEvent(t, bob)
		if ev.Seq != uint64(i) {
			t.Fatalf("bob: expected seq %d, got %d", i, ev.Seq)
		}
	}

	if alice.IsLive() {
		t.Fatal("expected alice to be force-closed on overflow")
	}
	if alice.CloseReason() != registry.ReasonOverflow {
		t.Fatalf("expected close reason %q, got %q", registry.ReasonOverflow, alice.CloseReason())
	}
	if reg.Count() != 1 {
		t.Fatalf("expected overflowed session to be evicted, count=%d", reg.Count())
	}

	// The healthy peer keeps receiving in order.
	if _, err := b.Publish(1, event.NewMessage, payload{N: 4}, ""); err != nil {
		t.Fatalf("publish after eviction: %v", err)
	}
	ev := recvEvent(t, bob)
	if ev.Seq != 4 {
		t.Fatalf("bob after eviction: expected seq 4, got %d", ev.Seq)
	}
}

func TestPublishExcludingOrigin(t *testing.T) {
	reg := registry.New(8)
	b := New(reg)

	aliceWeb, _ := reg.Register(1, "alice", "web")
	alicePhone, _ := reg.Register(1, "alice", "phone")
	bob, _ := reg.Register(1, "bob", "web")

	if _, err := b.PublishExcludingOrigin(1, event.TypingStatus, payload{N: 1}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := recvEvent(t, bob)
	if ev.Name != event.TypingStatus || ev.Origin != "alice" {
		t.Fatalf("bob: unexpected event %s origin=%s", ev.Name, ev.Origin)
	}
	// Every session of the origin user is skipped, not just one device.
	assertNoEvent(t, aliceWeb)
	assertNoEvent(t, alicePhone)
}

func TestDeliverRemoteKeepsOriginSeq(t *testing.T) {
	reg := registry.New(8)
	b := New(reg)

	bob, _ := reg.Register(1, "bob", "web")

	b.DeliverRemote(&event.Event{
		RoomID:    1,
		Seq:       42,
		Name:      event.NewMessage,
		Data:      []byte(`{"n":1}`),
		Origin:    "alice",
		CreatedAt: time.Now(),
	})

	ev := recvEvent(t, bob)
	if ev.Seq != 42 {
		t.Fatalf("expected origin-assigned seq 42, got %d", ev.Seq)
	}
}

type captureRelay struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *captureRelay) RelayEvent(ev *event.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func TestPublishMirrorsToRelay(t *testing.T) {
	reg := registry.New(8)
	b := New(reg)
	relay := &captureRelay{}
	b.SetRelay(relay)

	reg.Register(1, "alice", "web")

	if _, err := b.Publish(1, event.NewMessage, payload{N: 1}, "alice"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.events) != 1 {
		t.Fatalf("expected 1 relayed event, got %d", len(relay.events))
	}
	if relay.events[0].Seq != 1 || relay.events[0].Name != event.NewMessage {
		t.Fatalf("unexpected relayed event %s seq=%d", relay.events[0].Name, relay.events[0].Seq)
	}
}
