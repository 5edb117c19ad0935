package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFrame(t *testing.T) {
	ev := &Event{
		RoomID:    7,
		Seq:       12,
		Name:      NewMessage,
		Data:      json.RawMessage(`{"content":"hi"}`),
		Origin:    "alice",
		CreatedAt: time.Now(),
	}

	raw, err := ev.Frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}

	var decoded struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		Seq   uint64          `json:"seq"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Event != NewMessage {
		t.Fatalf("expected event %q, got %q", NewMessage, decoded.Event)
	}
	if decoded.Seq != 12 {
		t.Fatalf("expected seq 12, got %d", decoded.Seq)
	}
	if string(decoded.Data) != `{"content":"hi"}` {
		t.Fatalf("payload must pass through untouched, got %s", decoded.Data)
	}

	// The frame carries no internal routing fields.
	var full map[string]interface{}
	_ = json.Unmarshal(raw, &full)
	if _, ok := full["origin"]; ok {
		t.Fatal("origin must not leak onto the wire")
	}
	if _, ok := full["room_id"]; ok {
		t.Fatal("room_id must not leak onto the wire")
	}
}
