package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientFrameMessage(t *testing.T) {
	raw := []byte(`{"event":"message","data":{"content":"hello","type":"image","reply_to_id":"abc"}}`)
	name, payload, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != EventMessage {
		t.Fatalf("expected event %q, got %q", EventMessage, name)
	}
	p, ok := payload.(MessagePayload)
	if !ok {
		t.Fatalf("expected MessagePayload, got %T", payload)
	}
	if p.Content != "hello" || p.Type != "image" || p.ReplyToID != "abc" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestParseClientFrameMessageTypeDefaultsToText(t *testing.T) {
	raw := []byte(`{"event":"message","data":{"content":"hi"}}`)
	_, payload, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p := payload.(MessagePayload); p.Type != "text" {
		t.Fatalf("expected default type text, got %q", p.Type)
	}
}

func TestParseClientFrameTyping(t *testing.T) {
	raw := []byte(`{"event":"typing","data":{"is_typing":true}}`)
	name, payload, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != EventTyping {
		t.Fatalf("expected event %q, got %q", EventTyping, name)
	}
	if p := payload.(TypingPayload); !p.IsTyping {
		t.Fatal("expected is_typing true")
	}
}

func TestParseClientFrameReactionDefaultsToAdd(t *testing.T) {
	raw := []byte(`{"event":"reaction","data":{"message_id":"m1","reaction_type":"heart"}}`)
	_, payload, err := ParseClientFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := payload.(ReactionPayload)
	if p.Action != ActionAdd {
		t.Fatalf("expected default action add, got %q", p.Action)
	}
}

func TestParseClientFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"event":`},
		{"missing event", `{"data":{}}`},
		{"unknown event", `{"event":"join_queue","data":{}}`},
		{"bad payload type", `{"event":"typing","data":{"is_typing":"yes"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientFrame([]byte(tt.raw)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestNewErrorFrame(t *testing.T) {
	raw, err := NewErrorFrame(CodeNotAMember, "user carol is not in room 1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != EventError {
		t.Fatalf("expected event %q, got %q", EventError, env.Event)
	}
	var data ErrorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Code != CodeNotAMember {
		t.Fatalf("expected code %q, got %q", CodeNotAMember, data.Code)
	}
}
