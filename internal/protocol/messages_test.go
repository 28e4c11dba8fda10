package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: chat frame with a sender decodes to ChatEvent
// ---------------------------------------------------------------------------

func TestDecode_Chat(t *testing.T) {
	input := []byte(`{"type":"chat","sender_id":42,"receiver_id":7,"content":"hi","timestamp":1700000000}`)

	ev, ok := Decode(input).(ChatEvent)
	if !ok {
		t.Fatalf("expected ChatEvent, got %T", Decode(input))
	}
	if ev.SenderID != 42 {
		t.Errorf("expected sender 42, got %d", ev.SenderID)
	}
	if ev.ReceiverID != 7 {
		t.Errorf("expected receiver 7, got %d", ev.ReceiverID)
	}
	if ev.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", ev.Content)
	}
	if ev.Timestamp != 1700000000 {
		t.Errorf("expected timestamp 1700000000, got %d", ev.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: a bare {sender_id, content} frame (no type) is still chat
// ---------------------------------------------------------------------------

func TestDecode_UntypedChat(t *testing.T) {
	ev, ok := Decode([]byte(`{"sender_id":42,"content":"hi"}`)).(ChatEvent)
	if !ok {
		t.Fatal("expected untyped frame with sender to decode as ChatEvent")
	}
	if ev.SenderID != 42 || ev.Content != "hi" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

// ---------------------------------------------------------------------------
// Test: absence of sender_id makes a chat frame a system frame
// ---------------------------------------------------------------------------

func TestDecode_ChatWithoutSenderIsSystem(t *testing.T) {
	for _, input := range []string{
		`{"content":"server restarting"}`,
		`{"type":"chat","content":"x"}`,
		`{"type":"chat","sender_id":0,"content":"x"}`,
	} {
		ev := Decode([]byte(input))
		sys, ok := ev.(SystemEvent)
		if !ok {
			t.Fatalf("%s: expected SystemEvent, got %T", input, ev)
		}
		if sys.Type != TypeChat {
			t.Errorf("%s: expected type %q, got %q", input, TypeChat, sys.Type)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: presence frames
// ---------------------------------------------------------------------------

func TestDecode_Presence(t *testing.T) {
	ev, ok := Decode([]byte(`{"type":"presence","sender_id":9,"is_online":true}`)).(PresenceEvent)
	if !ok {
		t.Fatal("expected PresenceEvent")
	}
	if ev.TargetID != 9 || !ev.Online {
		t.Errorf("unexpected presence: %+v", ev)
	}

	off, ok := Decode([]byte(`{"type":"presence","sender_id":9,"is_online":false}`)).(PresenceEvent)
	if !ok || off.Online {
		t.Errorf("expected offline presence, got %+v", off)
	}
}

func TestDecode_PresenceMissingFieldsIsUnknown(t *testing.T) {
	for _, input := range []string{
		`{"type":"presence","is_online":true}`,
		`{"type":"presence","sender_id":9}`,
	} {
		if _, ok := Decode([]byte(input)).(UnknownEvent); !ok {
			t.Errorf("%s: expected UnknownEvent", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: notification frames
// ---------------------------------------------------------------------------

func TestDecode_FriendNotifications(t *testing.T) {
	tests := []struct {
		input    string
		wantType string
	}{
		{`{"type":"friend_request","sender_id":3,"content":"let's chat"}`, TypeFriendRequest},
		{`{"type":"friend_accept","sender_id":3,"content":"accepted"}`, TypeFriendAccept},
		{`{"type":"heartbeat"}`, TypeHeartbeat},
	}
	for _, tt := range tests {
		ev, ok := Decode([]byte(tt.input)).(SystemEvent)
		if !ok {
			t.Fatalf("%s: expected SystemEvent", tt.input)
		}
		if ev.Type != tt.wantType {
			t.Errorf("expected type %q, got %q", tt.wantType, ev.Type)
		}
		if ev.EventType() != tt.wantType {
			t.Errorf("EventType() = %q, want %q", ev.EventType(), tt.wantType)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: malformed and unknown frames
// ---------------------------------------------------------------------------

func TestDecode_MalformedJSON(t *testing.T) {
	ev, ok := Decode([]byte(`{not json`)).(UnknownEvent)
	if !ok {
		t.Fatal("expected UnknownEvent for malformed JSON")
	}
	if ev.Err == nil {
		t.Error("expected decode error to be carried")
	}
	if string(ev.Raw) != `{not json` {
		t.Errorf("expected raw bytes preserved, got %q", ev.Raw)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, ok := Decode([]byte(`{"type":"typing","sender_id":1}`)).(UnknownEvent); !ok {
		t.Error("expected UnknownEvent for unrecognised type")
	}
}

func TestDecode_RawIsCopied(t *testing.T) {
	buf := []byte(`{"type":"bogus"}`)
	ev := Decode(buf).(UnknownEvent)
	buf[2] = 'X'
	if string(ev.Raw) != `{"type":"bogus"}` {
		t.Errorf("raw aliases the input buffer: %q", ev.Raw)
	}
}

// ---------------------------------------------------------------------------
// Test: outbound chat frame
// ---------------------------------------------------------------------------

func TestEncode_ChatFrame(t *testing.T) {
	data, err := Encode(NewChatFrame(7, "hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if m["type"] != "chat" {
		t.Errorf("expected type chat, got %v", m["type"])
	}
	if m["receiver_id"] != float64(7) {
		t.Errorf("expected receiver_id 7, got %v", m["receiver_id"])
	}
	if m["content"] != "hello" {
		t.Errorf("expected content hello, got %v", m["content"])
	}
	if len(m) != 3 {
		t.Errorf("expected exactly 3 fields, got %d: %v", len(m), m)
	}
}
