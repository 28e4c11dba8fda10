// Package protocol defines the frames exchanged with the polychat server over
// the persistent chat connection. Outbound frames are plain JSON structs;
// inbound frames are decoded once, at the connection boundary, into a tagged
// union of typed events so routing code never inspects optional raw fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Frame type discriminators.
const (
	TypeChat          = "chat"
	TypePresence      = "presence"
	TypeHeartbeat     = "heartbeat"
	TypeFriendRequest = "friend_request"
	TypeFriendAccept  = "friend_accept"
)

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ChatFrame is the only frame the client sends: a chat message addressed to a
// relation.
type ChatFrame struct {
	Type       string `json:"type"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// NewChatFrame builds an outbound chat frame.
func NewChatFrame(receiverID int64, content string) ChatFrame {
	return ChatFrame{Type: TypeChat, ReceiverID: receiverID, Content: content}
}

// Encode marshals an outbound frame.
func Encode(frame interface{}) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Server -> Client: typed events
// ---------------------------------------------------------------------------

// Event is one decoded inbound frame. The concrete type is one of ChatEvent,
// PresenceEvent, SystemEvent or UnknownEvent; the connection layer adds its
// own state-change variant.
type Event interface {
	EventType() string
}

// ChatEvent is a message from another user.
type ChatEvent struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	Timestamp  int64 // unix seconds as stamped by the server, 0 if absent
}

// PresenceEvent reports a relation going online or offline.
type PresenceEvent struct {
	TargetID int64
	Online   bool
}

// SystemEvent is any well-formed frame that is not routed to a conversation
// buffer: friend request notifications, heartbeats, and chat frames without
// a sender.
type SystemEvent struct {
	Type     string
	SenderID int64 // 0 when absent
	Content  string
}

// UnknownEvent wraps a frame that could not be decoded or has an
// unrecognised type. It is logged and dropped by consumers.
type UnknownEvent struct {
	Raw json.RawMessage
	Err error
}

func (ChatEvent) EventType() string     { return TypeChat }
func (PresenceEvent) EventType() string { return TypePresence }
func (e SystemEvent) EventType() string { return e.Type }
func (UnknownEvent) EventType() string  { return "unknown" }

// inboundFrame is the superset of fields the server may put on the wire.
// Pointer fields distinguish "absent" from zero values.
type inboundFrame struct {
	Type       string `json:"type"`
	SenderID   *int64 `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	IsOnline   *bool  `json:"is_online"`
}

// Decode converts one raw inbound frame into a typed Event. It never returns
// an error: anything that fails to parse becomes an UnknownEvent carrying the
// cause.
func Decode(data []byte) Event {
	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return UnknownEvent{Raw: raw, Err: fmt.Errorf("protocol: failed to parse frame: %w", err)}
	}

	sender := int64(0)
	if f.SenderID != nil {
		sender = *f.SenderID
	}

	switch f.Type {
	case TypeChat, "":
		// The server defaults an empty type to chat.
		if sender <= 0 {
			return SystemEvent{Type: TypeChat, Content: f.Content}
		}
		return ChatEvent{
			SenderID:   sender,
			ReceiverID: f.ReceiverID,
			Content:    f.Content,
			Timestamp:  f.Timestamp,
		}

	case TypePresence:
		if sender <= 0 || f.IsOnline == nil {
			return UnknownEvent{Raw: raw, Err: fmt.Errorf("protocol: presence frame missing sender_id or is_online")}
		}
		return PresenceEvent{TargetID: sender, Online: *f.IsOnline}

	case TypeHeartbeat, TypeFriendRequest, TypeFriendAccept:
		return SystemEvent{Type: f.Type, SenderID: sender, Content: f.Content}

	default:
		return UnknownEvent{Raw: raw, Err: fmt.Errorf("protocol: unknown frame type: %q", f.Type)}
	}
}
