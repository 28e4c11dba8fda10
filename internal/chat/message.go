package chat

import "time"

// Direction tells whether a message was authored locally or by the peer.
type Direction int

const (
	Sent Direction = iota + 1
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// Confidence tells whether the server has vouched for a message. Locally
// sent messages stay optimistic: the protocol carries no delivery ack.
type Confidence int

const (
	Optimistic Confidence = iota + 1
	Confirmed
)

func (c Confidence) String() string {
	switch c {
	case Optimistic:
		return "optimistic"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation buffer.
type Message struct {
	LocalID      string // assigned on append
	Conversation int64  // relation id the buffer is keyed by
	SenderID     int64  // 0 for self-authored messages
	Content      string
	Direction    Direction
	Confidence   Confidence
	ObservedAt   time.Time // local append time; defines buffer order
	ServerTime   int64     // unix seconds stamped by the server, 0 if absent
}
