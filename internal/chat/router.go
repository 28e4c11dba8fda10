// Package chat holds the conversation state of a session: which relation is
// the active conversation target, and one in-memory message buffer per
// relation. Outbound messages are echoed into the buffer optimistically once
// handed to the connection; inbound messages are routed to the buffer of
// their sender whether or not that conversation is active.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/metrics"
	"github.com/polychat/chat-client/internal/protocol"
)

// ErrNoTarget is returned by SendMessage when no conversation is selected.
var ErrNoTarget = errors.New("chat: no conversation selected")

// Sender transmits an outbound frame. ws.Manager implements it.
type Sender interface {
	Send(frame interface{}) error
}

// Listener is told about conversation changes. Calls are made without the
// router lock held.
type Listener interface {
	// ConversationChanged reports a new target; ok is false when cleared.
	ConversationChanged(target int64, ok bool)
	MessageAppended(msg Message)
}

type nopListener struct{}

func (nopListener) ConversationChanged(int64, bool) {}
func (nopListener) MessageAppended(Message)         {}

// Router is the Conversation Router.
type Router struct {
	sender Sender
	buf    *MessageBuffer
	now    func() time.Time

	mu       sync.Mutex
	target   int64 // 0 = none
	unread   map[int64]int
	listener Listener
}

// NewRouter creates a Router with no target. maxMessages bounds every
// conversation buffer; 0 keeps everything.
func NewRouter(sender Sender, maxMessages int) *Router {
	return &Router{
		sender:   sender,
		buf:      NewMessageBuffer(maxMessages),
		now:      time.Now,
		unread:   make(map[int64]int),
		listener: nopListener{},
	}
}

// SetListener installs l. A nil l disables notifications.
func (r *Router) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Select makes targetID the active conversation and resets its unread
// count. Messages already received from targetID in this session stay in
// its buffer. A non-positive id clears the target.
func (r *Router) Select(targetID int64) {
	if targetID <= 0 {
		r.ClearTarget()
		return
	}
	r.mu.Lock()
	r.target = targetID
	delete(r.unread, targetID)
	l := r.listener
	r.mu.Unlock()

	log.Debug().Msgf("[chat] conversation target -> %d", targetID)
	l.ConversationChanged(targetID, true)
}

// Target returns the active conversation target.
func (r *Router) Target() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.target != 0
}

// ClearTarget sets the target to none.
func (r *Router) ClearTarget() {
	r.mu.Lock()
	had := r.target != 0
	r.target = 0
	l := r.listener
	r.mu.Unlock()

	if had {
		l.ConversationChanged(0, false)
	}
}

// ClearTargetIf clears the target only if it equals id.
func (r *Router) ClearTargetIf(id int64) bool {
	r.mu.Lock()
	if r.target == 0 || r.target != id {
		r.mu.Unlock()
		return false
	}
	r.target = 0
	l := r.listener
	r.mu.Unlock()

	l.ConversationChanged(0, false)
	return true
}

// SendMessage sends content to the active target and appends it to that
// buffer as sent/optimistic. Nothing is appended or transmitted when there
// is no target, the content is invalid, or the send fails.
func (r *Router) SendMessage(content string) (Message, error) {
	r.mu.Lock()
	target := r.target
	if target == 0 {
		r.mu.Unlock()
		return Message{}, ErrNoTarget
	}
	if err := ValidateMessage(content); err != nil {
		r.mu.Unlock()
		return Message{}, err
	}

	if err := r.sender.Send(protocol.NewChatFrame(target, content)); err != nil {
		r.mu.Unlock()
		return Message{}, err
	}

	msg := Message{
		LocalID:      uuid.NewString(),
		Conversation: target,
		Content:      content,
		Direction:    Sent,
		Confidence:   Optimistic,
		ObservedAt:   r.now(),
	}
	r.buf.Add(target, msg)
	l := r.listener
	r.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	l.MessageAppended(msg)
	return msg, nil
}

// OnInboundMessage appends a received chat event to its sender's buffer,
// whether or not that sender is the active target. Events without a sender
// are ignored, and so is a redelivery of the newest message in that buffer
// (same content and the same non-zero server timestamp). The target is never
// changed.
func (r *Router) OnInboundMessage(ev protocol.ChatEvent) {
	if ev.SenderID <= 0 {
		log.Debug().Msg("[chat] ignoring chat event without sender")
		return
	}

	msg := Message{
		LocalID:      uuid.NewString(),
		Conversation: ev.SenderID,
		SenderID:     ev.SenderID,
		Content:      ev.Content,
		Direction:    Received,
		Confidence:   Confirmed,
		ServerTime:   ev.Timestamp,
	}

	r.mu.Lock()
	if last, ok := r.buf.Last(ev.SenderID); ok && redelivered(last, msg) {
		r.mu.Unlock()
		log.Debug().Msgf("[chat] dropping redelivered message from %d", ev.SenderID)
		return
	}
	msg.ObservedAt = r.now()
	r.buf.Add(ev.SenderID, msg)
	if r.target != ev.SenderID {
		r.unread[ev.SenderID]++
	}
	l := r.listener
	r.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("received").Inc()
	l.MessageAppended(msg)
}

func redelivered(last, next Message) bool {
	return next.ServerTime != 0 &&
		last.Direction == Received &&
		last.SenderID == next.SenderID &&
		last.ServerTime == next.ServerTime &&
		last.Content == next.Content
}

// Messages returns the buffer for a conversation, oldest first.
func (r *Router) Messages(conversation int64) []Message {
	return r.buf.Get(conversation)
}

// Active returns the buffer of the active target, or nil with no target.
func (r *Router) Active() []Message {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target == 0 {
		return nil
	}
	return r.buf.Get(target)
}

// Unread returns the number of messages received for a conversation while
// it was not the active target.
func (r *Router) Unread(conversation int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[conversation]
}

// Forget drops a conversation's buffer and unread count, e.g. after the
// relation is deleted.
func (r *Router) Forget(conversation int64) {
	r.mu.Lock()
	r.buf.Remove(conversation)
	delete(r.unread, conversation)
	r.mu.Unlock()
}

// Reset drops every buffer and clears the target.
func (r *Router) Reset() {
	r.mu.Lock()
	had := r.target != 0
	r.target = 0
	r.buf.Reset()
	r.unread = make(map[int64]int)
	l := r.listener
	r.mu.Unlock()

	if had {
		l.ConversationChanged(0, false)
	}
}
