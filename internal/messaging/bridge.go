package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/chat"
	"github.com/polychat/chat-client/internal/core"
	"github.com/polychat/chat-client/internal/protocol"
	"github.com/polychat/chat-client/internal/roster"
	"github.com/polychat/chat-client/internal/session"
	"github.com/polychat/chat-client/internal/ws"
)

// Notification kinds, the last token of an event subject.
const (
	EventState           = "state"
	EventRoster          = "roster"
	EventDisplayName     = "display_name"
	EventConversation    = "conversation"
	EventMessage         = "message"
	EventSystem          = "system"
	EventReconnectFailed = "reconnect_failed"
	EventExpired         = "expired"
)

// Intent names, the last token of an intent subject.
const (
	IntentSend    = "send"
	IntentSelect  = "select"
	IntentRefresh = "refresh"
	IntentNote    = "note"
	IntentAdd     = "add"
	IntentDelete  = "delete"
	IntentPending = "pending"
	IntentAccept  = "accept"
	IntentReject  = "reject"
)

var intents = []string{
	IntentSend, IntentSelect, IntentRefresh, IntentNote, IntentAdd,
	IntentDelete, IntentPending, IntentAccept, IntentReject,
}

var errUnknownIntent = errors.New("bridge: unknown intent")

// Core is the part of core.Session the bridge drives.
type Core interface {
	AddListener(l core.Listener)
	SendMessage(content string) (chat.Message, error)
	Select(targetID int64)
	RefreshRoster(ctx context.Context) ([]roster.Record, error)
	UpdateNote(ctx context.Context, targetID int64, note string) error
	AddRelation(ctx context.Context, targetID int64, desc string) error
	DeleteRelation(ctx context.Context, targetID int64) error
	Pending(ctx context.Context) ([]api.PendingRequest, error)
	Accept(ctx context.Context, requesterID int64) error
	Reject(ctx context.Context, requesterID int64) error
	DisplayName(targetID int64) string
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Message is the JSON form of a conversation message.
type Message struct {
	LocalID      string    `json:"local_id"`
	Conversation int64     `json:"conversation"`
	SenderID     int64     `json:"sender_id,omitempty"`
	Content      string    `json:"content"`
	Direction    string    `json:"direction"`  // sent or received
	Confidence   string    `json:"confidence"` // optimistic or confirmed
	ObservedAt   time.Time `json:"observed_at"`
	ServerTime   int64     `json:"server_time,omitempty"`
}

func messageFrom(m chat.Message) Message {
	return Message{
		LocalID:      m.LocalID,
		Conversation: m.Conversation,
		SenderID:     m.SenderID,
		Content:      m.Content,
		Direction:    m.Direction.String(),
		Confidence:   m.Confidence.String(),
		ObservedAt:   m.ObservedAt,
		ServerTime:   m.ServerTime,
	}
}

// Relation is the JSON form of a roster record.
type Relation struct {
	TargetID    int64  `json:"target_id"`
	Note        string `json:"note"`
	IsOnline    bool   `json:"is_online"`
	DisplayName string `json:"display_name"`
}

func relationsFrom(records []roster.Record) []Relation {
	out := make([]Relation, 0, len(records))
	for _, r := range records {
		out = append(out, Relation{
			TargetID:    r.TargetID,
			Note:        r.Note,
			IsOnline:    r.IsOnline,
			DisplayName: r.DisplayName(),
		})
	}
	return out
}

// Notification is published on event subjects. Only the fields relevant to
// Kind are set.
type Notification struct {
	Kind        string     `json:"kind"`
	State       string     `json:"state,omitempty"`
	PrevState   string     `json:"prev_state,omitempty"`
	Roster      []Relation `json:"roster,omitempty"`
	TargetID    int64      `json:"target_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Message     *Message   `json:"message,omitempty"`
	SystemType  string     `json:"system_type,omitempty"`
	Content     string     `json:"content,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Request is the body of an intent. Only the fields the intent reads need
// to be set.
type Request struct {
	TargetID    int64  `json:"target_id,omitempty"`
	Content     string `json:"content,omitempty"`
	Note        string `json:"note,omitempty"`
	Desc        string `json:"desc,omitempty"`
	RequesterID int64  `json:"requester_id,omitempty"`
}

// Reply answers an intent. Error holds the user-facing message on failure.
type Reply struct {
	OK      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Message *Message             `json:"message,omitempty"`
	Roster  []Relation           `json:"roster,omitempty"`
	Pending []api.PendingRequest `json:"pending,omitempty"`
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Prefix         string        // subject prefix, e.g. "polychat"
	UserID         int64         // signed-in user the subjects are scoped to
	RequestTimeout time.Duration // bound on each intent
}

// Bridge publishes session notifications to NATS and serves intents.
type Bridge struct {
	nc      *NATSClient
	pub     publisher
	core    Core
	opts    BridgeOptions
	stopped atomic.Bool
}

// NewBridge creates a bridge over nc. Call Start to begin serving.
func NewBridge(nc *NATSClient, c Core, opts BridgeOptions) *Bridge {
	b := newBridge(nc, c, opts)
	b.nc = nc
	return b
}

func newBridge(pub publisher, c Core, opts BridgeOptions) *Bridge {
	if opts.Prefix == "" {
		opts.Prefix = "polychat"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Bridge{pub: pub, core: c, opts: opts}
}

// Start subscribes the bridge to session notifications and to every intent
// subject.
func (b *Bridge) Start() error {
	b.core.AddListener(b)
	for _, name := range intents {
		subject := IntentSubject(b.opts.Prefix, b.opts.UserID, name)
		if err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			b.serve(name, msg)
		}); err != nil {
			return err
		}
	}
	log.Info().Msgf("[bridge] serving intents on %s", IntentSubject(b.opts.Prefix, b.opts.UserID, "*"))
	return nil
}

// Stop unsubscribes the intent subjects and stops publishing notifications.
// It is safe to call more than once.
func (b *Bridge) Stop() {
	if b.stopped.Swap(true) || b.nc == nil {
		return
	}
	for _, name := range intents {
		subject := IntentSubject(b.opts.Prefix, b.opts.UserID, name)
		if err := b.nc.Unsubscribe(subject); err != nil {
			log.Debug().Err(err).Msgf("[bridge] unsubscribe %s", subject)
		}
	}
	log.Info().Msg("[bridge] stopped")
}

func (b *Bridge) serve(name string, msg *nats.Msg) {
	reply := b.Handle(name, msg.Data)
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msgf("[bridge] marshal reply for %s", name)
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Msgf("[bridge] respond to %s", name)
	}
}

// Handle executes one intent and builds its reply.
func (b *Bridge) Handle(name string, data []byte) Reply {
	var req Request
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return Reply{Error: fmt.Sprintf("malformed request: %v", err)}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.RequestTimeout)
	defer cancel()

	reply, err := b.dispatch(ctx, name, req)
	if err != nil {
		log.Debug().Err(err).Msgf("[bridge] intent %s failed", name)
		return Reply{Error: core.UserMessage(err)}
	}
	reply.OK = true
	return reply
}

func (b *Bridge) dispatch(ctx context.Context, name string, req Request) (Reply, error) {
	switch name {
	case IntentSend:
		m, err := b.core.SendMessage(req.Content)
		if err != nil {
			return Reply{}, err
		}
		out := messageFrom(m)
		return Reply{Message: &out}, nil
	case IntentSelect:
		b.core.Select(req.TargetID)
		return Reply{}, nil
	case IntentRefresh:
		records, err := b.core.RefreshRoster(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Roster: relationsFrom(records)}, nil
	case IntentNote:
		return Reply{}, b.core.UpdateNote(ctx, req.TargetID, req.Note)
	case IntentAdd:
		return Reply{}, b.core.AddRelation(ctx, req.TargetID, req.Desc)
	case IntentDelete:
		return Reply{}, b.core.DeleteRelation(ctx, req.TargetID)
	case IntentPending:
		reqs, err := b.core.Pending(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Pending: reqs}, nil
	case IntentAccept:
		return Reply{}, b.core.Accept(ctx, req.RequesterID)
	case IntentReject:
		return Reply{}, b.core.Reject(ctx, req.RequesterID)
	default:
		return Reply{}, fmt.Errorf("%w: %s", errUnknownIntent, name)
	}
}

func (b *Bridge) publish(n Notification) {
	if b.stopped.Load() {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msgf("[bridge] marshal %s notification", n.Kind)
		return
	}
	if err := b.pub.Publish(EventSubject(b.opts.Prefix, b.opts.UserID, n.Kind), data); err != nil {
		log.Warn().Err(err).Msgf("[bridge] publish %s", n.Kind)
	}
}

// The methods below implement core.Listener.

func (b *Bridge) StateChanged(change ws.StateChange) {
	b.publish(Notification{Kind: EventState, State: change.Next.String(), PrevState: change.Prev.String()})
}

func (b *Bridge) RosterChanged(records []roster.Record) {
	b.publish(Notification{Kind: EventRoster, Roster: relationsFrom(records)})
}

func (b *Bridge) DisplayNameChanged(targetID int64, name string) {
	b.publish(Notification{Kind: EventDisplayName, TargetID: targetID, DisplayName: name})
}

func (b *Bridge) ConversationChanged(target int64, ok bool) {
	n := Notification{Kind: EventConversation}
	if ok {
		n.TargetID = target
		n.DisplayName = b.core.DisplayName(target)
	}
	b.publish(n)
}

func (b *Bridge) MessageAppended(msg chat.Message) {
	m := messageFrom(msg)
	b.publish(Notification{Kind: EventMessage, Message: &m})
}

func (b *Bridge) SystemMessage(ev protocol.SystemEvent) {
	b.publish(Notification{Kind: EventSystem, SystemType: ev.Type, TargetID: ev.SenderID, Content: ev.Content})
}

func (b *Bridge) ReconnectFailed(err error) {
	b.publish(Notification{Kind: EventReconnectFailed, Error: core.UserMessage(err)})
}

func (b *Bridge) SessionExpired() {
	b.publish(Notification{Kind: EventExpired, Error: core.UserMessage(session.ErrExpired)})
}
