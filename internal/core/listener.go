package core

import (
	"github.com/polychat/chat-client/internal/chat"
	"github.com/polychat/chat-client/internal/protocol"
	"github.com/polychat/chat-client/internal/roster"
	"github.com/polychat/chat-client/internal/ws"
)

// Listener receives every notification the core emits for a presentation
// adapter. Calls may arrive from the connection's delivery goroutine or from
// the goroutine performing an operation; implementations must not block.
type Listener interface {
	StateChanged(change ws.StateChange)
	RosterChanged(records []roster.Record)
	DisplayNameChanged(targetID int64, name string)
	ConversationChanged(target int64, ok bool)
	MessageAppended(msg chat.Message)
	SystemMessage(ev protocol.SystemEvent)
	// ReconnectFailed is called once a reconnect loop gives up.
	ReconnectFailed(err error)
	// SessionExpired is called after the server rejected the token and the
	// identity was dropped. The user has to sign in again.
	SessionExpired()
}

// NopListener implements Listener with no-ops. Embed it to handle a subset.
type NopListener struct{}

func (NopListener) StateChanged(ws.StateChange)        {}
func (NopListener) RosterChanged([]roster.Record)      {}
func (NopListener) DisplayNameChanged(int64, string)   {}
func (NopListener) ConversationChanged(int64, bool)    {}
func (NopListener) MessageAppended(chat.Message)       {}
func (NopListener) SystemMessage(protocol.SystemEvent) {}
func (NopListener) ReconnectFailed(error)              {}
func (NopListener) SessionExpired()                    {}

// AddListener subscribes l to notifications.
func (s *Session) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) each(fn func(Listener)) {
	s.mu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// rosterEvents adapts roster.Listener onto the session's listeners.
type rosterEvents struct{ s *Session }

func (r rosterEvents) RosterChanged() {
	records := r.s.roster.List()
	r.s.each(func(l Listener) { l.RosterChanged(records) })
}

func (r rosterEvents) DisplayNameChanged(targetID int64, name string) {
	r.s.each(func(l Listener) { l.DisplayNameChanged(targetID, name) })
}

// chatEvents adapts chat.Listener onto the session's listeners.
type chatEvents struct{ s *Session }

func (c chatEvents) ConversationChanged(target int64, ok bool) {
	c.s.each(func(l Listener) { l.ConversationChanged(target, ok) })
}

func (c chatEvents) MessageAppended(msg chat.Message) {
	c.s.each(func(l Listener) { l.MessageAppended(msg) })
}
