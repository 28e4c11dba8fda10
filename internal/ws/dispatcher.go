package ws

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/metrics"
	"github.com/polychat/chat-client/internal/protocol"
)

// EventHandler is the callback signature for a delivered event. The concrete
// type is one of protocol.ChatEvent, protocol.PresenceEvent,
// protocol.SystemEvent or StateChange.
type EventHandler func(ev protocol.Event)

// Dispatcher routes delivered events to handlers registered either for one
// event type or for every event. Handlers run on the Manager's delivery
// goroutine, one event at a time, in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	all      []EventHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]EventHandler)}
}

// Register adds a handler for events whose EventType() equals eventType.
func (d *Dispatcher) Register(eventType string, h EventHandler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// RegisterAll adds a handler for every event.
func (d *Dispatcher) RegisterAll(h EventHandler) {
	d.mu.Lock()
	d.all = append(d.all, h)
	d.mu.Unlock()
}

// Dispatch delivers ev to the type-specific handlers and then to the
// catch-all handlers. Unknown events are logged and dropped.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	if u, ok := ev.(protocol.UnknownEvent); ok {
		log.Warn().Err(u.Err).Str("raw", truncate(string(u.Raw), 256)).Msg("[ws] dropping malformed frame")
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
		return
	}

	d.mu.RLock()
	typed := append([]EventHandler(nil), d.handlers[ev.EventType()]...)
	all := append([]EventHandler(nil), d.all...)
	d.mu.RUnlock()

	if len(typed) == 0 && len(all) == 0 {
		log.Debug().Msgf("[ws] no handler for event type=%q", ev.EventType())
		return
	}
	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
