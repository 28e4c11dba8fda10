// Package ws is the client side of the persistent chat connection. A Manager
// owns at most one live WebSocket link to the server, decodes inbound frames
// into typed protocol events and delivers them, together with connection
// state changes, to subscribers from a single ordered delivery goroutine.
//
// The Manager never reconnects on its own. A dropped link surfaces only as a
// transition to StateDisconnected; the caller decides whether and when to
// open again.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/metrics"
	"github.com/polychat/chat-client/internal/protocol"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateEventType is the EventType of StateChange.
const StateEventType = "state"

// StateChange is delivered on every connection state transition.
type StateChange struct {
	Prev State
	Next State
}

func (StateChange) EventType() string { return StateEventType }

var (
	// ErrNotConnected is returned by Send when the state is not open.
	ErrNotConnected = errors.New("ws: not connected")
	// ErrClosed is returned by Connect when the attempt was abandoned by
	// Close or a newer Open.
	ErrClosed = errors.New("ws: connection closed")
	// ErrShutdown is returned once the Manager has been shut down.
	ErrShutdown = errors.New("ws: manager shut down")
)

// IsUnauthorized reports whether err is a dial failure where the server
// refused the upgrade with 401, i.e. it no longer accepts the token.
func IsUnauthorized(err error) bool {
	var status ws.StatusError
	return errors.As(err, &status) && int(status) == http.StatusUnauthorized
}

// Options configures a Manager.
type Options struct {
	ServerURL    string // http(s) base URL of the server
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Heartbeat    HeartbeatConfig
	QueueSize    int // initial capacity of the delivery queue
}

type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Manager maintains the persistent chat connection.
type Manager struct {
	opts       Options
	dispatcher *Dispatcher

	mu      sync.Mutex
	state   State
	gen     uint64 // bumped by Open, Close and Shutdown; stale goroutines compare against it
	conn    *Connection
	cancel  context.CancelFunc
	pending *attempt
	shut    bool

	qmu    sync.Mutex
	queue  []protocol.Event
	notify chan struct{}

	wg       sync.WaitGroup
	stop     chan struct{}
	loopDone chan struct{}
}

// NewManager creates a disconnected Manager and starts its delivery
// goroutine. Call Shutdown to release it.
func NewManager(opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	m := &Manager{
		opts:       opts,
		dispatcher: NewDispatcher(),
		queue:      make([]protocol.Event, 0, opts.QueueSize),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	metrics.ConnectionState.Set(float64(StateDisconnected))
	go m.deliverLoop()
	return m
}

// OnEvent subscribes h to every inbound protocol event. State changes are
// not passed to h.
func (m *Manager) OnEvent(h EventHandler) {
	m.dispatcher.RegisterAll(func(ev protocol.Event) {
		if _, ok := ev.(StateChange); ok {
			return
		}
		h(ev)
	})
}

// Handle subscribes h to events of one type, e.g. protocol.TypeChat.
func (m *Manager) Handle(eventType string, h EventHandler) {
	m.dispatcher.Register(eventType, h)
}

// OnStateChange subscribes h to connection state transitions.
func (m *Manager) OnStateChange(h func(StateChange)) {
	m.dispatcher.Register(StateEventType, func(ev protocol.Event) {
		h(ev.(StateChange))
	})
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts a new connection attempt authenticated with token. Any open or
// connecting link is closed first, so at most one link exists at a time.
// Open does not wait for the attempt to finish.
func (m *Manager) Open(token string) {
	m.open(token)
}

// Connect is Open followed by waiting until the attempt either opens or
// fails. If ctx ends first the attempt keeps running in the background.
func (m *Manager) Connect(ctx context.Context, token string) error {
	a := m.open(token)
	if a == nil {
		return ErrShutdown
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) open(token string) *attempt {
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return nil
	}

	old := m.teardownLocked(ErrClosed)
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	a := &attempt{done: make(chan struct{})}
	m.pending = a
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.run(ctx, gen, token, a)
	m.mu.Unlock()

	m.hangup(old)
	return a
}

// Send encodes frame and writes it to the open link. It never waits for a
// server acknowledgment. A write failure drops the link and is reported as
// ErrNotConnected.
func (m *Manager) Send(frame interface{}) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn, gen, state := m.conn, m.gen, m.state
	m.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteMessage(data, m.opts.WriteTimeout); err != nil {
		m.linkFailed(gen, conn, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	metrics.FramesTotal.WithLabelValues("sent").Inc()
	return nil
}

// Close moves to closing and then disconnected. It is a no-op when already
// disconnected.
func (m *Manager) Close() {
	m.mu.Lock()
	m.gen++
	old := m.teardownLocked(ErrClosed)
	m.mu.Unlock()

	m.hangup(old)
}

// Shutdown closes the connection, waits for connection goroutines to exit,
// delivers any queued events and stops the delivery goroutine. It must not be
// called from an event handler.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		<-m.loopDone
		return
	}
	m.gen++
	old := m.teardownLocked(ErrShutdown)
	m.shut = true
	m.mu.Unlock()

	m.hangup(old)
	m.wg.Wait()
	close(m.stop)
	<-m.loopDone
}

// teardownLocked abandons the pending attempt and detaches the current link,
// moving through closing to disconnected. The detached link is returned for
// hangup, which must run after m.mu is released.
func (m *Manager) teardownLocked(reason error) *Connection {
	if m.pending != nil {
		m.pending.finish(reason)
		m.pending = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.state == StateDisconnected {
		return nil
	}

	m.setStateLocked(StateClosing)
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	return conn
}

// hangup sends a close frame on a detached link and closes it.
func (m *Manager) hangup(conn *Connection) {
	if conn == nil {
		return
	}
	timeout := m.opts.WriteTimeout
	if timeout <= 0 || timeout > time.Second {
		timeout = time.Second
	}
	if err := conn.WriteClose(timeout); err != nil {
		log.Debug().Err(err).Msg("[ws] close frame not sent")
	}
	_ = conn.Close()
	log.Debug().Msgf("[ws] link closed after %s", time.Since(conn.CreatedAt).Round(time.Millisecond))
}

func (m *Manager) setStateLocked(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	metrics.ConnectionState.Set(float64(next))
	log.Debug().Msgf("[ws] state %s -> %s", prev, next)
	m.enqueue(StateChange{Prev: prev, Next: next})
}

// run dials the server and, once open, reads frames until the link fails or
// is torn down.
func (m *Manager) run(ctx context.Context, gen uint64, token string, a *attempt) {
	defer m.wg.Done()

	target, err := ChatURL(m.opts.ServerURL, token)
	if err != nil {
		m.dialFailed(gen, a, err)
		return
	}

	dialCtx := ctx
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
	}
	dialer := ws.Dialer{Timeout: m.opts.DialTimeout}
	netConn, br, _, err := dialer.Dial(dialCtx, target)
	if err != nil {
		m.dialFailed(gen, a, fmt.Errorf("ws: dial: %w", err))
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = netConn.Close()
		if br != nil {
			ws.PutReader(br)
		}
		return
	}
	conn := newConnection(netConn)
	m.conn = conn
	m.pending = nil
	m.setStateLocked(StateOpen)
	a.finish(nil)
	m.mu.Unlock()

	log.Info().Msgf("[ws] connected to %s", redact(target))

	stop := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		keepalive(ctx, stop, conn, m.opts.Heartbeat, m.opts.WriteTimeout, func(err error) {
			m.linkFailed(gen, conn, err)
		})
	}()

	var src io.Reader = netConn
	if br != nil {
		src = br
	}
	m.readLoop(gen, conn, src)
	close(stop)
	if br != nil {
		ws.PutReader(br)
	}
}

func (m *Manager) readLoop(gen uint64, conn *Connection, src io.Reader) {
	rw := conn.reader(src)
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			m.linkFailed(gen, conn, err)
			return
		}
		metrics.FramesTotal.WithLabelValues("received").Inc()
		ev := protocol.Decode(data)

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.enqueue(ev)
		m.mu.Unlock()
	}
}

func (m *Manager) dialFailed(gen uint64, a *attempt, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.finish(err)
	if m.gen != gen {
		return
	}
	log.Warn().Err(err).Msg("[ws] connection attempt failed")
	m.pending = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(StateDisconnected)
}

// linkFailed handles a transport error on an open link. Errors from a link
// that has already been replaced or torn down are ignored.
func (m *Manager) linkFailed(gen uint64, conn *Connection, err error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		log.Info().Msgf("[ws] server closed connection after %s: code=%d reason=%q",
			time.Since(conn.CreatedAt).Round(time.Millisecond), closed.Code, closed.Reason)
	} else {
		log.Warn().Err(err).Msgf("[ws] connection lost after %s", time.Since(conn.CreatedAt).Round(time.Millisecond))
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	_ = conn.Close()
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func (m *Manager) enqueue(ev protocol.Event) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) deliverLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.notify:
			m.drain()
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *Manager) drain() {
	for {
		m.qmu.Lock()
		if len(m.queue) == 0 {
			m.qmu.Unlock()
			return
		}
		ev := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.qmu.Unlock()

		m.dispatcher.Dispatch(ev)
	}
}

// ---------------------------------------------------------------------------
// URL helpers
// ---------------------------------------------------------------------------

// ChatURL builds the chat endpoint URL for serverURL, switching http to ws
// and https to wss, with token as the connection-time credential.
func ChatURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("ws: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("ws: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + api.PathChat
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// redact drops the query string so tokens never reach the logs.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
