// Package core owns one signed-in chat session. A Session wires the Session
// Store, Connection Manager, Roster Cache and Conversation Router together:
// it routes inbound events to the cache and router, fans their notifications
// out to presentation listeners, and applies the bounded reconnect policy.
// There is no global state; everything hangs off a *Session.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/chat"
	"github.com/polychat/chat-client/internal/config"
	"github.com/polychat/chat-client/internal/protocol"
	"github.com/polychat/chat-client/internal/roster"
	"github.com/polychat/chat-client/internal/session"
	"github.com/polychat/chat-client/internal/ws"
)

// Options configures a Session.
type Options struct {
	Config *config.Config
	// Persister stores the identity between runs. The Session closes it.
	// Nil keeps the identity in memory only.
	Persister  session.Persister
	HTTPClient *http.Client
}

// Session is the owned client core.
type Session struct {
	cfg     *config.Config
	persist session.Persister
	store   *session.Store
	conn    *ws.Manager
	roster  *roster.Cache
	router  *chat.Router

	mu           sync.Mutex
	listeners    []Listener
	running      bool
	reconnecting bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a stopped Session. Call Login or Resume to start it and Close
// to release it.
func New(opts Options) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	persist := opts.Persister
	if persist == nil {
		persist = session.NewMemoryStore()
	}

	client := api.NewClient(cfg.ServerURL, cfg.RequestTimeout, opts.HTTPClient)
	store := session.NewStore(client, persist)
	client.SetTokenSource(store.Token)

	conn := ws.NewManager(ws.Options{
		ServerURL:    cfg.ServerURL,
		DialTimeout:  cfg.Connection.DialTimeout,
		WriteTimeout: cfg.Connection.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Connection.PingInterval,
			Timeout:  cfg.Connection.PongTimeout,
		},
		QueueSize: cfg.Connection.EventBuffer,
	})
	router := chat.NewRouter(conn, cfg.Conversation.MaxMessages)

	s := &Session{
		cfg:     cfg,
		persist: persist,
		store:   store,
		conn:    conn,
		router:  router,
		roster:  roster.New(client, router),
		ctx:     context.Background(),
	}
	s.roster.SetListener(rosterEvents{s})
	s.router.SetListener(chatEvents{s})
	conn.OnEvent(s.handleEvent)
	conn.OnStateChange(s.handleState)
	store.OnClear(func() {
		conn.Close()
		router.Reset()
		s.roster.Reset()
	})
	return s
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Login authenticates and starts the session. The identity is returned even
// when starting fails partway, e.g. the roster could not be fetched.
func (s *Session) Login(ctx context.Context, creds api.Credentials) (session.Identity, error) {
	id, err := s.store.Authenticate(ctx, creds)
	if err != nil {
		return session.Identity{}, err
	}
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, session.ErrExpired) {
			return session.Identity{}, err
		}
		return id, err
	}
	return id, nil
}

// Register creates an account without signing in.
func (s *Session) Register(ctx context.Context, creds api.Credentials) error {
	return s.store.Register(ctx, creds)
}

// Resume restores the persisted identity and starts the session with it. It
// returns nil, nil when there is nothing usable to restore, and nil with
// session.ErrExpired when the server rejects the stored token.
func (s *Session) Resume(ctx context.Context) (*session.Identity, error) {
	id, err := s.store.Restore(ctx)
	if err != nil || id == nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, session.ErrExpired) {
			return nil, err
		}
		return id, err
	}
	return id, nil
}

// Start fetches the roster and opens the chat connection concurrently for
// the current identity. A running session is restarted. If the server
// rejects the token the identity is expired and session.ErrExpired returned.
func (s *Session) Start(ctx context.Context) error {
	id, ok := s.store.Current()
	if !ok {
		return session.ErrNoIdentity
	}
	s.Stop()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.roster.SetSelf(id.UserID)
	log.Info().Msgf("[core] starting session for user_id=%d", id.UserID)

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.roster.Refresh(ctx)
		return err
	})
	g.Go(func() error {
		if err := s.conn.Connect(ctx, id.Token); err != nil {
			return fmt.Errorf("core: connect: %w", err)
		}
		return nil
	})
	return s.checkToken(g.Wait())
}

// Stop cancels any reconnect loop and closes the connection. The identity
// and cached state are kept, so Start can resume.
func (s *Session) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.conn.Close()
	if wasRunning {
		log.Info().Msg("[core] session stopped")
	}
}

// Logout stops the session and clears the identity. Clearing resets the
// roster and conversations and closes the connection.
func (s *Session) Logout(ctx context.Context) error {
	s.Stop()
	return s.store.Clear(ctx)
}

// Close stops the session and releases the connection manager and storage.
// The Session cannot be used afterwards. Later calls return the first
// result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.conn.Shutdown()
		s.closeErr = s.persist.Close()
	})
	return s.closeErr
}

// checkToken expires the session when err shows the server rejected the
// token. Other errors pass through unchanged.
func (s *Session) checkToken(err error) error {
	if err == nil || !tokenRejected(err) {
		return err
	}
	s.expire(err)
	return fmt.Errorf("%w: %w", session.ErrExpired, err)
}

// expire stops the session and drops the identity. It runs on the calling
// goroutine, which may be one s.wg is waiting for, so it never waits itself.
func (s *Session) expire(cause error) {
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if _, ok := s.store.Current(); !ok {
		return
	}
	log.Warn().Err(cause).Msg("[core] server rejected the token, signing out")
	if err := s.store.Expire(context.Background()); err != nil {
		log.Warn().Err(err).Msg("[core] failed to clear the expired identity")
	}
	s.each(func(l Listener) { l.SessionExpired() })
}

// ---------------------------------------------------------------------------
// Inbound routing
// ---------------------------------------------------------------------------

func (s *Session) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ChatEvent:
		s.router.OnInboundMessage(e)
	case protocol.PresenceEvent:
		s.roster.ApplyPresence(e.TargetID, e.Online)
	case protocol.SystemEvent:
		if e.Type == protocol.TypeFriendAccept {
			s.refreshAsync("friend request accepted")
		}
		s.each(func(l Listener) { l.SystemMessage(e) })
	}
}

func (s *Session) handleState(change ws.StateChange) {
	s.each(func(l Listener) { l.StateChanged(change) })

	// Close and Shutdown pass through closing; a direct open -> disconnected
	// transition is a transport failure.
	if change.Prev == ws.StateOpen && change.Next == ws.StateDisconnected && s.cfg.Reconnect.OnDrop {
		s.scheduleReconnect("connection dropped")
	}
}

// refreshAsync refetches the roster off the delivery goroutine.
func (s *Session) refreshAsync(reason string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, err := s.roster.Refresh(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if tokenRejected(err) {
			s.expire(err)
			return
		}
		log.Warn().Err(err).Msgf("[core] roster refresh after %s failed", reason)
	}()
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// SendMessage sends content to the active conversation. When the connection
// is not open the message is not sent and a reconnect is started; the caller
// sees ws.ErrNotConnected and may resend once the state is open again.
func (s *Session) SendMessage(content string) (chat.Message, error) {
	msg, err := s.router.SendMessage(content)
	if errors.Is(err, ws.ErrNotConnected) {
		s.scheduleReconnect("send while not connected")
	}
	return msg, err
}

// Select makes targetID the active conversation.
func (s *Session) Select(targetID int64) {
	s.router.Select(targetID)
}

// ClearTarget deselects the active conversation.
func (s *Session) ClearTarget() {
	s.router.ClearTarget()
}

// RefreshRoster replaces the roster with a fresh snapshot.
func (s *Session) RefreshRoster(ctx context.Context) ([]roster.Record, error) {
	records, err := s.roster.Refresh(ctx)
	return records, s.checkToken(err)
}

func (s *Session) UpdateNote(ctx context.Context, targetID int64, note string) error {
	return s.checkToken(s.roster.UpdateNote(ctx, targetID, note))
}

func (s *Session) AddRelation(ctx context.Context, targetID int64, desc string) error {
	return s.checkToken(s.roster.AddRelation(ctx, targetID, desc))
}

// DeleteRelation removes the relation and drops its conversation buffer.
func (s *Session) DeleteRelation(ctx context.Context, targetID int64) error {
	if err := s.roster.DeleteRelation(ctx, targetID); err != nil {
		return s.checkToken(err)
	}
	s.router.Forget(targetID)
	return nil
}

func (s *Session) Pending(ctx context.Context) ([]api.PendingRequest, error) {
	reqs, err := s.roster.Pending(ctx)
	return reqs, s.checkToken(err)
}

// Accept accepts a friend request and refreshes the roster so the new
// relation appears.
func (s *Session) Accept(ctx context.Context, requesterID int64) error {
	if err := s.roster.Accept(ctx, requesterID); err != nil {
		return s.checkToken(err)
	}
	_, err := s.roster.Refresh(ctx)
	return s.checkToken(err)
}

func (s *Session) Reject(ctx context.Context, requesterID int64) error {
	return s.checkToken(s.roster.Reject(ctx, requesterID))
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (s *Session) DisplayName(targetID int64) string  { return s.roster.DisplayName(targetID) }
func (s *Session) Identity() (session.Identity, bool) { return s.store.Current() }
func (s *Session) Status() session.Status             { return s.store.Status() }
func (s *Session) ConnState() ws.State                { return s.conn.State() }
func (s *Session) Roster() []roster.Record            { return s.roster.List() }
func (s *Session) Target() (int64, bool)              { return s.router.Target() }
func (s *Session) Active() []chat.Message             { return s.router.Active() }
func (s *Session) Messages(id int64) []chat.Message   { return s.router.Messages(id) }
func (s *Session) Unread(id int64) int                { return s.router.Unread(id) }
