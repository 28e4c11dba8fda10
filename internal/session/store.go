package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/api"
)

// Authenticator is the subset of the API client the Store needs.
type Authenticator interface {
	Login(ctx context.Context, creds api.Credentials) (*api.LoginResult, error)
	Register(ctx context.Context, creds api.Credentials) error
}

// Store is the Session Store. It holds at most one Identity and mirrors it
// into a Persister.
type Store struct {
	auth    Authenticator
	persist Persister
	now     func() time.Time

	mu      sync.RWMutex
	current *Identity
	status  Status
	onClear []func()
}

// NewStore creates an anonymous Store.
func NewStore(auth Authenticator, persist Persister) *Store {
	return &Store{auth: auth, persist: persist, now: time.Now}
}

// OnClear registers fn to run after the identity is cleared. The owning
// session uses it to close the connection.
func (s *Store) OnClear(fn func()) {
	s.mu.Lock()
	s.onClear = append(s.onClear, fn)
	s.mu.Unlock()
}

// Current returns the identity, if any.
func (s *Store) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Identity{}, false
	}
	return *s.current, true
}

// Status returns the lifecycle state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Token returns the current bearer token or "". It satisfies api.TokenSource.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// Authenticate logs in with creds and persists the resulting identity. The
// identity is kept in memory even if persisting it fails.
func (s *Store) Authenticate(ctx context.Context, creds api.Credentials) (Identity, error) {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return Identity{}, &AuthError{Kind: InvalidCredentials, Msg: "username and password are required"}
	}

	res, err := s.auth.Login(ctx, creds)
	if err != nil {
		return Identity{}, classifyLogin(err)
	}

	id := Identity{UserID: res.UserID, DisplayName: res.Username, Token: res.Token}
	if id.DisplayName == "" {
		id.DisplayName = creds.Username
	}

	if err := s.persist.Save(ctx, id); err != nil {
		log.Warn().Err(err).Msg("[session] failed to persist identity")
	}

	s.mu.Lock()
	s.current = &id
	s.status = StatusAuthenticated
	s.mu.Unlock()

	log.Info().Msgf("[session] authenticated user_id=%d name=%s", id.UserID, id.DisplayName)
	return id, nil
}

// Register creates an account. It does not sign in.
func (s *Store) Register(ctx context.Context, creds api.Credentials) error {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return &AuthError{Kind: InvalidCredentials, Msg: "username and password are required"}
	}
	if err := s.auth.Register(ctx, creds); err != nil {
		return classify(err)
	}
	return nil
}

// Restore loads the persisted identity without contacting the server. It
// returns nil when nothing is stored. A token whose exp claim has passed is
// cleared and reported as nil with the status set to expired.
func (s *Store) Restore(ctx context.Context) (*Identity, error) {
	id, err := s.persist.Load(ctx)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}

	if exp, ok := tokenExpiry(id.Token); ok && !exp.After(s.now()) {
		log.Info().Msgf("[session] stored token for user_id=%d expired at %s", id.UserID, exp.Format(time.RFC3339))
		if err := s.persist.Clear(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.current = nil
		s.status = StatusExpired
		s.mu.Unlock()
		return nil, nil
	}

	s.mu.Lock()
	s.current = id
	s.status = StatusAuthenticated
	s.mu.Unlock()

	out := *id
	return &out, nil
}

// Clear drops the identity, removes it from persistent storage and runs the
// OnClear hooks. Hooks run even if storage fails.
func (s *Store) Clear(ctx context.Context) error {
	return s.drop(ctx, StatusAnonymous)
}

// Expire is Clear for a token the server no longer accepts: the identity is
// dropped the same way but the status becomes expired.
func (s *Store) Expire(ctx context.Context) error {
	s.mu.RLock()
	had := s.current != nil
	s.mu.RUnlock()
	if had {
		log.Info().Msg("[session] server rejected the token, identity expired")
	}
	return s.drop(ctx, StatusExpired)
}

func (s *Store) drop(ctx context.Context, next Status) error {
	s.mu.Lock()
	s.current = nil
	s.status = next
	hooks := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	err := s.persist.Clear(ctx)
	for _, fn := range hooks {
		fn()
	}
	return err
}

// classifyLogin is classify for the login call. The server reports an
// unknown user or a wrong password as a 500 carrying code 500 and a message,
// so that shape counts as rejected credentials. A 5xx without a message is a
// server failure.
func classifyLogin(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusInternalServerError &&
		apiErr.Code == http.StatusInternalServerError &&
		apiErr.Msg != "" {
		return &AuthError{Kind: InvalidCredentials, Msg: apiErr.Msg, Err: err}
	}
	return classify(err)
}

// classify maps an API failure onto the AuthError taxonomy.
func classify(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		kind := Server
		if isCredentialStatus(apiErr.Status) || isCredentialStatus(apiErr.Code) {
			kind = InvalidCredentials
		}
		return &AuthError{Kind: kind, Msg: apiErr.Msg, Err: err}
	}
	return &AuthError{Kind: Network, Err: err}
}

func isCredentialStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// tokenExpiry reads the exp claim without verifying the signature. Opaque
// or claim-less tokens report ok=false.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
