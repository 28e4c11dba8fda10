package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/testserver"
)

func newTestStore(t *testing.T) (*Store, *testserver.Server, Persister) {
	t.Helper()
	srv := testserver.New(t)
	client := api.NewClient(srv.URL, 2*time.Second, nil)
	p := NewMemoryStore()
	return NewStore(client, p), srv, p
}

func TestAuthenticate_PersistsIdentity(t *testing.T) {
	store, srv, p := newTestStore(t)
	uid := srv.AddUser("alice", "pw")

	id, err := store.Authenticate(context.Background(), api.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, uid, id.UserID)
	assert.Equal(t, "alice", id.DisplayName)
	assert.NotEmpty(t, id.Token)
	assert.Equal(t, StatusAuthenticated, store.Status())
	assert.Equal(t, id.Token, store.Token())

	saved, err := p.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, id, *saved)
}

func TestAuthenticate_ErrorKinds(t *testing.T) {
	store, srv, _ := newTestStore(t)
	srv.AddUser("alice", "pw")
	ctx := context.Background()

	_, err := store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "wrong"})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, InvalidCredentials, authErr.Kind)
	assert.Equal(t, "login failed : wrong password", authErr.Msg)

	_, err = store.Authenticate(ctx, api.Credentials{Username: "nobody", Password: "pw"})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, InvalidCredentials, authErr.Kind)
	assert.Equal(t, "login failed : user does not exist", authErr.Msg)

	srv.FailNext(api.PathLogin, http.StatusBadGateway, 502, "upstream unavailable")
	_, err = store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "pw"})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, Server, authErr.Kind)
	assert.Equal(t, "upstream unavailable", authErr.Msg)

	srv.FailNextRaw(api.PathLogin, http.StatusInternalServerError, map[string]interface{}{"code": 500})
	_, err = store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "pw"})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, Server, authErr.Kind)

	srv.FailNext(api.PathLogin, http.StatusUnauthorized, 401, "locked")
	_, err = store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "pw"})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, InvalidCredentials, authErr.Kind)

	_, err = store.Authenticate(ctx, api.Credentials{Username: "", Password: "pw"})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, InvalidCredentials, authErr.Kind)

	assert.Equal(t, StatusAnonymous, store.Status())
	_, ok := store.Current()
	assert.False(t, ok)
}

func TestAuthenticate_NetworkError(t *testing.T) {
	srv := testserver.New(t)
	url := srv.URL
	srv.Shutdown()

	store := NewStore(api.NewClient(url, time.Second, nil), NewMemoryStore())
	_, err := store.Authenticate(context.Background(), api.Credentials{Username: "a", Password: "b"})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, Network, authErr.Kind)
}

func TestRegister(t *testing.T) {
	store, _, p := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, api.Credentials{Username: "bob", Password: "pw"}))
	assert.Equal(t, StatusAnonymous, store.Status())
	saved, _ := p.Load(ctx)
	assert.Nil(t, saved)

	err := store.Register(ctx, api.Credentials{Username: "bob", Password: "pw"})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, Server, authErr.Kind)
	assert.Contains(t, authErr.Msg, "username taken")
}

func TestRestore(t *testing.T) {
	store, srv, p := newTestStore(t)
	ctx := context.Background()

	id, err := store.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, StatusAnonymous, store.Status())

	stored := Identity{UserID: 5, DisplayName: "carol", Token: srv.Token(5)}
	require.NoError(t, p.Save(ctx, stored))

	id, err = store.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, stored, *id)
	assert.Equal(t, StatusAuthenticated, store.Status())
	// Restore never talks to the server.
	assert.Equal(t, 0, srv.Upgrades())
}

func TestRestore_ExpiredToken(t *testing.T) {
	store, srv, p := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, p.Save(ctx, Identity{UserID: 5, DisplayName: "carol", Token: srv.ExpiredToken(5)}))

	id, err := store.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, StatusExpired, store.Status())

	saved, _ := p.Load(ctx)
	assert.Nil(t, saved, "expired identity must be cleared from storage")
}

func TestRestore_OpaqueToken(t *testing.T) {
	store, _, p := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, p.Save(ctx, Identity{UserID: 1, DisplayName: "x", Token: "opaque"}))

	id, err := store.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "opaque", id.Token)
}

func TestClear_RunsHooks(t *testing.T) {
	store, srv, p := newTestStore(t)
	srv.AddUser("alice", "pw")
	ctx := context.Background()

	calls := 0
	store.OnClear(func() { calls++ })

	_, err := store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusAnonymous, store.Status())
	assert.Equal(t, "", store.Token())
	saved, _ := p.Load(ctx)
	assert.Nil(t, saved)
}

func TestExpire(t *testing.T) {
	store, srv, p := newTestStore(t)
	srv.AddUser("alice", "pw")
	ctx := context.Background()

	calls := 0
	store.OnClear(func() { calls++ })

	_, err := store.Authenticate(ctx, api.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, store.Expire(ctx))

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusExpired, store.Status())
	assert.Equal(t, "", store.Token())
	_, ok := store.Current()
	assert.False(t, ok)
	saved, _ := p.Load(ctx)
	assert.Nil(t, saved)
}

func TestTokenExpiry(t *testing.T) {
	srv := testserver.New(t)

	exp, ok := tokenExpiry(srv.Token(1))
	require.True(t, ok)
	assert.True(t, exp.After(time.Now()))

	_, ok = tokenExpiry("not.a.jwt")
	assert.False(t, ok)
}
