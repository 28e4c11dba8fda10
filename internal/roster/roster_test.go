package roster

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/testserver"
)

type fakeSelection struct {
	mu     sync.Mutex
	target int64
}

func (f *fakeSelection) Target() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.target != 0
}

func (f *fakeSelection) ClearTargetIf(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target != 0 && f.target == id {
		f.target = 0
		return true
	}
	return false
}

type recordingListener struct {
	mu      sync.Mutex
	changed int
	names   map[int64]string
}

func (r *recordingListener) RosterChanged() {
	r.mu.Lock()
	r.changed++
	r.mu.Unlock()
}

func (r *recordingListener) DisplayNameChanged(id int64, name string) {
	r.mu.Lock()
	if r.names == nil {
		r.names = make(map[int64]string)
	}
	r.names[id] = name
	r.mu.Unlock()
}

type fixture struct {
	srv      *testserver.Server
	cache    *Cache
	sel      *fakeSelection
	listener *recordingListener
	me       int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testserver.New(t)
	me := srv.AddUser("me", "pw")
	client := api.NewClient(srv.URL, 2*time.Second, nil)
	token := srv.Token(me)
	client.SetTokenSource(func() string { return token })

	sel := &fakeSelection{}
	c := New(client, sel)
	c.SetSelf(me)
	l := &recordingListener{}
	c.SetListener(l)
	return &fixture{srv: srv, cache: c, sel: sel, listener: l, me: me}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "User 7", DisplayName(7, ""))
	assert.Equal(t, "User 7", DisplayName(7, "   "))
	assert.Equal(t, "Bob", DisplayName(7, " Bob "))
	assert.Equal(t, "User 3", Record{TargetID: 3}.DisplayName())
}

func TestRefresh_ReplacesCache(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	b := f.srv.AddUser("b", "pw")
	f.srv.Befriend(f.me, a, "Alpha")
	f.srv.Befriend(f.me, b, "")

	recs, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Alpha", f.cache.DisplayName(a))
	assert.Equal(t, "User 3", f.cache.DisplayName(b))

	// b is removed server-side; the next refresh drops it.
	require.NoError(t, clientFor(f.srv, f.me).DeleteRelation(context.Background(), b))
	recs, err = f.cache.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, ok := f.cache.Get(b)
	assert.False(t, ok)
}

func TestRefresh_FailureLeavesCache(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "Alpha")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.srv.FailNext(api.PathRelationList, http.StatusInternalServerError, 500, "boom")
	_, err = f.cache.Refresh(context.Background())
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "boom", api.ServerMessage(err))
	assert.Len(t, f.cache.List(), 1)
}

func TestApplyPresence(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)
	before := f.listener.changed

	f.cache.ApplyPresence(a, true)
	f.cache.ApplyPresence(a, true) // duplicate delivery
	rec, _ := f.cache.Get(a)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, before+1, f.listener.changed)

	f.cache.ApplyPresence(999, true)
	_, ok := f.cache.Get(999)
	assert.False(t, ok)
}

// Presence observed while a refresh is in flight is overwritten by the
// refresh that completes after it; presence observed later wins again.
func TestPresenceAndRefresh_LastWriteWins(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.srv.HoldList()
	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Refresh(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	f.cache.ApplyPresence(a, true)
	rec, _ := f.cache.Get(a)
	assert.True(t, rec.IsOnline)

	f.srv.ReleaseList()
	require.NoError(t, <-done)
	rec, _ = f.cache.Get(a)
	assert.False(t, rec.IsOnline, "completed refresh overwrites earlier presence")

	f.cache.ApplyPresence(a, true)
	rec, _ = f.cache.Get(a)
	assert.True(t, rec.IsOnline)
}

func TestUpdateNote(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "old")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.cache.UpdateNote(context.Background(), a, "  New  "))
	assert.Equal(t, "New", f.cache.DisplayName(a))
	note, _ := f.srv.Note(f.me, a)
	assert.Equal(t, "New", note)
	assert.Empty(t, f.listener.names, "not the active conversation")

	f.sel.target = a
	require.NoError(t, f.cache.UpdateNote(context.Background(), a, ""))
	assert.Equal(t, "User 2", f.cache.DisplayName(a))
	assert.Equal(t, "User 2", f.listener.names[a])
}

func TestUpdateNote_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "keep")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	err = f.cache.UpdateNote(context.Background(), a, "this note is far too long for the column")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "keep", f.cache.DisplayName(a))

	// Twenty multibyte characters fit.
	require.NoError(t, f.cache.UpdateNote(context.Background(), a, "éééééééééééééééééééé"))
}

func TestUpdateNote_RequestErrorLeavesCache(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "keep")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.srv.FailNext(api.PathRelationNote, http.StatusInternalServerError, 500, "nope")
	err = f.cache.UpdateNote(context.Background(), a, "new")
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "update note", re.Op)
	assert.Equal(t, "keep", f.cache.DisplayName(a))
}

func TestAddRelation_AppearsOnlyAfterRefresh(t *testing.T) {
	f := newFixture(t)
	bob := f.srv.AddUser("bob", "pw")

	require.NoError(t, f.cache.AddRelation(context.Background(), bob, "hi"))
	_, ok := f.cache.Get(bob)
	assert.False(t, ok, "add must not insert optimistically")

	f.srv.AcceptAll(bob)
	_, ok = f.cache.Get(bob)
	assert.False(t, ok, "server confirmation alone does not change the cache")

	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)
	_, ok = f.cache.Get(bob)
	assert.True(t, ok)
}

func TestAddRelation_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, f.cache.AddRelation(context.Background(), f.me, ""), ErrValidation)
	assert.ErrorIs(t, f.cache.AddRelation(context.Background(), 0, ""), ErrValidation)
	assert.ErrorIs(t, f.cache.AddRelation(context.Background(), a, ""), ErrDuplicate)

	err = f.cache.AddRelation(context.Background(), 12345, "")
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "target user does not exist", api.ServerMessage(err))
}

func TestDeleteRelation_ClearsActiveTarget(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	b := f.srv.AddUser("b", "pw")
	f.srv.Befriend(f.me, a, "")
	f.srv.Befriend(f.me, b, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.sel.target = a
	require.NoError(t, f.cache.DeleteRelation(context.Background(), b))
	_, ok := f.sel.Target()
	assert.True(t, ok, "deleting another relation keeps the target")

	require.NoError(t, f.cache.DeleteRelation(context.Background(), a))
	_, ok = f.sel.Target()
	assert.False(t, ok)
	assert.Empty(t, f.cache.List())
}

func TestDeleteRelation_FailureKeepsEverything(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)
	f.sel.target = a

	f.srv.FailNextRaw(api.PathRelationDelete, http.StatusInternalServerError, map[string]interface{}{"error": "db"})
	err = f.cache.DeleteRelation(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, "db", api.ServerMessage(err))
	_, ok := f.cache.Get(a)
	assert.True(t, ok)
	cur, _ := f.sel.Target()
	assert.Equal(t, a, cur)
}

func TestPendingAcceptReject(t *testing.T) {
	f := newFixture(t)
	x := f.srv.AddUser("x", "pw")
	y := f.srv.AddUser("y", "pw")
	require.NoError(t, clientFor(f.srv, x).AddRelation(context.Background(), f.me, "from x"))
	require.NoError(t, clientFor(f.srv, y).AddRelation(context.Background(), f.me, "from y"))

	reqs, err := f.cache.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "x", reqs[0].OwnerName)

	require.NoError(t, f.cache.Accept(context.Background(), x))
	require.NoError(t, f.cache.Reject(context.Background(), y))
	assert.Empty(t, f.cache.List(), "accept does not insert")

	_, err = f.cache.Refresh(context.Background())
	require.NoError(t, err)
	recs := f.cache.List()
	require.Len(t, recs, 1)
	assert.Equal(t, x, recs[0].TargetID)

	err = f.cache.Reject(context.Background(), y)
	var re *RequestError
	require.True(t, errors.As(err, &re))
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddUser("a", "pw")
	f.srv.Befriend(f.me, a, "")
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.cache.Reset()
	assert.Empty(t, f.cache.List())
	// Self is forgotten, so the old id is no longer rejected locally.
	err = f.cache.AddRelation(context.Background(), f.me, "")
	assert.NotErrorIs(t, err, ErrValidation)
}

func clientFor(srv *testserver.Server, uid int64) *api.Client {
	c := api.NewClient(srv.URL, 2*time.Second, nil)
	token := srv.Token(uid)
	c.SetTokenSource(func() string { return token })
	return c
}
