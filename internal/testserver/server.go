// Package testserver runs an in-process polychat server for tests. It
// implements the REST endpoints and the persistent chat connection with the
// same request/response shapes as the real server, keeps all state in memory,
// and exposes hooks to inject failures and push arbitrary frames to a
// connected user.
package testserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// Secret signs every token issued by the test server.
var Secret = []byte("polychat-test-secret")

type user struct {
	id       int64
	name     string
	password string
}

type relation struct {
	relType int // 0 = pending request, 1 = friend
	note    string
}

type failure struct {
	status int
	body   map[string]interface{}
}

// Frame is a chat frame received from a client.
type Frame struct {
	SenderID   int64
	ReceiverID int64
	Type       string
	Content    string
}

// Server is a fake polychat server backed by httptest.
type Server struct {
	*httptest.Server

	TokenTTL time.Duration

	mu        sync.Mutex
	users     map[string]*user
	byID      map[int64]*user
	nextID    int64
	relations map[int64]map[int64]*relation // owner -> target
	conns     map[int64][]*conn
	failures  map[string][]failure
	received  []Frame
	upgrades  int
	revoked   map[int64]bool
	gate      chan struct{}
	listDelay chan struct{}
}

type conn struct {
	net.Conn
	userID int64
	wmu    sync.Mutex
}

// Write serializes raw writes from the control-frame handler with frame
// writes from pushFrame.
func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.Write(p)
}

func (c *conn) writeText(data []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteServerMessage(&buf, ws.OpText, data); err != nil {
		return err
	}
	_, err := c.Write(buf.Bytes())
	return err
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	s := &Server{
		TokenTTL:  time.Hour,
		users:     make(map[string]*user),
		byID:      make(map[int64]*user),
		nextID:    1,
		relations: make(map[int64]map[int64]*relation),
		conns:     make(map[int64][]*conn),
		failures:  make(map[string][]failure),
		revoked:   make(map[int64]bool),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Shutdown)
	return s
}

// Shutdown drops every chat connection and stops the HTTP server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	if s.listDelay != nil {
		close(s.listDelay)
		s.listDelay = nil
	}
	var all []*conn
	for _, cs := range s.conns {
		all = append(all, cs...)
	}
	s.mu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}
	s.Server.Close()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Get("/chat", s.handleChat)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/relation/list", s.handleList)
			r.Post("/relation/add", s.handleAdd)
			r.Post("/relation/update_note", s.handleUpdateNote)
			r.Post("/relation/delete", s.handleDelete)
			r.Get("/relation/pending", s.handlePending)
			r.Post("/relation/accept", s.handleAccept)
			r.Post("/relation/reject", s.handleReject)
		})
	})
	return r
}

// ---------------------------------------------------------------------------
// Setup helpers
// ---------------------------------------------------------------------------

// AddUser registers an account and returns its id.
func (s *Server) AddUser(name, password string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(name, password)
}

func (s *Server) addUserLocked(name, password string) int64 {
	u := &user{id: s.nextID, name: name, password: password}
	s.nextID++
	s.users[name] = u
	s.byID[u.id] = u
	return u.id
}

// Befriend creates an accepted relation in both directions. noteAB is the
// note a keeps for b.
func (s *Server) Befriend(a, b int64, noteAB string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRelationLocked(a, b, &relation{relType: 1, note: noteAB})
	s.setRelationLocked(b, a, &relation{relType: 1})
}

// AcceptAll accepts every pending request addressed to target, as if target
// had approved them.
func (s *Server) AcceptAll(target int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for owner, rels := range s.relations {
		if r, ok := rels[target]; ok && r.relType == 0 {
			r.relType = 1
			s.setRelationLocked(target, owner, &relation{relType: 1})
		}
	}
}

func (s *Server) setRelationLocked(owner, target int64, r *relation) {
	m, ok := s.relations[owner]
	if !ok {
		m = make(map[int64]*relation)
		s.relations[owner] = m
	}
	m[target] = r
}

// Token issues a token for userID valid for TokenTTL.
func (s *Server) Token(userID int64) string {
	return s.signToken(userID, time.Now().Add(s.TokenTTL))
}

// ExpiredToken issues a token that expired an hour ago.
func (s *Server) ExpiredToken(userID int64) string {
	return s.signToken(userID, time.Now().Add(-time.Hour))
}

func (s *Server) signToken(userID int64, exp time.Time) string {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     exp.Unix(),
		"iat":     time.Now().Unix(),
		"iss":     "polychat",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// FailNext makes the next request to path fail with the given HTTP status
// and JSON body fields.
func (s *Server) FailNext(path string, status, code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], failure{
		status: status,
		body:   map[string]interface{}{"code": code, "msg": msg},
	})
}

// Revoke makes every token issued for userID invalid from now on, on REST
// calls and on the chat upgrade.
func (s *Server) Revoke(userID int64) {
	s.mu.Lock()
	s.revoked[userID] = true
	s.mu.Unlock()
}

// FailNextRaw is FailNext with an arbitrary body.
func (s *Server) FailNextRaw(path string, status int, body map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], failure{status: status, body: body})
}

// HoldUpgrades blocks chat connection upgrades until ReleaseUpgrades.
func (s *Server) HoldUpgrades() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// ReleaseUpgrades lets held upgrades proceed.
func (s *Server) ReleaseUpgrades() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// HoldList blocks relation list responses until ReleaseList. The snapshot is
// taken when the response is released, not when the request arrives.
func (s *Server) HoldList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listDelay == nil {
		s.listDelay = make(chan struct{})
	}
}

// ReleaseList lets held list requests respond.
func (s *Server) ReleaseList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listDelay != nil {
		close(s.listDelay)
		s.listDelay = nil
	}
}

// Upgrades returns how many chat upgrade requests have been received.
func (s *Server) Upgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// Connections returns the number of live chat connections for userID.
func (s *Server) Connections(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// WaitConnections polls until userID has exactly n connections.
func (s *Server) WaitConnections(userID int64, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connections(userID) == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Connections(userID) == n
}

// Received returns a copy of the chat frames received so far.
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.received))
	copy(out, s.received)
	return out
}

// WaitReceived polls until at least n frames have been received.
func (s *Server) WaitReceived(n int, timeout time.Duration) []Frame {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.Received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Received()
}

// Note returns the note owner keeps for target and whether the relation exists.
func (s *Server) Note(owner, target int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[owner][target]
	if !ok {
		return "", false
	}
	return r.note, true
}

// Push writes a raw JSON frame to every connection of userID.
func (s *Server) Push(userID int64, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.PushRaw(userID, data)
}

// PushRaw writes bytes as a text frame to every connection of userID.
func (s *Server) PushRaw(userID int64, data []byte) error {
	s.mu.Lock()
	cs := append([]*conn(nil), s.conns[userID]...)
	s.mu.Unlock()

	if len(cs) == 0 {
		return fmt.Errorf("testserver: user %d has no connection", userID)
	}
	for _, c := range cs {
		if err := c.writeText(data); err != nil {
			return err
		}
	}
	return nil
}

// Drop closes every chat connection of userID from the server side.
func (s *Server) Drop(userID int64) {
	s.mu.Lock()
	cs := append([]*conn(nil), s.conns[userID]...)
	s.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

type ctxKey struct{}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// takeFailure pops an injected failure for path, writing it if present.
func (s *Server) takeFailure(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	queue := s.failures[r.URL.Path]
	if len(queue) == 0 {
		s.mu.Unlock()
		return false
	}
	f := queue[0]
	s.failures[r.URL.Path] = queue[1:]
	s.mu.Unlock()

	writeJSON(w, f.status, f.body)
	return true
}

func (s *Server) parseToken(raw string) (int64, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return Secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, jwt.ErrTokenInvalidClaims
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		return 0, jwt.ErrTokenInvalidClaims
	}
	s.mu.Lock()
	revoked := s.revoked[int64(id)]
	s.mu.Unlock()
	if revoked {
		return 0, jwt.ErrTokenInvalidId
	}
	return int64(id), nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": "401", "msg": "unauthorized"})
			return
		}
		uid, err := s.parseToken(parts[1])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": "403", "msg": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r, uid)))
	})
}

func contextWithUser(r *http.Request, uid int64) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, uid)
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "msg": "invalid parameters"})
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Username]
	s.mu.Unlock()
	// Rejected credentials are reported as a 500, like the real server.
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"code": 500, "msg": "login failed : user does not exist"})
		return
	}
	if u.password != req.Password {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"code": 500, "msg": "login failed : wrong password"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":     200,
		"msg":      "login ok",
		"token":    s.Token(u.id),
		"user_id":  u.id,
		"username": u.name,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "msg": "invalid parameters"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Username]; exists {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"code": 500, "msg": "register failed: username taken"})
		return
	}
	s.addUserLocked(req.Username, req.Password)
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "msg": "registered"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	s.mu.Lock()
	hold := s.listDelay
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}

	owner := userFrom(r)

	s.mu.Lock()
	type dto struct {
		OwnerID      int64  `json:"owner_id"`
		TargetID     int64  `json:"target_id"`
		RelationType int    `json:"relation_type"`
		Note         string `json:"note"`
		IsOnline     bool   `json:"is_online"`
	}
	var out []dto
	for target, rel := range s.relations[owner] {
		if rel.relType != 1 {
			continue
		}
		out = append(out, dto{
			OwnerID:      owner,
			TargetID:     target,
			RelationType: rel.relType,
			Note:         rel.note,
			IsOnline:     len(s.conns[target]) > 0,
		})
	}
	s.mu.Unlock()

	sortByTarget(out, func(d dto) int64 { return d.TargetID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "data": out})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		TargetID int64  `json:"target_id"`
		Desc     string `json:"Desc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "target_id required"})
		return
	}
	owner := userFrom(r)

	s.mu.Lock()
	if _, ok := s.byID[req.TargetID]; !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "message": "target user does not exist"})
		return
	}
	if _, ok := s.relations[owner][req.TargetID]; ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "message": "request already sent"})
		return
	}
	s.setRelationLocked(owner, req.TargetID, &relation{relType: 0, note: req.Desc})
	s.mu.Unlock()

	_ = s.Push(req.TargetID, map[string]interface{}{
		"type":        "friend_request",
		"sender_id":   owner,
		"receiver_id": req.TargetID,
		"content":     req.Desc,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "message": "request sent"})
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		TargetID int64  `json:"target_id"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "target_id required"})
		return
	}
	owner := userFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relations[owner][req.TargetID]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "relation not found"})
		return
	}
	rel.note = req.Note
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "message": "note updated"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		TargetID int64 `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "target_id required"})
		return
	}
	owner := userFrom(r)

	s.mu.Lock()
	delete(s.relations[owner], req.TargetID)
	delete(s.relations[req.TargetID], owner)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "message": "deleted"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.takeFailure(w, r) {
		return
	}
	me := userFrom(r)

	type dto struct {
		OwnerID      int64  `json:"owner_id"`
		OwnerName    string `json:"owner_name"`
		TargetID     int64  `json:"target_id"`
		RelationType int    `json:"relation_type"`
		Note         string `json:"note"`
	}
	s.mu.Lock()
	var out []dto
	for owner, rels := range s.relations {
		if rel, ok := rels[me]; ok && rel.relType == 0 {
			name := ""
			if u, ok := s.byID[owner]; ok {
				name = u.name
			}
			out = append(out, dto{OwnerID: owner, OwnerName: name, TargetID: me, Note: rel.note})
		}
	}
	s.mu.Unlock()

	sortByTarget(out, func(d dto) int64 { return d.OwnerID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "data": out})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, accept bool) {
	if s.takeFailure(w, r) {
		return
	}
	var req struct {
		RequesterID int64 `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequesterID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "requester_id required"})
		return
	}
	me := userFrom(r)

	s.mu.Lock()
	rel, ok := s.relations[req.RequesterID][me]
	if !ok || rel.relType != 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 400, "message": "no pending request"})
		return
	}
	if accept {
		rel.relType = 1
		s.setRelationLocked(me, req.RequesterID, &relation{relType: 1})
	} else {
		delete(s.relations[req.RequesterID], me)
	}
	s.mu.Unlock()

	if accept {
		_ = s.Push(req.RequesterID, map[string]interface{}{
			"type":        "friend_accept",
			"sender_id":   me,
			"receiver_id": req.RequesterID,
			"content":     "request accepted",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "message": "done"})
}

// ---------------------------------------------------------------------------
// Chat connection
// ---------------------------------------------------------------------------

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.upgrades++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	uid, err := s.parseToken(r.URL.Query().Get("token"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": "403", "msg": "invalid token"})
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	c := &conn{Conn: netConn, userID: uid}

	s.mu.Lock()
	s.conns[uid] = append(s.conns[uid], c)
	s.mu.Unlock()
	s.announcePresence(uid, true)

	go s.serveConn(c, rw)
}

func (s *Server) serveConn(c *conn, rw *bufio.ReadWriter) {
	defer func() {
		_ = c.Close()
		s.removeConn(c)
		if s.Connections(c.userID) == 0 {
			s.announcePresence(c.userID, false)
		}
	}()

	var src io.Reader = c.Conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = io.MultiReader(rw.Reader, c.Conn)
	}
	// Control-frame replies go through c so they are serialized with pushes.
	rwc := struct {
		io.Reader
		io.Writer
	}{src, c}

	for {
		data, op, err := wsutil.ReadClientData(rwc)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var msg struct {
			Type       string `json:"type"`
			ReceiverID int64  `json:"receiver_id"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "" {
			msg.Type = "chat"
		}
		s.mu.Lock()
		s.received = append(s.received, Frame{
			SenderID:   c.userID,
			ReceiverID: msg.ReceiverID,
			Type:       msg.Type,
			Content:    msg.Content,
		})
		s.mu.Unlock()

		if msg.Type == "chat" {
			_ = s.Push(msg.ReceiverID, map[string]interface{}{
				"type":        "chat",
				"sender_id":   c.userID,
				"receiver_id": msg.ReceiverID,
				"content":     msg.Content,
				"timestamp":   time.Now().Unix(),
			})
		}
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conns[c.userID]
	for i, x := range cs {
		if x == c {
			s.conns[c.userID] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(s.conns[c.userID]) == 0 {
		delete(s.conns, c.userID)
	}
}

// announcePresence tells every online user who keeps userID as a friend.
func (s *Server) announcePresence(userID int64, online bool) {
	s.mu.Lock()
	var watchers []int64
	for owner, rels := range s.relations {
		if rel, ok := rels[userID]; ok && rel.relType == 1 && len(s.conns[owner]) > 0 {
			watchers = append(watchers, owner)
		}
	}
	s.mu.Unlock()

	for _, w := range watchers {
		_ = s.Push(w, map[string]interface{}{
			"type":      "presence",
			"sender_id": userID,
			"is_online": online,
		})
	}
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

func sortByTarget[T any](items []T, key func(T) int64) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && key(items[j]) < key(items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
