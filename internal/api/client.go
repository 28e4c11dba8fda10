// Package api is the request/response client for the polychat REST API:
// login and registration, and the relation management endpoints. Every call
// is authenticated with the bearer token supplied by a TokenSource.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/polychat/chat-client/internal/metrics"
)

// Endpoint paths relative to the server URL.
const (
	PathLogin          = "/api/v1/login"
	PathRegister       = "/api/v1/register"
	PathChat           = "/api/v1/chat"
	PathRelationList   = "/api/v1/relation/list"
	PathRelationAdd    = "/api/v1/relation/add"
	PathRelationNote   = "/api/v1/relation/update_note"
	PathRelationDelete = "/api/v1/relation/delete"
	PathPending        = "/api/v1/relation/pending"
	PathAccept         = "/api/v1/relation/accept"
	PathReject         = "/api/v1/relation/reject"
)

// RelationTypeFriend is the relation_type sent with add and delete requests.
const RelationTypeFriend = 1

// TokenSource returns the bearer token for authenticated calls, or "" when
// there is no identity.
type TokenSource func() string

// Client talks to one polychat server.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewClient creates a client for baseURL (e.g. "http://localhost:8080").
// A nil httpClient uses a client with the given timeout.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   func() string { return "" },
	}
}

// SetTokenSource installs the token provider used for authenticated calls.
func (c *Client) SetTokenSource(ts TokenSource) {
	if ts == nil {
		ts = func() string { return "" }
	}
	c.token = ts
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Credentials are the username/password pair for login and registration.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the successful login response.
type LoginResult struct {
	Token    string
	Username string
	UserID   int64
}

// Relation is one entry of the relation snapshot.
type Relation struct {
	OwnerID      int64  `json:"owner_id"`
	TargetID     int64  `json:"target_id"`
	RelationType int    `json:"relation_type"`
	Note         string `json:"note"`
	IsOnline     bool   `json:"is_online"`
}

// PendingRequest is an incoming friend request awaiting a decision.
type PendingRequest struct {
	OwnerID      int64  `json:"owner_id"`
	OwnerName    string `json:"owner_name"`
	TargetID     int64  `json:"target_id"`
	RelationType int    `json:"relation_type"`
	Note         string `json:"note"`
}

type relationBody struct {
	TargetID     int64   `json:"target_id"`
	RelationType int     `json:"relation_type,omitempty"`
	Note         *string `json:"note,omitempty"`
	Desc         *string `json:"Desc,omitempty"`
}

type requesterBody struct {
	RequesterID int64 `json:"requester_id"`
}

// Code is the application-level status code. The server emits it both as a
// number and as a numeric string.
type Code int

// UnmarshalJSON accepts 200 and "200".
func (c *Code) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("api: invalid code %s", data)
	}
	*c = Code(n)
	return nil
}

// envelope is the union of every response shape the server produces.
type envelope struct {
	Code     Code            `json:"code"`
	Msg      string          `json:"msg"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Data     json.RawMessage `json:"data"`
	Token    string          `json:"token"`
	Username string          `json:"username"`
	UserID   int64           `json:"user_id"`
}

func (e *envelope) text() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Message != "":
		return e.Message
	default:
		return e.Error
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a server-side rejection: HTTP status not 2xx or code != 200.
type Error struct {
	Status int    // HTTP status
	Code   int    // application code, 0 if absent
	Msg    string // server message verbatim, may be empty
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("api: server rejected request (status=%d code=%d): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("api: server rejected request (status=%d code=%d)", e.Status, e.Code)
}

// TransportError wraps failures to reach the server or read its response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("api: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ServerMessage returns the server-provided message carried by err, if any.
func ServerMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Msg
	}
	return ""
}

// IsUnauthorized reports whether the server refused the bearer token.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Code == http.StatusUnauthorized
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	env, err := c.do(ctx, http.MethodPost, PathLogin, creds, false)
	if err != nil {
		return nil, err
	}
	if env.Token == "" {
		return nil, &Error{Status: http.StatusOK, Code: int(env.Code), Msg: "login response missing token"}
	}
	return &LoginResult{Token: env.Token, Username: env.Username, UserID: env.UserID}, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, creds Credentials) error {
	_, err := c.do(ctx, http.MethodPost, PathRegister, creds, false)
	return err
}

// ListRelations fetches the full relation snapshot.
func (c *Client) ListRelations(ctx context.Context) ([]Relation, error) {
	env, err := c.do(ctx, http.MethodGet, PathRelationList, nil, true)
	if err != nil {
		return nil, err
	}
	var out []Relation
	if err := decodeData(env.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddRelation sends a friend request to targetID with an optional
// description shown to the recipient.
func (c *Client) AddRelation(ctx context.Context, targetID int64, desc string) error {
	body := relationBody{TargetID: targetID, RelationType: RelationTypeFriend, Desc: &desc}
	_, err := c.do(ctx, http.MethodPost, PathRelationAdd, body, true)
	return err
}

// UpdateNote sets the display note for targetID. An empty note clears it.
func (c *Client) UpdateNote(ctx context.Context, targetID int64, note string) error {
	body := relationBody{TargetID: targetID, Note: &note}
	_, err := c.do(ctx, http.MethodPost, PathRelationNote, body, true)
	return err
}

// DeleteRelation removes targetID from the caller's relations.
func (c *Client) DeleteRelation(ctx context.Context, targetID int64) error {
	body := relationBody{TargetID: targetID, RelationType: RelationTypeFriend}
	_, err := c.do(ctx, http.MethodPost, PathRelationDelete, body, true)
	return err
}

// PendingRequests lists incoming friend requests.
func (c *Client) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	env, err := c.do(ctx, http.MethodGet, PathPending, nil, true)
	if err != nil {
		return nil, err
	}
	var out []PendingRequest
	if err := decodeData(env.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptRequest accepts the friend request from requesterID.
func (c *Client) AcceptRequest(ctx context.Context, requesterID int64) error {
	_, err := c.do(ctx, http.MethodPost, PathAccept, requesterBody{RequesterID: requesterID}, true)
	return err
}

// RejectRequest rejects the friend request from requesterID.
func (c *Client) RejectRequest(ctx context.Context, requesterID int64) error {
	_, err := c.do(ctx, http.MethodPost, PathReject, requesterBody{RequesterID: requesterID}, true)
	return err
}

func decodeData(data json.RawMessage, out interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: "decode data", Err: err}
	}
	return nil
}

// do performs one request and returns the decoded envelope on success
// (HTTP 2xx and code 200).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, auth bool) (*envelope, error) {
	start := time.Now()
	env, err := c.roundTrip(ctx, method, path, body, auth)
	metrics.RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestErrors.WithLabelValues(path).Inc()
		return nil, err
	}
	return env, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}, auth bool) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransportError{Op: "read " + path, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &Error{Status: resp.StatusCode}
		}
		return nil, &TransportError{Op: "decode " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Code != http.StatusOK {
		return nil, &Error{Status: resp.StatusCode, Code: int(env.Code), Msg: env.text()}
	}
	return &env, nil
}
