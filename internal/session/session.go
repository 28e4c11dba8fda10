// Package session owns the signed-in identity: it authenticates against the
// server, persists the resulting token, username and user id between runs,
// restores them on startup without contacting the server, and clears them on
// logout.
package session

import (
	"errors"
	"fmt"
)

// Identity is the signed-in user.
type Identity struct {
	UserID      int64
	DisplayName string
	Token       string
}

// Status is the identity lifecycle state.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticated
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrNoIdentity is returned by operations that need a signed-in user.
	ErrNoIdentity = errors.New("session: no identity")
	// ErrExpired is returned once the server has rejected the token and the
	// identity has been dropped.
	ErrExpired = errors.New("session: token rejected by server")
)

// AuthKind classifies an authentication failure.
type AuthKind int

const (
	InvalidCredentials AuthKind = iota + 1
	Network
	Server
)

func (k AuthKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid_credentials"
	case Network:
		return "network"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// AuthError is returned by Authenticate and Register. Msg is the server's
// message verbatim when it sent one.
type AuthError struct {
	Kind AuthKind
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("session: authentication failed (%s): %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("session: authentication failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("session: authentication failed (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }
