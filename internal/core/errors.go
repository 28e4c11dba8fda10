package core

import (
	"errors"
	"strings"

	"github.com/polychat/chat-client/internal/api"
	"github.com/polychat/chat-client/internal/chat"
	"github.com/polychat/chat-client/internal/roster"
	"github.com/polychat/chat-client/internal/session"
	"github.com/polychat/chat-client/internal/ws"
)

// UserMessage renders err as the single line a user should see. A message
// supplied by the server is shown verbatim; otherwise a fallback for the
// error's category is used.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, session.ErrExpired) {
		return "Your session has expired. Please sign in again."
	}
	if msg := api.ServerMessage(err); msg != "" {
		return msg
	}

	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		if authErr.Msg != "" {
			return authErr.Msg
		}
		switch authErr.Kind {
		case session.InvalidCredentials:
			return "Invalid username or password."
		case session.Network:
			return "Could not reach the server."
		default:
			return "The server could not complete the request."
		}
	}

	var (
		fetchErr     *roster.FetchError
		requestErr   *roster.RequestError
		transportErr *api.TransportError
	)
	switch {
	case errors.Is(err, session.ErrNoIdentity):
		return "You are not signed in."
	case errors.Is(err, chat.ErrNoTarget):
		return "Select a conversation first."
	case errors.Is(err, chat.ErrEmptyContent):
		return "Message is empty."
	case errors.Is(err, chat.ErrContentTooLong):
		return "Message is too long."
	case errors.Is(err, chat.ErrInvalidContent):
		return "Message contains invalid characters."
	case errors.Is(err, ws.ErrNotConnected):
		return "Not connected to the chat server. Reconnecting, try again shortly."
	case errors.Is(err, roster.ErrDuplicate):
		return "That user is already in your contacts."
	case errors.Is(err, roster.ErrValidation):
		return validationDetail(err)
	case errors.As(err, &transportErr):
		return "Could not reach the server."
	case errors.As(err, &fetchErr):
		return "Could not load your contacts."
	case errors.As(err, &requestErr):
		return "The request failed."
	}
	return err.Error()
}

// validationDetail strips the sentinel prefix, leaving e.g.
// "note is longer than 20 characters".
func validationDetail(err error) string {
	prefix := roster.ErrValidation.Error() + ": "
	msg := err.Error()
	if i := strings.Index(msg, prefix); i >= 0 {
		msg = msg[i+len(prefix):]
	}
	if msg == "" {
		return "Invalid input."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}

// tokenRejected reports whether err shows the server refused the token, on
// a REST call or on the chat upgrade.
func tokenRejected(err error) bool {
	return api.IsUnauthorized(err) || ws.IsUnauthorized(err)
}
