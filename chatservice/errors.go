package chatservice

import (
	"errors"

	"github.com/codleed/ephemeral-chat/internal/validation"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/ratelimit"
	"github.com/codleed/ephemeral-chat/sessions"
)

// Messages returned to clients. Session lookup failures share one message so
// callers cannot tell a wrong code from an expired, idle, revoked or full
// session.
const (
	MsgInvalidSession  = "Invalid session code or session expired"
	MsgNotInSession    = "You are not in a session"
	MsgCreatorSetKey   = "Only the session creator can set the session key"
	MsgCreatorEnd      = "Only the session creator can end the session"
	MsgCreatorRotate   = "Only the session creator can rotate the session key"
	MsgCreatorRevoke   = "Only the session creator can revoke the session"
	MsgRateLimited     = "Too many requests, please slow down"
	MsgRotateKey       = "Generate a new session key and send it with set-session-key"
	msgUnknownEvent    = "Unknown event"
	msgInternal        = "Internal server error"
	msgCodeUnavailable = "Could not create a session, please try again"
)

var errUnknownEvent = errors.New("unknown event")

// forbiddenError rejects a creator-only operation.
type forbiddenError struct{ msg string }

func (e *forbiddenError) Error() string { return e.msg }

func forbidden(msg string) error { return &forbiddenError{msg: msg} }

func toWireError(err error) *wire.Error {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		return &wire.Error{
			Code:         wire.CodeRateLimited,
			Message:      MsgRateLimited,
			RetryAfterMs: limitErr.RetryAfter.Milliseconds(),
		}
	}
	var fieldErr *validation.FieldError
	if errors.As(err, &fieldErr) {
		return &wire.Error{Code: wire.CodeValidation, Message: fieldErr.Error(), Field: fieldErr.Field}
	}
	var forbiddenErr *forbiddenError
	if errors.As(err, &forbiddenErr) {
		return &wire.Error{Code: wire.CodeUnauthorized, Message: forbiddenErr.msg}
	}
	switch {
	case errors.Is(err, errUnknownEvent):
		return &wire.Error{Code: wire.CodeUnknownEvent, Message: msgUnknownEvent}
	case errors.Is(err, sessions.ErrNotInSession):
		return &wire.Error{Code: wire.CodeSession, Message: MsgNotInSession}
	case errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, sessions.ErrExpired),
		errors.Is(err, sessions.ErrIdle),
		errors.Is(err, sessions.ErrRevoked),
		errors.Is(err, sessions.ErrFull):
		return &wire.Error{Code: wire.CodeSession, Message: MsgInvalidSession}
	case errors.Is(err, sessions.ErrCodeUnavailable):
		return &wire.Error{Code: wire.CodeInternal, Message: msgCodeUnavailable}
	default:
		return &wire.Error{Code: wire.CodeInternal, Message: msgInternal}
	}
}
