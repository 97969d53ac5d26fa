package stream

import (
	"errors"

	"github.com/prevotnp/Session-Maps/internal/session"
)

// Transport-level errors raised by the registry.
var (
	ErrNotAuthenticated     = errors.New("connection not authenticated")
	ErrAlreadyAuthenticated = errors.New("connection already bound to another identity")
	ErrNotRegistered        = errors.New("connection not registered")
)

// Domain errors are shared with the session package so both the REST and
// websocket surfaces map the same values.
var (
	ErrSessionEnded = session.ErrSessionEnded
	ErrNotFound     = session.ErrNotFound
	ErrForbidden    = session.ErrForbidden
	ErrNotMember    = session.ErrNotMember
)
