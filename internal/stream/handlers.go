package stream

import (
	"context"
	"errors"
	"time"

	"github.com/prevotnp/Session-Maps/internal/shared/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	pingInterval = 30 * time.Second
	readDeadline = 60 * time.Second
	writeWait    = 10 * time.Second
)

// TokenValidator resolves a bearer token to a user id. *auth.Service
// satisfies it.
type TokenValidator interface {
	ValidateAccessToken(token string) (string, error)
}

func RegisterRoutes(r fiber.Router, hub *Hub, tokens TokenValidator) {
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		serveConn(c, hub, tokens)
	}))
}

// serveConn runs one connection: a write pump draining the registry send
// channel plus ping liveness, and a read loop feeding decoded frames into
// the hub. A connection that misses the read deadline is torn down and,
// if it had joined, member:disconnected is fanned out.
func serveConn(c *websocket.Conn, hub *Hub, tokens TokenValidator) {
	registry := hub.Registry()
	conn := registry.Register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-conn.Send:
				if !ok {
					return
				}
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	_ = c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			break
		}
		_ = c.SetReadDeadline(time.Now().Add(readDeadline))
		handleFrame(conn.ID, data, hub, tokens)
	}

	sessionID, joined := registry.SessionID(conn.ID)
	userID, authed := registry.UserID(conn.ID)
	registry.Unregister(conn.ID)
	if joined && authed {
		hub.Disconnected(sessionID, userID)
	}
	_ = c.Close()
	<-done
}

// handleFrame dispatches one inbound frame. Validation errors go back to
// the offending connection only, never into the session fan-out.
func handleFrame(connID string, data []byte, hub *Hub, tokens TokenValidator) {
	registry := hub.Registry()

	frame, err := protocol.Decode(data)
	if err != nil {
		sendError(registry, connID, "bad_frame", err)
		return
	}

	ctx := context.Background()
	switch frame.Type {
	case protocol.TypeAuth:
		userID := frame.UserID
		if tokens != nil {
			userID, err = tokens.ValidateAccessToken(frame.Token)
			if err != nil {
				sendError(registry, connID, "not_authenticated", err)
				return
			}
		}
		if err := registry.Authenticate(connID, userID); err != nil {
			sendError(registry, connID, errCode(err), err)
		}

	case protocol.TypeSessionJoin:
		userID, ok := registry.UserID(connID)
		if !ok {
			sendError(registry, connID, "not_authenticated", ErrNotAuthenticated)
			return
		}
		if err := registry.Join(connID, frame.SessionID); err != nil {
			sendError(registry, connID, errCode(err), err)
			return
		}
		if _, err := hub.Join(ctx, frame.SessionID, userID); err != nil {
			registry.Leave(connID)
			sendError(registry, connID, errCode(err), err)
		}

	case protocol.TypeSessionLocation:
		userID, ok := registry.UserID(connID)
		if !ok {
			sendError(registry, connID, "not_authenticated", ErrNotAuthenticated)
			return
		}
		sessionID, ok := registry.SessionID(connID)
		if !ok {
			sendError(registry, connID, "not_member", ErrNotMember)
			return
		}
		fix := Fix{Lat: frame.Latitude, Lng: frame.Longitude, Accuracy: frame.Accuracy, Heading: frame.Heading}
		if err := hub.UpdateLocation(ctx, sessionID, userID, connID, fix); err != nil {
			sendError(registry, connID, errCode(err), err)
		}
	}
}

func sendError(registry *Registry, connID, code string, err error) {
	registry.Send(connID, protocol.ErrorEvent(code, err.Error()).Marshal())
}

// errCode maps hub errors to wire codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrAlreadyAuthenticated):
		return "already_authenticated"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	default:
		return "internal"
	}
}
