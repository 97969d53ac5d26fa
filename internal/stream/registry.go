package stream

import (
	"sync"

	"github.com/google/uuid"
)

const sendBuffer = 64

// Conn is one registered websocket connection. The transport handler owns
// the read side; the registry delivers outbound payloads on Send.
type Conn struct {
	ID   string
	Send chan []byte

	userID    string
	sessionID string
	closed    bool
}

// Registry tracks live connections, their authenticated identity and the
// session each has joined. Fan-out to a session and lookup by connection
// are both O(1). Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	sessions map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    map[string]*Conn{},
		sessions: map[string]map[string]*Conn{},
	}
}

func (r *Registry) Register() *Conn {
	conn := &Conn{
		ID:   uuid.NewString(),
		Send: make(chan []byte, sendBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	return conn
}

// Authenticate binds an identity to the connection. Rebinding to a
// different identity is refused; re-sending the same identity is a no-op.
func (r *Registry) Authenticate(connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	if conn.userID != "" && conn.userID != userID {
		return ErrAlreadyAuthenticated
	}
	conn.userID = userID
	return nil
}

// Join adds the connection to a session's fan-out set. A connection joins
// one session at a time; joining another leaves the previous one.
func (r *Registry) Join(connID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	if conn.userID == "" {
		return ErrNotAuthenticated
	}

	if conn.sessionID != "" {
		r.removeFromSession(conn)
	}
	conn.sessionID = sessionID
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = map[string]*Conn{}
	}
	r.sessions[sessionID][connID] = conn
	return nil
}

// Leave removes the connection from its session fan-out set. Idempotent.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		r.removeFromSession(conn)
	}
}

// Unregister removes the connection entirely and closes its send channel.
// Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	r.removeFromSession(conn)
	delete(r.conns, connID)
	if !conn.closed {
		conn.closed = true
		close(conn.Send)
	}
}

// Broadcast delivers payload to every connection joined to the session,
// skipping exceptConnID when non-empty. Sends never block: a stalled
// consumer's frame is dropped rather than stalling the session. Sends
// happen under the read lock; Unregister closes Send only under the write
// lock, so a send can never hit a closed channel.
func (r *Registry) Broadcast(sessionID string, payload []byte, exceptConnID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, conn := range r.sessions[sessionID] {
		if id == exceptConnID {
			continue
		}
		select {
		case conn.Send <- payload:
		default:
		}
	}
}

// Send delivers payload to a single connection, non-blocking. Used for
// per-connection error replies that must not enter the session fan-out.
func (r *Registry) Send(connID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	select {
	case conn.Send <- payload:
	default:
	}
}

// EvictUser drops every connection the user has joined to the session from
// its fan-out set, so an ex-member stops receiving session events. The
// connections themselves stay registered.
func (r *Registry) EvictUser(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.sessions[sessionID] {
		if conn.userID == userID {
			r.removeFromSession(conn)
		}
	}
}

// UserID reports the identity bound to a connection.
func (r *Registry) UserID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok || conn.userID == "" {
		return "", false
	}
	return conn.userID, true
}

// SessionID reports the session a connection has joined.
func (r *Registry) SessionID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok || conn.sessionID == "" {
		return "", false
	}
	return conn.sessionID, true
}

// ConnCount reports how many connections have joined the session.
func (r *Registry) ConnCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

func (r *Registry) removeFromSession(conn *Conn) {
	if conn.sessionID == "" {
		return
	}
	if set, ok := r.sessions[conn.sessionID]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(r.sessions, conn.sessionID)
		}
	}
	conn.sessionID = ""
}
