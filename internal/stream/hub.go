package stream

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prevotnp/Session-Maps/internal/session"
	"github.com/prevotnp/Session-Maps/internal/shared/geo"
	"github.com/prevotnp/Session-Maps/internal/shared/protocol"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store is the persistence surface the hub drives. *session.Store
// implements it; hub tests substitute an in-memory fake.
type Store interface {
	GetSession(ctx context.Context, id string) (session.Session, error)
	EndSession(ctx context.Context, id string) error
	UpsertMember(ctx context.Context, sessionID, userID, role string) (session.Member, error)
	DeleteMember(ctx context.Context, sessionID, userID string) error
	Members(ctx context.Context, sessionID string) ([]session.Member, error)
	UpdateMemberLocation(ctx context.Context, sessionID, userID string, lat, lng, accuracy, heading float64) error
	CreatePOI(ctx context.Context, input session.POI) (session.POI, error)
	GetPOI(ctx context.Context, id string) (session.POI, error)
	DeletePOI(ctx context.Context, id string) error
	CreateRoute(ctx context.Context, input session.Route) (session.Route, error)
	GetRoute(ctx context.Context, id string) (session.Route, error)
	UpdateRoute(ctx context.Context, route session.Route) error
	DeleteRoute(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, input session.Message) (session.Message, error)
	CreatePersonalRoute(ctx context.Context, input session.PersonalRoute) (session.PersonalRoute, error)
}

// Session lifecycle states.
const (
	stateActive = iota
	stateEnding
	stateEnded
)

// Snapshot is the hub's read-only view of one live session.
type Snapshot struct {
	SessionID string                 `json:"session_id"`
	Active    bool                   `json:"active"`
	Members   []session.MemberStatus `json:"members"`
}

// Hub owns one sessionHub per live session and routes operations to it.
// Each sessionHub serializes its session's mutations through a single
// goroutine, which is what makes last-write-wins well defined.
type Hub struct {
	registry *Registry
	store    Store
	redis    *redis.Client
	nodeID   string

	mu       sync.Mutex
	sessions map[string]*sessionHub
}

func NewHub(registry *Registry, store Store, redisClient *redis.Client) *Hub {
	h := &Hub{
		registry: registry,
		store:    store,
		redis:    redisClient,
		nodeID:   uuid.NewString(),
		sessions: map[string]*sessionHub{},
	}
	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Join creates or reactivates the membership and fans out member:joined.
// Idempotent: re-joining is tolerated and simply rebroadcast.
func (h *Hub) Join(ctx context.Context, sessionID, userID string) (session.Member, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return session.Member{}, err
	}

	var member session.Member
	err = sh.do(ctx, func() error {
		if sh.state != stateActive {
			return ErrSessionEnded
		}
		_, rejoin := sh.members[userID]

		role := session.RoleParticipant
		if userID == sh.ownerID {
			role = session.RoleOwner
		}
		m, err := h.store.UpsertMember(ctx, sessionID, userID, role)
		if err != nil {
			return err
		}
		sh.members[userID] = m
		member = m

		sh.broadcast(protocol.Event{
			Type:      protocol.TypeMemberJoined,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   m,
		}, "")
		if !rejoin {
			sh.postSystemMessage(ctx, userID+" joined the session")
		}
		return nil
	})
	return member, err
}

// Leave flushes the member's path, removes the membership and fans out
// member:left. An owner leaving ends the session for everyone.
func (h *Hub) Leave(ctx context.Context, sessionID, userID string) error {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sh.do(ctx, func() error {
		if sh.state != stateActive {
			return ErrSessionEnded
		}
		if _, ok := sh.members[userID]; !ok {
			return ErrNotMember
		}
		if userID == sh.ownerID {
			return sh.end(ctx)
		}

		sh.flushPath(ctx, userID)
		if err := h.store.DeleteMember(ctx, sessionID, userID); err != nil {
			return err
		}
		delete(sh.members, userID)
		sh.presence.Forget(userID)

		sh.broadcast(protocol.Event{
			Type:      protocol.TypeMemberLeft,
			SessionID: sessionID,
			UserID:    userID,
		}, "")
		sh.postSystemMessage(ctx, userID+" left the session")
		// The farewell above is still buffered for the leaver; anything
		// after this point no longer reaches an ex-member's connections.
		h.registry.EvictUser(sessionID, userID)
		return nil
	})
}

// UpdateLocation records a fix. Presence always observes it (last-value);
// the fix is persisted and fanned out only when it clears the displacement
// filter, so sub-threshold jitter produces no traffic. The sender's own
// connection is excluded from the fan-out.
func (h *Hub) UpdateLocation(ctx context.Context, sessionID, userID, exceptConnID string, fix Fix) error {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sh.do(ctx, func() error {
		if sh.state != stateActive {
			return ErrSessionEnded
		}
		if _, ok := sh.members[userID]; !ok {
			return ErrNotMember
		}

		sh.presence.Touch(userID, fix, time.Now())
		if !sh.paths.Append(userID, fix.Lat, fix.Lng) {
			return nil
		}

		if err := h.store.UpdateMemberLocation(ctx, sessionID, userID, fix.Lat, fix.Lng, fix.Accuracy, fix.Heading); err != nil {
			return err
		}
		m := sh.members[userID]
		m.LastLat, m.LastLng = fix.Lat, fix.Lng
		m.LastAccuracy, m.LastHeading = fix.Accuracy, fix.Heading
		m.LastActiveAt = time.Now()
		sh.members[userID] = m

		sh.broadcast(protocol.Event{
			Type:      protocol.TypeMemberLocation,
			SessionID: sessionID,
			UserID:    userID,
			Latitude:  fix.Lat,
			Longitude: fix.Lng,
		}, exceptConnID)
		return nil
	})
}

// CreatePOI persists a waypoint and fans out poi:created to all members,
// the actor included, so every client converges through the same path.
func (h *Hub) CreatePOI(ctx context.Context, sessionID, userID string, input session.POI) (session.POI, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return session.POI{}, err
	}

	var created session.POI
	err = sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		input.SessionID = sessionID
		input.CreatedBy = userID
		poi, err := h.store.CreatePOI(ctx, input)
		if err != nil {
			return err
		}
		created = poi
		sh.broadcast(protocol.Event{
			Type:      protocol.TypePOICreated,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   poi,
		}, "")
		return nil
	})
	return created, err
}

// DeletePOI removes a waypoint. Permitted to its creator or the owner.
func (h *Hub) DeletePOI(ctx context.Context, sessionID, userID, poiID string) error {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		poi, err := h.store.GetPOI(ctx, poiID)
		if err != nil {
			return notFoundErr(err)
		}
		if poi.SessionID != sessionID {
			return ErrNotFound
		}
		if err := sh.requireCreatorOrOwner(userID, poi.CreatedBy); err != nil {
			return err
		}
		if err := h.store.DeletePOI(ctx, poiID); err != nil {
			return err
		}
		sh.broadcast(protocol.Event{
			Type:      protocol.TypePOIDeleted,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   poi,
		}, "")
		return nil
	})
}

// CreateRoute persists a drawn or imported route. Distance is recomputed
// server-side from the point sequence.
func (h *Hub) CreateRoute(ctx context.Context, sessionID, userID string, input session.Route) (session.Route, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return session.Route{}, err
	}

	var created session.Route
	err = sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		input.SessionID = sessionID
		input.CreatedBy = userID
		input.DistanceM = routeDistanceM(input.Points)
		route, err := h.store.CreateRoute(ctx, input)
		if err != nil {
			return err
		}
		created = route
		sh.broadcast(protocol.Event{
			Type:      protocol.TypeRouteCreated,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   route,
		}, "")
		return nil
	})
	return created, err
}

// UpdateRoute replaces a route's name and point sequence wholesale. Edits
// are whole-entity replacements; the actor's serialization makes the last
// processed write win.
func (h *Hub) UpdateRoute(ctx context.Context, sessionID, userID, routeID, name string, points []session.Point) (session.Route, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return session.Route{}, err
	}

	var updated session.Route
	err = sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		route, err := h.store.GetRoute(ctx, routeID)
		if err != nil {
			return notFoundErr(err)
		}
		if route.SessionID != sessionID {
			return ErrNotFound
		}
		if err := sh.requireCreatorOrOwner(userID, route.CreatedBy); err != nil {
			return err
		}

		if name != "" {
			route.Name = name
		}
		route.Points = points
		route.DistanceM = routeDistanceM(points)
		if err := h.store.UpdateRoute(ctx, route); err != nil {
			return err
		}
		updated = route
		sh.broadcast(protocol.Event{
			Type:      protocol.TypeRouteUpdated,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   route,
		}, "")
		return nil
	})
	return updated, err
}

// DeleteRoute removes a route. Permitted to its creator or the owner.
func (h *Hub) DeleteRoute(ctx context.Context, sessionID, userID, routeID string) error {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		route, err := h.store.GetRoute(ctx, routeID)
		if err != nil {
			return notFoundErr(err)
		}
		if route.SessionID != sessionID {
			return ErrNotFound
		}
		if err := sh.requireCreatorOrOwner(userID, route.CreatedBy); err != nil {
			return err
		}
		if err := h.store.DeleteRoute(ctx, routeID); err != nil {
			return err
		}
		sh.broadcast(protocol.Event{
			Type:      protocol.TypeRouteDeleted,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   route,
		}, "")
		return nil
	})
}

// PostMessage appends a chat message and fans out message:new.
func (h *Hub) PostMessage(ctx context.Context, sessionID, userID, body string) (session.Message, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return session.Message{}, err
	}

	var created session.Message
	err = sh.do(ctx, func() error {
		if err := sh.requireMember(userID); err != nil {
			return err
		}
		msg, err := h.store.CreateMessage(ctx, session.Message{
			SessionID: sessionID,
			SenderID:  userID,
			Body:      body,
			Kind:      session.KindUser,
		})
		if err != nil {
			return err
		}
		created = msg
		sh.broadcast(protocol.Event{
			Type:      protocol.TypeMessageNew,
			SessionID: sessionID,
			UserID:    userID,
			Payload:   msg,
		}, "")
		return nil
	})
	return created, err
}

// EndSession archives paths, marks the session inactive and fans out
// session:ended. Owner-only.
func (h *Hub) EndSession(ctx context.Context, sessionID, userID string) error {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sh.do(ctx, func() error {
		if sh.state != stateActive {
			return ErrSessionEnded
		}
		if userID != sh.ownerID {
			return ErrForbidden
		}
		return sh.end(ctx)
	})
}

// Disconnected fans out member:disconnected when a connection dies without
// an explicit leave. The membership row is kept; reconnecting re-joins
// idempotently.
func (h *Hub) Disconnected(sessionID, userID string) {
	h.mu.Lock()
	sh, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = sh.do(context.Background(), func() error {
		sh.broadcast(protocol.Event{
			Type:      protocol.TypeMemberDisconnected,
			SessionID: sessionID,
			UserID:    userID,
		}, "")
		return nil
	})
}

// Snapshot returns the hub's live view of a session.
func (h *Hub) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	err = sh.do(ctx, func() error {
		snap = Snapshot{SessionID: sessionID, Active: sh.state == stateActive}
		for _, m := range sh.members {
			// Presence is last-value: it also holds fixes the displacement
			// filter kept out of the persisted row.
			if fix, at, ok := sh.presence.Last(m.UserID); ok {
				m.LastLat, m.LastLng = fix.Lat, fix.Lng
				m.LastAccuracy, m.LastHeading = fix.Accuracy, fix.Heading
				m.LastActiveAt = at
			}
			snap.Members = append(snap.Members, session.MemberStatus{
				Member:     m,
				SignalLost: sh.presence.SignalLost(m.UserID),
			})
		}
		return nil
	})
	return snap, err
}

// LiveMembers is the Snapshot member list on its own; the session REST
// surface consumes it through the session.LiveHub interface.
func (h *Hub) LiveMembers(ctx context.Context, sessionID string) ([]session.MemberStatus, error) {
	snap, err := h.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Members, nil
}

// PathLen reports a member's accumulated path length.
func (h *Hub) PathLen(ctx context.Context, sessionID, userID string) (int, error) {
	sh, err := h.get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var n int
	err = sh.do(ctx, func() error {
		n = sh.paths.Len(userID)
		return nil
	})
	return n, err
}

// Shutdown stops all session actors. Pending operations are answered.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sh := range h.sessions {
		sh.stop()
		delete(h.sessions, id)
	}
}

// get returns the live actor for a session, starting one on first use.
func (h *Hub) get(ctx context.Context, sessionID string) (*sessionHub, error) {
	h.mu.Lock()
	if sh, ok := h.sessions[sessionID]; ok {
		h.mu.Unlock()
		return sh, nil
	}
	h.mu.Unlock()

	// Load outside the lock; persistence is the slow part.
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if !sess.Active {
		return nil, ErrSessionEnded
	}
	members, err := h.store.Members(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sh, ok := h.sessions[sessionID]; ok {
		return sh, nil
	}

	sh := &sessionHub{
		id:       sessionID,
		name:     sess.Name,
		ownerID:  sess.OwnerID,
		hub:      h,
		state:    stateActive,
		members:  map[string]session.Member{},
		presence: newPresenceTracker(),
		paths:    newPathAggregator(),
		ops:      make(chan func(), 256),
		quit:     make(chan struct{}),
	}
	for _, m := range members {
		sh.members[m.UserID] = m
	}
	h.sessions[sessionID] = sh
	go sh.run()
	go sh.sweepLoop()
	return sh, nil
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sh, ok := h.sessions[sessionID]; ok {
		sh.stop()
		delete(h.sessions, sessionID)
	}
}

// sessionHub is the per-session actor. State below ops is owned by the run
// goroutine; operations enter through do().
type sessionHub struct {
	id      string
	name    string
	ownerID string
	hub     *Hub

	state    int
	members  map[string]session.Member
	presence *presenceTracker
	paths    *pathAggregator

	ops      chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

func (sh *sessionHub) run() {
	for {
		select {
		case fn := <-sh.ops:
			fn()
		case <-sh.quit:
			// Answer anything already queued before exiting.
			for {
				select {
				case fn := <-sh.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (sh *sessionHub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case sh.ops <- func() { sh.presence.Sweep(time.Now()) }:
			default:
			}
		case <-sh.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for its result.
func (sh *sessionHub) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case sh.ops <- func() { errCh <- fn() }:
	case <-sh.quit:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *sessionHub) stop() {
	sh.stopOnce.Do(func() { close(sh.quit) })
}

// end drives Active -> Ending -> Ended: mark the session inactive, archive
// every remaining member's path, then announce. A failed EndSession aborts
// the transition and goes back to the owner, who can retry; session:ended
// is broadcast only once the row is durably inactive. Archival failures
// past that point are logged and skipped, since a lost track must not make
// the session unendable.
func (sh *sessionHub) end(ctx context.Context) error {
	sh.state = stateEnding

	if err := sh.hub.store.EndSession(ctx, sh.id); err != nil {
		sh.state = stateActive
		return err
	}

	for _, userID := range sh.paths.UserIDs() {
		sh.flushPath(ctx, userID)
	}

	sh.broadcast(protocol.Event{
		Type:      protocol.TypeSessionEnded,
		SessionID: sh.id,
	}, "")

	sh.state = stateEnded
	// Detach asynchronously; remove() takes the hub lock and stops this actor.
	go sh.hub.remove(sh.id)
	return nil
}

// flushPath archives one member's accumulated path as a personal route.
// Best effort, at most once per member per session.
func (sh *sessionHub) flushPath(ctx context.Context, userID string) {
	points, meters := sh.paths.Flush(userID)
	if len(points) < 2 {
		return
	}
	_, err := sh.hub.store.CreatePersonalRoute(ctx, session.PersonalRoute{
		UserID:    userID,
		Name:      sh.name + " track",
		Points:    points,
		DistanceM: meters,
	})
	if err != nil {
		log.Printf("flush path for %s in session %s: %v", userID, sh.id, err)
	}
}

func (sh *sessionHub) postSystemMessage(ctx context.Context, body string) {
	msg, err := sh.hub.store.CreateMessage(ctx, session.Message{
		SessionID: sh.id,
		SenderID:  sh.ownerID,
		Body:      body,
		Kind:      session.KindSystem,
	})
	if err != nil {
		log.Printf("system message in session %s: %v", sh.id, err)
		return
	}
	sh.broadcast(protocol.Event{
		Type:      protocol.TypeMessageNew,
		SessionID: sh.id,
		Payload:   msg,
	}, "")
}

func (sh *sessionHub) requireMember(userID string) error {
	if sh.state != stateActive {
		return ErrSessionEnded
	}
	if _, ok := sh.members[userID]; !ok {
		return ErrNotMember
	}
	return nil
}

func (sh *sessionHub) requireCreatorOrOwner(userID, createdBy string) error {
	if userID != createdBy && userID != sh.ownerID {
		return ErrForbidden
	}
	return nil
}

func (sh *sessionHub) broadcast(ev protocol.Event, exceptConnID string) {
	payload := ev.Marshal()
	sh.hub.registry.Broadcast(sh.id, payload, exceptConnID)
	sh.hub.publish(sh.id, payload)
}

// publish mirrors an event to Redis so peer nodes can deliver it to their
// own connections. Payloads carry the node id so the publisher skips its
// own echo.
func (h *Hub) publish(sessionID string, payload []byte) {
	if h.redis == nil {
		return
	}
	body := h.nodeID + "|" + string(payload)
	if err := h.redis.Publish(context.Background(), eventChannel(sessionID), body).Err(); err != nil {
		log.Printf("redis publish error: %v", err)
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "session:*:events")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		nodeID, payload, ok := strings.Cut(msg.Payload, "|")
		if !ok || nodeID == h.nodeID {
			continue
		}
		h.registry.Broadcast(sessionIDFromChannel(msg.Channel), []byte(payload), "")
	}
}

func eventChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

func sessionIDFromChannel(ch string) string {
	// session:{id}:events
	const prefix = "session:"
	const suffix = ":events"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}

func routeDistanceM(points []session.Point) float64 {
	var meters float64
	for i := 1; i < len(points); i++ {
		meters += geo.HaversineM(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng)
	}
	return meters
}

func notFoundErr(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
