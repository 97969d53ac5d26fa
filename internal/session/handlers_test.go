package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pashagolub/pgxmock/v3"
)

// fakeHub records calls and returns a configured error, standing in for the
// live stream hub.
type fakeHub struct {
	mu         sync.Mutex
	err        error
	joins      []string
	routeInput Route
	members    []MemberStatus
}

func (h *fakeHub) Join(_ context.Context, sessionID, userID string) (Member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return Member{}, h.err
	}
	h.joins = append(h.joins, sessionID+"/"+userID)
	return Member{SessionID: sessionID, UserID: userID, Role: RoleParticipant, JoinedAt: time.Now()}, nil
}

func (h *fakeHub) Leave(_ context.Context, _, _ string) error      { return h.err }
func (h *fakeHub) EndSession(_ context.Context, _, _ string) error { return h.err }

func (h *fakeHub) CreatePOI(_ context.Context, sessionID, userID string, input POI) (POI, error) {
	if h.err != nil {
		return POI{}, h.err
	}
	input.ID = "poi-1"
	input.SessionID = sessionID
	input.CreatedBy = userID
	return input, nil
}

func (h *fakeHub) DeletePOI(_ context.Context, _, _, _ string) error { return h.err }

func (h *fakeHub) CreateRoute(_ context.Context, sessionID, userID string, input Route) (Route, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return Route{}, h.err
	}
	h.routeInput = input
	input.ID = "route-1"
	input.SessionID = sessionID
	input.CreatedBy = userID
	return input, nil
}

func (h *fakeHub) UpdateRoute(_ context.Context, sessionID, _, routeID, name string, points []Point) (Route, error) {
	if h.err != nil {
		return Route{}, h.err
	}
	return Route{ID: routeID, SessionID: sessionID, Name: name, Points: points}, nil
}

func (h *fakeHub) DeleteRoute(_ context.Context, _, _, _ string) error { return h.err }

func (h *fakeHub) PostMessage(_ context.Context, sessionID, userID, body string) (Message, error) {
	if h.err != nil {
		return Message{}, h.err
	}
	return Message{ID: "msg-1", SessionID: sessionID, SenderID: userID, Body: body, Kind: KindUser}, nil
}

func (h *fakeHub) LiveMembers(_ context.Context, _ string) ([]MemberStatus, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.members, nil
}

func (h *fakeHub) joinCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.joins)
}

func asUser(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		return c.Next()
	}
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return resp
}

func TestSessionHandlersCreateAndJoin(t *testing.T) {
	mock := newMock(t)
	hub := &fakeHub{}

	app := fiber.New()
	RegisterRoutes(app.Group("/sessions"), NewStore(mock), hub, asUser("user-1"))

	mock.ExpectQuery(`INSERT INTO map_sessions`).
		WithArgs(pgxmock.AnyArg(), "user-1", "Ridge walk", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	resp := postJSON(t, app, "/sessions/", map[string]string{"name": "Ridge walk"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var created Session
	_ = json.NewDecoder(resp.Body).Decode(&created)
	if created.JoinCode == "" || !created.Active {
		t.Fatalf("unexpected session %+v", created)
	}

	mock.ExpectQuery(`SELECT id, owner_id, name, join_code, active,`).
		WithArgs(created.JoinCode).
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner_id", "name", "join_code", "active", "viewport_lat", "viewport_lng", "viewport_zoom", "created_at", "ended_at"}).
			AddRow(created.ID, "user-1", "Ridge walk", created.JoinCode, true, 0.0, 0.0, 0.0, time.Now(), time.Unix(0, 0)))

	resp = postJSON(t, app, "/sessions/join", map[string]string{"join_code": created.JoinCode})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status %d", resp.StatusCode)
	}

	if hub.joinCount() != 2 {
		t.Fatalf("expected creator and joiner to pass through the hub, got %d joins", hub.joinCount())
	}
}

func TestSessionHandlersBadRequests(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app.Group("/sessions"), NewStore(nil), &fakeHub{}, asUser("user-1"))

	if resp := postJSON(t, app, "/sessions/", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing name, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, app, "/sessions/join", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing join code, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, app, "/sessions/sess-1/routes", map[string]any{
		"name":   "Too short",
		"points": []Point{{Lat: 1, Lng: 1}},
	}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for single-point route, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, app, "/sessions/sess-1/messages", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty message, got %d", resp.StatusCode)
	}
}

func TestSessionHandlersDetailLiveMembers(t *testing.T) {
	mock := newMock(t)
	hub := &fakeHub{members: []MemberStatus{
		{Member: Member{SessionID: "sess-1", UserID: "user-1", Role: RoleOwner}, SignalLost: false},
		{Member: Member{SessionID: "sess-1", UserID: "user-2", Role: RoleParticipant}, SignalLost: true},
	}}

	app := fiber.New()
	RegisterRoutes(app.Group("/sessions"), NewStore(mock), hub, asUser("user-1"))

	mock.ExpectQuery(`SELECT id, owner_id, name, join_code, active,`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner_id", "name", "join_code", "active", "viewport_lat", "viewport_lng", "viewport_zoom", "created_at", "ended_at"}).
			AddRow("sess-1", "user-1", "Ridge walk", "ABC234", true, 0.0, 0.0, 0.0, time.Now(), time.Unix(0, 0)))
	mock.ExpectQuery(`SELECT id, session_id, created_by, name, COALESCE\(note,''\), lat, lng, created_at`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "created_by", "name", "note", "lat", "lng", "created_at"}))
	mock.ExpectQuery(`SELECT id, session_id, created_by, name, points,`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "created_by", "name", "points", "distance_m", "created_at"}))
	mock.ExpectQuery(`SELECT id, session_id, sender_id, body, kind, created_at`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "sender_id", "body", "kind", "created_at"}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status: %v %d", err, resp.StatusCode)
	}

	var detail struct {
		Members []MemberStatus `json:"members"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&detail)
	if len(detail.Members) != 2 || !detail.Members[1].SignalLost {
		t.Fatalf("expected live member view, got %+v", detail.Members)
	}
}

func TestSessionHandlersHubErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		path string
		want int
	}{
		{ErrForbidden, "/sessions/sess-1/end", http.StatusForbidden},
		{ErrSessionEnded, "/sessions/sess-1/leave", http.StatusConflict},
		{ErrNotMember, "/sessions/sess-1/messages", http.StatusForbidden},
	}

	for _, tc := range cases {
		app := fiber.New()
		RegisterRoutes(app.Group("/sessions"), NewStore(nil), &fakeHub{err: tc.err}, asUser("user-2"))

		resp := postJSON(t, app, tc.path, map[string]string{"body": "hi"})
		if resp.StatusCode != tc.want {
			t.Fatalf("%s with %v: expected %d, got %d", tc.path, tc.err, tc.want, resp.StatusCode)
		}
	}
}

func TestSessionHandlersRouteImport(t *testing.T) {
	mock := newMock(t)
	hub := &fakeHub{}

	app := fiber.New()
	RegisterRoutes(app.Group("/sessions"), NewStore(mock), hub, asUser("user-1"))

	mock.ExpectQuery(`SELECT id, user_id, name, points,`).
		WithArgs("pr-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "name", "points", "distance_m", "created_at"}).
			AddRow("pr-1", "user-1", "Old track", []byte(`[{"lat":47,"lng":8},{"lat":47.01,"lng":8}]`), 1100.0, time.Now()))

	resp := postJSON(t, app, "/sessions/sess-1/routes", map[string]string{
		"name":              "Imported",
		"personal_route_id": "pr-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d", resp.StatusCode)
	}

	hub.mu.Lock()
	input := hub.routeInput
	hub.mu.Unlock()
	if len(input.Points) != 2 || input.Points[0].Lat != 47 {
		t.Fatalf("imported points not forwarded to hub: %+v", input.Points)
	}
}
