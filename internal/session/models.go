package session

import "time"

// Roles a member can hold inside a session.
const (
	RoleOwner       = "owner"
	RoleParticipant = "participant"
)

// Message kinds.
const (
	KindSystem = "system"
	KindUser   = "user"
)

// Point is one vertex of a route polyline.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Session is a shared live map session.
type Session struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	JoinCode     string    `json:"join_code"`
	Active       bool      `json:"active"`
	ViewportLat  float64   `json:"viewport_lat,omitempty"`
	ViewportLng  float64   `json:"viewport_lng,omitempty"`
	ViewportZoom float64   `json:"viewport_zoom,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// Member is one (session, user) membership row.
type Member struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	LastLat      float64   `json:"last_lat,omitempty"`
	LastLng      float64   `json:"last_lng,omitempty"`
	LastAccuracy float64   `json:"last_accuracy,omitempty"`
	LastHeading  float64   `json:"last_heading,omitempty"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// MemberStatus is a member plus the presence-derived signal-lost flag the
// live hub maintains while the session is running.
type MemberStatus struct {
	Member
	SignalLost bool `json:"signal_lost"`
}

// POI is a waypoint dropped on the shared map.
type POI struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedBy string    `json:"created_by"`
	Name      string    `json:"name"`
	Note      string    `json:"note,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	CreatedAt time.Time `json:"created_at"`
}

// Route is a collaboratively drawn or imported polyline.
type Route struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedBy string    `json:"created_by"`
	Name      string    `json:"name"`
	Points    []Point   `json:"points"`
	DistanceM float64   `json:"distance_m"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one chat entry. Append-only, ordered by (created_at, id).
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// PersonalRoute is the standalone route a member's accumulated path is
// archived into when they leave or the session ends.
type PersonalRoute struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Points    []Point   `json:"points"`
	DistanceM float64   `json:"distance_m"`
	CreatedAt time.Time `json:"created_at"`
}
