package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"github.com/prevotnp/Session-Maps/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Domain errors shared by the store and the live hub.
var (
	ErrNotFound     = errors.New("not found")
	ErrSessionEnded = errors.New("session has ended")
	ErrForbidden    = errors.New("forbidden")
	ErrNotMember    = errors.New("user is not a session member")
)

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type Store struct {
	db db.Querier
}

func NewStore(db db.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSession(ctx context.Context, ownerID, name string) (Session, error) {
	sess := Session{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    name,
		Active:  true,
	}

	// Join codes are short; retry on the rare collision.
	for attempt := 0; attempt < 5; attempt++ {
		sess.JoinCode = newJoinCode()
		row := s.db.QueryRow(ctx, `
			INSERT INTO map_sessions (id, owner_id, name, join_code, active)
			VALUES ($1,$2,$3,$4,true)
			RETURNING created_at
		`, sess.ID, sess.OwnerID, sess.Name, sess.JoinCode)
		err := row.Scan(&sess.CreatedAt)
		if err == nil {
			return sess, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return Session{}, err
	}
	return Session{}, errors.New("could not allocate join code")
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	return s.scanSession(s.db.QueryRow(ctx, `
		SELECT id, owner_id, name, join_code, active,
		       COALESCE(viewport_lat,0), COALESCE(viewport_lng,0), COALESCE(viewport_zoom,0),
		       created_at, COALESCE(ended_at, 'epoch'::timestamptz)
		FROM map_sessions WHERE id=$1
	`, id))
}

func (s *Store) GetSessionByJoinCode(ctx context.Context, code string) (Session, error) {
	return s.scanSession(s.db.QueryRow(ctx, `
		SELECT id, owner_id, name, join_code, active,
		       COALESCE(viewport_lat,0), COALESCE(viewport_lng,0), COALESCE(viewport_zoom,0),
		       created_at, COALESCE(ended_at, 'epoch'::timestamptz)
		FROM map_sessions WHERE join_code=$1
	`, code))
}

func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ms.id, ms.owner_id, ms.name, ms.join_code, ms.active,
		       COALESCE(ms.viewport_lat,0), COALESCE(ms.viewport_lng,0), COALESCE(ms.viewport_zoom,0),
		       ms.created_at, COALESCE(ms.ended_at, 'epoch'::timestamptz)
		FROM map_sessions ms
		JOIN session_members sm ON sm.session_id = ms.id
		WHERE sm.user_id=$1
		ORDER BY ms.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) EndSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE map_sessions SET active=false, ended_at=now()
		WHERE id=$1 AND active
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateViewport(ctx context.Context, id string, lat, lng, zoom float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE map_sessions SET viewport_lat=$2, viewport_lng=$3, viewport_zoom=$4
		WHERE id=$1
	`, id, lat, lng, zoom)
	return err
}

func (s *Store) UpsertMember(ctx context.Context, sessionID, userID, role string) (Member, error) {
	member := Member{SessionID: sessionID, UserID: userID, Role: role}
	row := s.db.QueryRow(ctx, `
		INSERT INTO session_members (session_id, user_id, role, last_active_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (session_id, user_id) DO UPDATE SET last_active_at=now()
		RETURNING role, joined_at
	`, sessionID, userID, role)
	if err := row.Scan(&member.Role, &member.JoinedAt); err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *Store) DeleteMember(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM session_members WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID)
	return err
}

func (s *Store) Members(ctx context.Context, sessionID string) ([]Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, user_id, role,
		       COALESCE(last_lat,0), COALESCE(last_lng,0), COALESCE(last_accuracy,0), COALESCE(last_heading,0),
		       COALESCE(last_active_at, 'epoch'::timestamptz), joined_at
		FROM session_members WHERE session_id=$1
		ORDER BY joined_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.SessionID, &m.UserID, &m.Role, &m.LastLat, &m.LastLng,
			&m.LastAccuracy, &m.LastHeading, &m.LastActiveAt, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) UpdateMemberLocation(ctx context.Context, sessionID, userID string, lat, lng, accuracy, heading float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE session_members
		SET last_lat=$3, last_lng=$4, last_accuracy=$5, last_heading=$6, last_active_at=now()
		WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID, lat, lng, accuracy, heading)
	return err
}

func (s *Store) CreatePOI(ctx context.Context, input POI) (POI, error) {
	input.ID = uuid.NewString()
	row := s.db.QueryRow(ctx, `
		INSERT INTO session_pois (id, session_id, created_by, name, note, lat, lng)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, input.ID, input.SessionID, input.CreatedBy, input.Name, input.Note, input.Lat, input.Lng)
	if err := row.Scan(&input.CreatedAt); err != nil {
		return POI{}, err
	}
	return input, nil
}

func (s *Store) GetPOI(ctx context.Context, id string) (POI, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, session_id, created_by, name, COALESCE(note,''), lat, lng, created_at
		FROM session_pois WHERE id=$1
	`, id)
	var p POI
	if err := row.Scan(&p.ID, &p.SessionID, &p.CreatedBy, &p.Name, &p.Note, &p.Lat, &p.Lng, &p.CreatedAt); err != nil {
		return POI{}, notFoundOr(err)
	}
	return p, nil
}

func (s *Store) DeletePOI(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session_pois WHERE id=$1`, id)
	return err
}

func (s *Store) POIs(ctx context.Context, sessionID string) ([]POI, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, created_by, name, COALESCE(note,''), lat, lng, created_at
		FROM session_pois WHERE session_id=$1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pois []POI
	for rows.Next() {
		var p POI
		if err := rows.Scan(&p.ID, &p.SessionID, &p.CreatedBy, &p.Name, &p.Note, &p.Lat, &p.Lng, &p.CreatedAt); err != nil {
			return nil, err
		}
		pois = append(pois, p)
	}
	return pois, rows.Err()
}

func (s *Store) CreateRoute(ctx context.Context, input Route) (Route, error) {
	input.ID = uuid.NewString()
	points, err := json.Marshal(input.Points)
	if err != nil {
		return Route{}, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO session_routes (id, session_id, created_by, name, points, distance_m)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, input.ID, input.SessionID, input.CreatedBy, input.Name, points, input.DistanceM)
	if err := row.Scan(&input.CreatedAt); err != nil {
		return Route{}, err
	}
	return input, nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (Route, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, session_id, created_by, name, points, COALESCE(distance_m,0), created_at
		FROM session_routes WHERE id=$1
	`, id)
	var r Route
	var points []byte
	if err := row.Scan(&r.ID, &r.SessionID, &r.CreatedBy, &r.Name, &points, &r.DistanceM, &r.CreatedAt); err != nil {
		return Route{}, notFoundOr(err)
	}
	if err := json.Unmarshal(points, &r.Points); err != nil {
		return Route{}, err
	}
	return r, nil
}

func (s *Store) UpdateRoute(ctx context.Context, route Route) error {
	points, err := json.Marshal(route.Points)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE session_routes SET name=$2, points=$3, distance_m=$4
		WHERE id=$1
	`, route.ID, route.Name, points, route.DistanceM)
	return err
}

func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session_routes WHERE id=$1`, id)
	return err
}

func (s *Store) Routes(ctx context.Context, sessionID string) ([]Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, created_by, name, points, COALESCE(distance_m,0), created_at
		FROM session_routes WHERE session_id=$1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		var points []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CreatedBy, &r.Name, &points, &r.DistanceM, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(points, &r.Points); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, input Message) (Message, error) {
	input.ID = uuid.NewString()
	if input.Kind == "" {
		input.Kind = KindUser
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO session_messages (id, session_id, sender_id, body, kind)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, input.ID, input.SessionID, input.SenderID, input.Body, input.Kind)
	if err := row.Scan(&input.CreatedAt); err != nil {
		return Message{}, err
	}
	return input, nil
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, sender_id, body, kind, created_at
		FROM session_messages WHERE session_id=$1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &m.Kind, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) CreatePersonalRoute(ctx context.Context, input PersonalRoute) (PersonalRoute, error) {
	input.ID = uuid.NewString()
	points, err := json.Marshal(input.Points)
	if err != nil {
		return PersonalRoute{}, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO personal_routes (id, user_id, name, points, distance_m)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, input.ID, input.UserID, input.Name, points, input.DistanceM)
	if err := row.Scan(&input.CreatedAt); err != nil {
		return PersonalRoute{}, err
	}
	return input, nil
}

func (s *Store) GetPersonalRoute(ctx context.Context, id string) (PersonalRoute, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, points, COALESCE(distance_m,0), created_at
		FROM personal_routes WHERE id=$1
	`, id)
	var r PersonalRoute
	var points []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &points, &r.DistanceM, &r.CreatedAt); err != nil {
		return PersonalRoute{}, notFoundOr(err)
	}
	if err := json.Unmarshal(points, &r.Points); err != nil {
		return PersonalRoute{}, err
	}
	return r, nil
}

func (s *Store) scanSession(row pgx.Row) (Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Name, &sess.JoinCode, &sess.Active,
		&sess.ViewportLat, &sess.ViewportLng, &sess.ViewportZoom, &sess.CreatedAt, &sess.EndedAt); err != nil {
		return Session{}, notFoundOr(err)
	}
	if sess.EndedAt.Unix() == 0 {
		sess.EndedAt = time.Time{}
	}
	return sess, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func newJoinCode() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf)
}
