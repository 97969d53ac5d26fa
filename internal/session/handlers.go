package session

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
)

// LiveHub is the live-session coordinator the REST surface routes
// mutations through. *stream.Hub implements it.
type LiveHub interface {
	Join(ctx context.Context, sessionID, userID string) (Member, error)
	Leave(ctx context.Context, sessionID, userID string) error
	EndSession(ctx context.Context, sessionID, userID string) error
	CreatePOI(ctx context.Context, sessionID, userID string, input POI) (POI, error)
	DeletePOI(ctx context.Context, sessionID, userID, poiID string) error
	CreateRoute(ctx context.Context, sessionID, userID string, input Route) (Route, error)
	UpdateRoute(ctx context.Context, sessionID, userID, routeID, name string, points []Point) (Route, error)
	DeleteRoute(ctx context.Context, sessionID, userID, routeID string) error
	PostMessage(ctx context.Context, sessionID, userID, body string) (Message, error)
	LiveMembers(ctx context.Context, sessionID string) ([]MemberStatus, error)
}

// RegisterRoutes wires the session-store REST surface. Mutations route
// through the hub so every member observes them in one total order; the
// websocket channel only ever carries the resulting events.
func RegisterRoutes(r fiber.Router, store *Store, hub LiveHub, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)

	r.Post("/", func(c *fiber.Ctx) error {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.BodyParser(&body); err != nil || body.Name == "" {
			return fiber.NewError(fiber.StatusBadRequest, "name required")
		}

		userID := localUserID(c)
		sess, err := store.CreateSession(c.Context(), userID, body.Name)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if _, err := hub.Join(c.Context(), sess.ID, userID); err != nil {
			return hubError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	r.Get("/", func(c *fiber.Ctx) error {
		sessions, err := store.SessionsForUser(c.Context(), localUserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(sessions)
	})

	r.Post("/join", func(c *fiber.Ctx) error {
		var body struct {
			JoinCode string `json:"join_code"`
		}
		if err := c.BodyParser(&body); err != nil || body.JoinCode == "" {
			return fiber.NewError(fiber.StatusBadRequest, "join_code required")
		}

		sess, err := store.GetSessionByJoinCode(c.Context(), body.JoinCode)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "session not found")
		}
		member, err := hub.Join(c.Context(), sess.ID, localUserID(c))
		if err != nil {
			return hubError(err)
		}
		return c.JSON(fiber.Map{"session": sess, "member": member})
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		detail, err := sessionDetail(c, store, hub, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(detail)
	})

	r.Post("/:id/leave", func(c *fiber.Ctx) error {
		if err := hub.Leave(c.Context(), c.Params("id"), localUserID(c)); err != nil {
			return hubError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/:id/end", func(c *fiber.Ctx) error {
		if err := hub.EndSession(c.Context(), c.Params("id"), localUserID(c)); err != nil {
			return hubError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Patch("/:id/viewport", func(c *fiber.Ctx) error {
		var body struct {
			Lat  float64 `json:"lat"`
			Lng  float64 `json:"lng"`
			Zoom float64 `json:"zoom"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := store.UpdateViewport(c.Context(), c.Params("id"), body.Lat, body.Lng, body.Zoom); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/:id/invite", func(c *fiber.Ctx) error {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.UserID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "user_id required")
		}
		member, err := hub.Join(c.Context(), c.Params("id"), body.UserID)
		if err != nil {
			return hubError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(member)
	})

	r.Post("/:id/pois", func(c *fiber.Ctx) error {
		var body struct {
			Name string  `json:"name"`
			Note string  `json:"note"`
			Lat  float64 `json:"lat"`
			Lng  float64 `json:"lng"`
		}
		if err := c.BodyParser(&body); err != nil || body.Name == "" {
			return fiber.NewError(fiber.StatusBadRequest, "name required")
		}
		poi, err := hub.CreatePOI(c.Context(), c.Params("id"), localUserID(c), POI{
			Name: body.Name,
			Note: body.Note,
			Lat:  body.Lat,
			Lng:  body.Lng,
		})
		if err != nil {
			return hubError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(poi)
	})

	r.Delete("/:id/pois/:poiID", func(c *fiber.Ctx) error {
		if err := hub.DeletePOI(c.Context(), c.Params("id"), localUserID(c), c.Params("poiID")); err != nil {
			return hubError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/:id/routes", func(c *fiber.Ctx) error {
		var body struct {
			Name            string  `json:"name"`
			Points          []Point `json:"points"`
			PersonalRouteID string  `json:"personal_route_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.Name == "" {
			return fiber.NewError(fiber.StatusBadRequest, "name required")
		}

		points := body.Points
		if body.PersonalRouteID != "" {
			// Importing a previously saved personal route.
			saved, err := store.GetPersonalRoute(c.Context(), body.PersonalRouteID)
			if err != nil {
				return fiber.NewError(fiber.StatusNotFound, "personal route not found")
			}
			points = saved.Points
		}
		if len(points) < 2 {
			return fiber.NewError(fiber.StatusBadRequest, "at least two points required")
		}

		route, err := hub.CreateRoute(c.Context(), c.Params("id"), localUserID(c), Route{
			Name:   body.Name,
			Points: points,
		})
		if err != nil {
			return hubError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(route)
	})

	r.Put("/:id/routes/:routeID", func(c *fiber.Ctx) error {
		var body struct {
			Name   string  `json:"name"`
			Points []Point `json:"points"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(body.Points) < 2 {
			return fiber.NewError(fiber.StatusBadRequest, "at least two points required")
		}
		route, err := hub.UpdateRoute(c.Context(), c.Params("id"), localUserID(c), c.Params("routeID"), body.Name, body.Points)
		if err != nil {
			return hubError(err)
		}
		return c.JSON(route)
	})

	r.Delete("/:id/routes/:routeID", func(c *fiber.Ctx) error {
		if err := hub.DeleteRoute(c.Context(), c.Params("id"), localUserID(c), c.Params("routeID")); err != nil {
			return hubError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/:id/messages", func(c *fiber.Ctx) error {
		messages, err := store.Messages(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(messages)
	})

	r.Post("/:id/messages", func(c *fiber.Ctx) error {
		var body struct {
			Body string `json:"body"`
		}
		if err := c.BodyParser(&body); err != nil || body.Body == "" {
			return fiber.NewError(fiber.StatusBadRequest, "body required")
		}
		msg, err := hub.PostMessage(c.Context(), c.Params("id"), localUserID(c), body.Body)
		if err != nil {
			return hubError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(msg)
	})
}

// sessionDetail composes the durable record with the hub's live view.
// Ended sessions remain readable as an archive.
func sessionDetail(c *fiber.Ctx, store *Store, hub LiveHub, id string) (fiber.Map, error) {
	sess, err := store.GetSession(c.Context(), id)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "session not found")
	}

	var members any
	if sess.Active {
		live, err := hub.LiveMembers(c.Context(), id)
		if err != nil {
			return nil, hubError(err)
		}
		members = live
	} else {
		members, err = store.Members(c.Context(), id)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	pois, err := store.POIs(c.Context(), id)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	routes, err := store.Routes(c.Context(), id)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	messages, err := store.Messages(c.Context(), id)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return fiber.Map{
		"session":  sess,
		"members":  members,
		"pois":     pois,
		"routes":   routes,
		"messages": messages,
	}, nil
}

// hubError maps hub errors onto HTTP statuses.
func hubError(err error) error {
	switch {
	case errors.Is(err, ErrSessionEnded):
		return fiber.NewError(fiber.StatusConflict, "session has ended")
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, "forbidden")
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "not found")
	case errors.Is(err, ErrNotMember):
		return fiber.NewError(fiber.StatusForbidden, "not a session member")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

func localUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}
