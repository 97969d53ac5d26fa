package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> server frame types.
const (
	TypeAuth            = "auth"
	TypeSessionJoin     = "session:join"
	TypeSessionLocation = "session:location"
)

// Server -> client event types.
const (
	TypeMemberJoined       = "member:joined"
	TypeMemberLeft         = "member:left"
	TypeMemberDisconnected = "member:disconnected"
	TypeMemberLocation     = "member:locationUpdate"
	TypePOICreated         = "poi:created"
	TypePOIDeleted         = "poi:deleted"
	TypeRouteCreated       = "route:created"
	TypeRouteUpdated       = "route:updated"
	TypeRouteDeleted       = "route:deleted"
	TypeMessageNew         = "message:new"
	TypeSessionEnded       = "session:ended"
	TypeError              = "error"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidLatLng  = errors.New("latitude/longitude out of range")
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is a client -> server message. All inbound frames share one flat
// shape discriminated by Type.
type Frame struct {
	Type      string  `json:"type"`
	UserID    string  `json:"user_id,omitempty"`
	Token     string  `json:"token,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
}

// Event is a server -> client message. Entity events carry the full entity
// in Payload; location updates use the flat lat/lng fields.
type Event struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Payload   any     `json:"payload,omitempty"`
	Code      string  `json:"code,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Decode parses and validates an inbound frame.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the discriminator and per-type required fields.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeAuth:
		if f.UserID == "" && f.Token == "" {
			return fmt.Errorf("%w: auth requires user_id or token", ErrMissingField)
		}
	case TypeSessionJoin:
		if f.SessionID == "" {
			return fmt.Errorf("%w: session:join requires session_id", ErrMissingField)
		}
	case TypeSessionLocation:
		if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
			return ErrInvalidLatLng
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// Marshal encodes an event for the wire. Errors are impossible for the
// payload types the hub emits, so the result is returned directly.
func (e Event) Marshal() []byte {
	data, _ := json.Marshal(e)
	return data
}

// ErrorEvent builds the error frame reported back to an offending connection.
func ErrorEvent(code, message string) Event {
	return Event{Type: TypeError, Code: code, Message: message}
}
