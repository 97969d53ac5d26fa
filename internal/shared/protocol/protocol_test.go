package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeAuth(t *testing.T) {
	f, err := Decode([]byte(`{"type":"auth","token":"tok","user_id":"u1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeAuth || f.Token != "tok" || f.UserID != "u1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeJoinRequiresSession(t *testing.T) {
	_, err := Decode([]byte(`{"type":"session:join"}`))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeLocationBounds(t *testing.T) {
	_, err := Decode([]byte(`{"type":"session:location","latitude":91,"longitude":10}`))
	if !errors.Is(err, ErrInvalidLatLng) {
		t.Fatalf("expected ErrInvalidLatLng, got %v", err)
	}

	f, err := Decode([]byte(`{"type":"session:location","latitude":10,"longitude":10,"accuracy":5,"heading":90}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Accuracy != 5 || f.Heading != 90 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := Decode([]byte(`{`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{Type: TypeMemberLocation, SessionID: "s1", UserID: "u1", Latitude: 1, Longitude: 2}
	var decoded Event
	if err := json.Unmarshal(ev.Marshal(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeMemberLocation || decoded.Latitude != 1 {
		t.Fatalf("unexpected event: %+v", decoded)
	}
}
