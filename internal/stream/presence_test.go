package stream

import (
	"testing"
	"time"
)

func TestPresenceSignalLost(t *testing.T) {
	p := newPresenceTracker()
	start := time.Now()

	p.Touch("u1", Fix{Lat: 47, Lng: 8}, start)
	p.Touch("u2", Fix{Lat: 46, Lng: 7}, start)

	if lost := p.Sweep(start.Add(signalLostAfter / 2)); len(lost) != 0 {
		t.Fatalf("nobody should be lost yet, got %v", lost)
	}

	p.Touch("u2", Fix{Lat: 46.1, Lng: 7}, start.Add(signalLostAfter))

	lost := p.Sweep(start.Add(signalLostAfter + time.Second))
	if len(lost) != 1 || lost[0] != "u1" {
		t.Fatalf("expected u1 newly lost, got %v", lost)
	}
	if !p.SignalLost("u1") || p.SignalLost("u2") {
		t.Fatalf("unexpected lost flags")
	}

	// Already lost members are not reported again.
	if lost := p.Sweep(start.Add(signalLostAfter + 2*time.Second)); len(lost) != 0 {
		t.Fatalf("u1 reported lost twice: %v", lost)
	}

	// Any fresh sample clears the flag.
	p.Touch("u1", Fix{Lat: 47.1, Lng: 8}, start.Add(signalLostAfter+3*time.Second))
	if p.SignalLost("u1") {
		t.Fatalf("touch must clear the lost flag")
	}
}

func TestPresenceLastValueWins(t *testing.T) {
	p := newPresenceTracker()
	now := time.Now()

	p.Touch("u1", Fix{Lat: 1, Lng: 1}, now)
	p.Touch("u1", Fix{Lat: 2, Lng: 2}, now.Add(time.Second))

	fix, at, ok := p.Last("u1")
	if !ok || fix.Lat != 2 || !at.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected last sample %+v at %v", fix, at)
	}

	p.Forget("u1")
	if _, _, ok := p.Last("u1"); ok {
		t.Fatalf("forgotten member still tracked")
	}
}
