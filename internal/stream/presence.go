package stream

import "time"

const (
	// signalLostAfter is how long a member may stay silent before being
	// flagged signal-lost.
	signalLostAfter = 120 * time.Second
	// sweepInterval is how often the hub re-derives signal-lost flags.
	sweepInterval = 15 * time.Second
)

// Fix is one reported GPS sample.
type Fix struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
	Heading  float64 `json:"heading"`
}

// PresenceInfo is the derived per-member presence view.
type PresenceInfo struct {
	Fix        Fix       `json:"fix"`
	LastActive time.Time `json:"last_active"`
	SignalLost bool      `json:"signal_lost"`
}

// presenceTracker keeps last-seen timestamps and last-known locations per
// member. It is owned by a session hub's goroutine and is not safe for
// concurrent use on its own.
type presenceTracker struct {
	lastActive map[string]time.Time
	lastFix    map[string]Fix
	lost       map[string]bool
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		lastActive: map[string]time.Time{},
		lastFix:    map[string]Fix{},
		lost:       map[string]bool{},
	}
}

// Touch records a fix. A late sample still overwrites the last-known
// position; location is last-value, not an append log.
func (p *presenceTracker) Touch(userID string, fix Fix, now time.Time) {
	p.lastActive[userID] = now
	p.lastFix[userID] = fix
	delete(p.lost, userID)
}

// Sweep recomputes signal-lost flags and returns members that newly
// crossed the threshold.
func (p *presenceTracker) Sweep(now time.Time) []string {
	var newlyLost []string
	for userID, last := range p.lastActive {
		if now.Sub(last) > signalLostAfter {
			if !p.lost[userID] {
				p.lost[userID] = true
				newlyLost = append(newlyLost, userID)
			}
		} else {
			delete(p.lost, userID)
		}
	}
	return newlyLost
}

func (p *presenceTracker) SignalLost(userID string) bool {
	return p.lost[userID]
}

func (p *presenceTracker) Last(userID string) (Fix, time.Time, bool) {
	last, ok := p.lastActive[userID]
	if !ok {
		return Fix{}, time.Time{}, false
	}
	return p.lastFix[userID], last, true
}

func (p *presenceTracker) Forget(userID string) {
	delete(p.lastActive, userID)
	delete(p.lastFix, userID)
	delete(p.lost, userID)
}
