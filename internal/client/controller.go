// Package client drives the client side of a live session: the websocket
// lifecycle (connect, authenticate, join, reconnect with backoff) and the
// outbound GPS stream. It owns an explicit state machine independent of
// any UI layer so the whole lifecycle is unit-testable.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prevotnp/Session-Maps/internal/shared/protocol"
)

// State of the session controller.
type State int32

const (
	Idle State = iota
	Connecting
	Authenticating
	Joining
	Joined
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is a connected bidirectional message stream.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Dialer opens a transport to the server.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Fix is one GPS sample from the device location provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Heading   float64
}

// LocationSource is the device location provider. Subscribe returns a fix
// channel and a stop function; stopping closes the channel.
type LocationSource interface {
	Subscribe() (<-chan Fix, func())
}

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Backoff returns the reconnect delay for the given attempt:
// min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Config for a Controller.
type Config struct {
	URL       string
	UserID    string
	Token     string
	SessionID string

	Dial      Dialer // defaults to the gorilla websocket dialer
	Locations LocationSource

	OnEvent       func(protocol.Event)
	OnStateChange func(State)
}

// Controller is the per-client session state machine:
// Idle -> Connecting -> Authenticating -> Joining -> Joined, looping
// through Reconnecting on transport failure until an intentional Close.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	state       State
	transport   Transport
	attempt     int
	retryAt     time.Time
	intentional bool
	locStop     func()

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func New(cfg Config) *Controller {
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	return &Controller{
		cfg:   cfg,
		state: Idle,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start runs the connection lifecycle until Close or ctx cancellation.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close performs an intentional disconnect. No reconnect is scheduled.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.intentional = true
	t := c.transport
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	if t != nil {
		return t.Close()
	}
	return nil
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryIn reports how long until the next scheduled reconnect attempt.
// Zero unless Reconnecting. Drives the "reconnecting in Ns" indicator.
func (c *Controller) RetryIn() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Reconnecting {
		return 0
	}
	d := time.Until(c.retryAt)
	if d < 0 {
		return 0
	}
	return d
}

// OnForeground must be called when the host application regains
// visibility. Mobile platforms suspend both the socket and the location
// stream in the background, so the controller verifies the transport is
// still alive (reconnecting immediately instead of waiting out the
// backoff) and re-subscribes the location source.
func (c *Controller) OnForeground() {
	c.mu.Lock()
	if c.intentional || c.state == Closed {
		c.mu.Unlock()
		return
	}
	state := c.state
	t := c.transport
	c.mu.Unlock()

	switch {
	case state == Reconnecting:
		c.nudge()
	case t != nil:
		if err := t.Ping(); err != nil {
			// Dead socket; unblock the read loop and skip the backoff wait.
			_ = t.Close()
			c.nudge()
			return
		}
		if state == Joined {
			c.restartLocations()
		}
	}
}

func (c *Controller) run(ctx context.Context) {
	first := true
	for {
		if c.closed(ctx) {
			c.setState(Closed)
			return
		}
		if first {
			c.setState(Connecting)
			first = false
		}

		t, err := c.cfg.Dial(ctx, c.cfg.URL)
		if err != nil {
			if c.closed(ctx) {
				c.setState(Closed)
				return
			}
			c.setState(Reconnecting)
			c.waitBackoff(ctx)
			continue
		}

		c.mu.Lock()
		c.transport = t
		c.attempt = 0
		c.mu.Unlock()

		// Auth and join are re-run on every (re)connect; the server-side
		// join is idempotent so this is safe.
		c.setState(Authenticating)
		err = t.WriteJSON(protocol.Frame{Type: protocol.TypeAuth, UserID: c.cfg.UserID, Token: c.cfg.Token})
		if err == nil {
			c.setState(Joining)
			err = t.WriteJSON(protocol.Frame{Type: protocol.TypeSessionJoin, SessionID: c.cfg.SessionID})
		}
		if err == nil {
			c.readLoop(t)
		}

		c.stopLocations()
		_ = t.Close()
		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()

		if c.closed(ctx) {
			c.setState(Closed)
			return
		}
		c.setState(Reconnecting)
		c.waitBackoff(ctx)
	}
}

// readLoop pumps inbound events until the transport fails. Any session
// event doubles as the join confirmation; the protocol has no explicit
// ack, and events may arrive before the client considers itself joined.
func (c *Controller) readLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		if ev.Type != protocol.TypeError && c.State() == Joining {
			c.setState(Joined)
			c.startLocations(t)
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
	}
}

// startLocations subscribes to the device location provider and forwards
// every fix upstream. Runs only while Joined.
func (c *Controller) startLocations(t Transport) {
	if c.cfg.Locations == nil {
		return
	}
	c.mu.Lock()
	if c.locStop != nil {
		c.mu.Unlock()
		return
	}
	fixes, stop := c.cfg.Locations.Subscribe()
	c.locStop = stop
	c.mu.Unlock()

	go func() {
		for fix := range fixes {
			err := t.WriteJSON(protocol.Frame{
				Type:      protocol.TypeSessionLocation,
				Latitude:  fix.Latitude,
				Longitude: fix.Longitude,
				Accuracy:  fix.Accuracy,
				Heading:   fix.Heading,
			})
			if err != nil {
				return
			}
		}
	}()
}

// stopLocations tears down the GPS watch. Called whenever Joined is left
// for any reason so no watcher is left dangling.
func (c *Controller) stopLocations() {
	c.mu.Lock()
	stop := c.locStop
	c.locStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// restartLocations re-subscribes after a background/foreground cycle; the
// OS may have silently suspended the previous stream.
func (c *Controller) restartLocations() {
	c.mu.Lock()
	t := c.transport
	joined := c.state == Joined
	c.mu.Unlock()

	c.stopLocations()
	if joined && t != nil {
		c.startLocations(t)
	}
}

func (c *Controller) waitBackoff(ctx context.Context) {
	c.mu.Lock()
	d := Backoff(c.attempt)
	c.attempt++
	c.retryAt = time.Now().Add(d)
	c.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.wake:
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *Controller) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) closed(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
