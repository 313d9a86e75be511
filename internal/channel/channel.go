// Package channel maintains the persistent event connection to the gateway.
// It owns the connection session lifecycle: an explicit state machine
// (Disconnected/Connecting/Connected/Backoff) driven through an injected
// clock, bounded exponential reconnect backoff, and a dispatch table invoked
// in wire order for inbound events.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"go.uber.org/zap"
)

// SessionState is a connection session lifecycle state.
type SessionState string

const (
	Disconnected SessionState = "DISCONNECTED"
	Connecting   SessionState = "CONNECTING"
	Connected    SessionState = "CONNECTED"
	Backoff      SessionState = "BACKOFF"
)

// Conn is a minimal frame transport. Satisfied by gateway.EventConn;
// tests inject fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a new transport connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Policy bounds the reconnect behavior.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Handler processes one inbound event payload. Handlers run on the read
// goroutine, one event at a time, in the order events arrive on the wire.
type Handler func(payload json.RawMessage)

// envelope is the wire frame: a kind tag plus an opaque payload.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectedInfo is the payload of conn.connected bus events.
type ConnectedInfo struct {
	SessionID string
	Resumed   bool // true for every session after the first
}

// Channel is the auto-reconnecting event channel. Each successful
// (re)connection gets a fresh session identity; consumers treat a new session
// as a signal that state learned before the gap may be stale.
type Channel struct {
	dial   DialFunc
	policy Policy
	bus    *bus.Bus
	logger *zap.Logger
	clk    clock.Clock

	mu        sync.Mutex
	state     SessionState
	sessionID string
	attempts  int
	sessions  int
	conn      Conn
	handlers  map[string]Handler
	closed    bool
	cancel    context.CancelFunc
}

// New creates an event channel. Connect must be called to start it.
func New(dial DialFunc, policy Policy, b *bus.Bus, logger *zap.Logger, clk clock.Clock) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Channel{
		dial:     dial,
		policy:   policy,
		bus:      b,
		logger:   logger,
		clk:      clk,
		state:    Disconnected,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for an event kind. Must be called before
// Connect; later registrations race with dispatch.
func (c *Channel) Handle(kind string, h Handler) {
	c.mu.Lock()
	c.handlers[kind] = h
	c.mu.Unlock()
}

// Connect starts the connection loop. It returns immediately; session
// lifecycle is reported through bus events.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	c.closed = false
	c.attempts = 0
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect tears the channel down deliberately and suppresses
// auto-reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send pushes an event if connected; otherwise it is a no-op. Callers must
// not assume delivery either way.
func (c *Channel) Send(kind string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Kind: kind, Payload: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(frame)
}

// State returns the current session state.
func (c *Channel) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identity of the current session, or "" when not
// connected. The identity changes on every reconnect.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return ""
	}
	return c.sessionID
}

func (c *Channel) run(ctx context.Context) {
	for {
		c.setState(Connecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				c.setState(Disconnected)
				return
			}
			c.logger.Warn("event channel dial failed", zap.Error(err))
			c.publish(bus.KindChannelError, err.Error())
			if !c.backoff(ctx) {
				c.giveUp()
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.sessionID = uuid.New().String()
		c.sessions++
		resumed := c.sessions > 1
		c.attempts = 0
		c.state = Connected
		sessionID := c.sessionID
		c.mu.Unlock()

		c.logger.Info("event channel connected", zap.String("channel_session", sessionID))
		c.publish(bus.KindChannelConnected, ConnectedInfo{SessionID: sessionID, Resumed: resumed})

		readErr := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()

		if closed || ctx.Err() != nil {
			c.setState(Disconnected)
			c.publish(bus.KindChannelDisconnected, "shutdown")
			return
		}

		c.logger.Warn("event channel lost", zap.Error(readErr))
		c.publish(bus.KindChannelDisconnected, readErr.Error())

		if !c.backoff(ctx) {
			c.giveUp()
			return
		}
	}
}

// readLoop dispatches inbound frames until the connection fails.
func (c *Channel) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed event frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		h := c.handlers[env.Kind]
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug("no handler for event kind", zap.String("kind", env.Kind))
			continue
		}
		h(env.Payload)
	}
}

// backoff waits before the next attempt. Returns false once the attempt
// budget is exhausted or the context is done.
func (c *Channel) backoff(ctx context.Context) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.policy.MaxAttempts {
		return false
	}

	delay := backoffDelay(c.policy, attempt)
	c.setState(Backoff)
	c.logger.Info("reconnect backoff",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.policy.MaxAttempts),
		zap.Duration("delay", delay))

	select {
	case <-c.clk.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// giveUp parks the channel and surfaces the terminal unreachable signal. A
// later connect call re-arms the attempt budget. Deliberate disconnects do not
// count as unreachable.
func (c *Channel) giveUp() {
	closed := c.isClosed()
	c.setState(Disconnected)
	if closed {
		return
	}
	c.logger.Error("event channel unreachable, giving up",
		zap.Int("attempts", c.policy.MaxAttempts))
	c.publish(bus.KindChannelUnreachable, nil)
}

// backoffDelay doubles per attempt from the initial delay, capped at the max.
func backoffDelay(p Policy, attempt int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

func (c *Channel) setState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
