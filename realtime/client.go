// Package realtime is the client SDK for the ember fanout server. It keeps a
// single multiplexed websocket per Client, reference-counts topic interest
// across handler registrations, and transparently reconnects with capped
// exponential backoff, replaying active subscriptions on the fresh socket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/emberchat/ember/wire"
)

// Config tunes a Client. The zero value is not usable; start from
// DefaultConfig and override fields.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/v0/channels.
	URL string
	// HandshakeTimeout bounds dialing plus the websocket upgrade.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound control frame.
	WriteTimeout time.Duration
	// BackoffFloor is the delay before the first reconnect attempt.
	BackoffFloor time.Duration
	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64
	// BackoffCeiling caps the delay between attempts.
	BackoffCeiling time.Duration
}

// DefaultConfig returns the recommended tuning for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BackoffFloor:     750 * time.Millisecond,
		BackoffFactor:    1.6,
		BackoffCeiling:   15 * time.Second,
	}
}

// Client multiplexes all realtime traffic of one user over one websocket.
// The connection is opened lazily: it dials once a credential is set and at
// least one handler is registered, and closes for good on Close.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger Logger
	dial   dialFunc

	mu         sync.Mutex
	token      string
	connToken  string // credential the live connection was dialed with
	state      State
	conn       transport
	gen        int // bumped per connection; stale loop teardowns are ignored
	connecting bool
	failures   int
	retry      *time.Timer
	writeCh    chan wire.Control

	userID string
	sid    string

	scoped  map[handlerKey]map[int]Handler
	global  map[string]map[int]Handler
	refs    map[wire.Topic]int
	nextRef int
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger directs the client's internal logging to l.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a Client. It does not connect: call SetToken and register
// at least one handler.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: noopLogger{},
		dial:   dialWebsocket,
		state:  StateIdle,
		scoped: make(map[handlerKey]map[int]Handler),
		global: make(map[string]map[int]Handler),
		refs:   make(map[wire.Topic]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the connection lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user id from the server greeting, empty
// until the first hello arrives.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetToken installs or replaces the bearer credential. Setting a token while
// handlers are registered triggers a connection attempt; replacing the token
// of a live connection redials with the new credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	conn := c.conn
	if conn != nil && token != c.connToken {
		// Live socket carries the old credential. Drop it; teardown
		// schedules the redial.
		c.mu.Unlock()
		conn.close(websocket.StatusNormalClosure, "credential changed")
		return
	}
	c.mu.Unlock()
	c.ensureConnected()
}

// AuthRejected tells the client the credential was rejected out of band,
// e.g. a REST call returned 401. The client disconnects and stays idle until
// a fresh token is set.
func (c *Client) AuthRejected() {
	c.logger.Warn("credential rejected, disconnecting", nil)
	c.Close()
}

// Close drops the connection and the credential and cancels any pending
// reconnect. Handler registrations survive: a later SetToken resumes service.
func (c *Client) Close() {
	c.mu.Lock()
	c.token = ""
	c.connToken = ""
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	if c.writeCh != nil {
		close(c.writeCh)
		c.writeCh = nil
	}
	c.gen++
	c.failures = 0
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		conn.close(websocket.StatusNormalClosure, "client closed")
	}
}

// ensureConnected dials if a credential is set, interest exists, and no
// connection or attempt is already in flight.
func (c *Client) ensureConnected() {
	c.mu.Lock()
	if c.token == "" || c.connecting || c.state == StateOpen || !c.hasInterestLocked() {
		c.mu.Unlock()
		return
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.connecting = true
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()

	go c.connect(token)
}

func (c *Client) connect(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	t, err := c.dial(ctx, c.cfg.URL, token)
	cancel()

	c.mu.Lock()
	c.connecting = false
	if token != c.token {
		// Credential changed or Close ran while dialing. Discard the stale
		// transport and re-enter the machine: a replacement credential must
		// be dialed, and nothing else will wake the client up.
		if c.token == "" {
			c.state = StateIdle
		} else {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if t != nil {
			t.close(websocket.StatusNormalClosure, "stale dial")
		}
		c.ensureConnected()
		return
	}
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			// Retrying with the same credential cannot succeed.
			c.logger.Warn("connect: credential rejected", map[string]any{"error": err.Error()})
			c.token = ""
			c.state = StateIdle
			c.mu.Unlock()
			return
		}
		c.logger.Warn("connect failed", map[string]any{"error": err.Error()})
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.gen++
	gen := c.gen
	c.conn = t
	c.connToken = token
	c.state = StateOpen
	c.failures = 0
	ch := make(chan wire.Control, 64+len(c.refs))
	c.writeCh = ch
	// Replay the full interest set on the fresh socket.
	for topic := range c.refs {
		ch <- topic.SubscribeFrame()
	}
	c.logger.Info("connected", map[string]any{"subscriptions": len(c.refs)})
	c.mu.Unlock()

	go c.writeLoop(t, ch, gen)
	go c.readLoop(t, gen)
}

func (c *Client) enqueueLocked(ctl wire.Control) {
	select {
	case c.writeCh <- ctl:
	default:
		c.logger.Warn("outbound queue full, dropping control frame", map[string]any{"type": ctl.Type})
	}
}

func (c *Client) readLoop(t transport, gen int) {
	for {
		data, err := t.read(context.Background())
		if err != nil {
			c.teardown(gen, err)
			return
		}
		var evt wire.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			werr := wrapError(CodeMalformedFrame, "skipping inbound frame", err)
			c.logger.Warn("malformed frame", map[string]any{"error": werr.Error()})
			continue
		}
		c.dispatch(evt)
	}
}

func (c *Client) writeLoop(t transport, ch <-chan wire.Control, gen int) {
	for ctl := range ch {
		data, err := json.Marshal(ctl)
		if err != nil {
			c.logger.Error("marshal control frame", map[string]any{"error": err.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		err = t.write(ctx, data)
		cancel()
		if err != nil {
			c.teardown(gen, err)
			return
		}
	}
}

// teardown retires the connection of generation gen. Both loops call it on
// error; the second call and any call for an already replaced connection are
// no-ops.
func (c *Client) teardown(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connToken = ""
	if c.writeCh != nil {
		close(c.writeCh)
		c.writeCh = nil
	}
	if c.token != "" && c.hasInterestLocked() {
		werr := wrapError(CodeTransport, "connection lost, reconnecting", err)
		c.logger.Warn("connection lost", map[string]any{"error": werr.Error()})
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	conn.close(websocket.StatusNormalClosure, "retired")
}

func (c *Client) scheduleReconnectLocked() {
	if c.retry != nil {
		return
	}
	delay := backoffDelay(c.cfg, c.failures)
	c.failures++
	c.logger.Info("reconnect scheduled", map[string]any{"delay": delay.String(), "attempt": c.failures})
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		c.ensureConnected()
	})
}

// backoffDelay computes the wait before reconnect attempt n (zero-based):
// floor * factor^n, capped at the ceiling. The comparison happens in float
// space: for large n the product overflows time.Duration long before the
// conversion, so converting first would wrap negative and defeat the cap.
func backoffDelay(cfg Config, n int) time.Duration {
	f := float64(cfg.BackoffFloor) * math.Pow(cfg.BackoffFactor, float64(n))
	if f >= float64(cfg.BackoffCeiling) {
		return cfg.BackoffCeiling
	}
	return time.Duration(f)
}
