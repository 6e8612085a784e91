// Package socket maintains the long-lived duplex channel to the backend:
// connect with credential attachment, keep-alive pings, inbound envelope
// dispatch, and reconnection with full-jitter backoff.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/athena-ai/athena-link/client"
	"github.com/athena-ai/athena-link/metrics"
	"github.com/athena-ai/athena-link/wire"
)

// DefaultKeepAlive is the keep-alive ping interval.
const DefaultKeepAlive = 30 * time.Second

// defaultHandshakeTimeout matches the per-request timeout of the HTTP layer.
const defaultHandshakeTimeout = 30 * time.Second

// SubscribeAll subscribes to every envelope type.
const SubscribeAll = "*"

// HeaderFunc supplies the connect-time headers. The credential is attached
// here only; sockets are not re-authenticated mid-session.
type HeaderFunc func() http.Header

// Channel is the message-oriented duplex connection. It holds at most one
// live Session; every reconnect replaces it.
type Channel struct {
	url       string
	header    HeaderFunc
	dialer    *websocket.Dialer
	keepAlive time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	wake   chan struct{}
	sendCh chan wire.Envelope

	mu         sync.RWMutex
	enabled    bool
	session    *Session
	conn       *websocket.Conn
	hadSession bool
	subs       []*subscription
}

type subscription struct {
	msgType string
	ch      chan wire.Envelope
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithHeader sets the connect-time header supplier.
func WithHeader(fn HeaderFunc) ChannelOption {
	return func(c *Channel) {
		c.header = fn
	}
}

// WithKeepAlive sets the ping interval.
func WithKeepAlive(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.keepAlive = d
	}
}

// WithReconnectBackoff sets the reconnect backoff bounds.
func WithReconnectBackoff(base, max time.Duration) ChannelOption {
	return func(c *Channel) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) ChannelOption {
	return func(c *Channel) {
		c.metrics = m
	}
}

// New creates a Channel for the given websocket URL. Run must be called for
// connections to be attempted, and Enable gates whether they are.
func New(wsURL string, opts ...ChannelOption) *Channel {
	c := &Channel{
		url:       wsURL,
		keepAlive: DefaultKeepAlive,
		baseDelay: time.Second,
		maxDelay:  60 * time.Second,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
		sendCh:    make(chan wire.Envelope, 16),
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enable allows connection attempts. Called when the state machine reaches
// connected.
func (c *Channel) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.poke()
}

// Disable forbids connection attempts and tears down any live session.
// Called when the state machine leaves connected.
func (c *Channel) Disable() {
	c.mu.Lock()
	c.enabled = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// NotifyReachable triggers an opportunistic reconnect attempt when the
// network is restored and no session exists.
func (c *Channel) NotifyReachable() {
	c.mu.RLock()
	idle := c.enabled && c.session == nil
	c.mu.RUnlock()
	if idle {
		c.poke()
	}
}

// Session returns the live session, or nil when disconnected.
func (c *Channel) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Subscribe registers for envelopes of the given type (SubscribeAll for
// every type). Envelopes are fanned out to all matching subscribers in
// receipt order.
func (c *Channel) Subscribe(msgType string) (<-chan wire.Envelope, func()) {
	sub := &subscription{
		msgType: msgType,
		ch:      make(chan wire.Envelope, 64),
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Send queues an outbound envelope. It fails when no session is live.
func (c *Channel) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.RLock()
	connected := c.session != nil
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("socket not connected")
	}

	select {
	case c.sendCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the connection lifecycle until ctx is cancelled. While enabled it
// keeps a session alive, reconnecting with full-jitter backoff; the attempt
// counter resets only on a successful connection.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !c.isEnabled() {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			}
			continue
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := reconnectDelay(attempt, c.baseDelay, c.maxDelay)
			attempt++
			c.logger.Debug("Socket connect failed, backing off",
				"attempt", attempt,
				"backoff", delay,
				"error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			case <-c.wake:
				// Reachability restored: retry immediately.
			}
			continue
		}

		attempt = 0
		c.runSession(ctx, conn)
	}
}

func (c *Channel) isEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Channel) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if c.header != nil {
		header = c.header()
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket dial rejected (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("socket dial: %w", err)
	}
	return conn, nil
}

// runSession services one connection until it fails or is torn down.
func (c *Channel) runSession(ctx context.Context, conn *websocket.Conn) {
	sess := newSession()

	c.mu.Lock()
	reconnect := c.hadSession
	c.hadSession = true
	c.session = sess
	c.conn = conn
	c.mu.Unlock()

	if reconnect {
		c.metrics.SocketReconnected()
	}
	c.logger.Info("Socket connected", "session_id", sess.ID)

	conn.SetPongHandler(func(string) error {
		sess.markPong()
		return nil
	})

	sctx, cancel := context.WithCancel(ctx)
	go c.writeLoop(sctx, conn)

	c.readLoop(ctx, conn)

	cancel()
	conn.Close()

	c.mu.Lock()
	c.session = nil
	c.conn = nil
	c.mu.Unlock()

	c.logger.Info("Socket session ended", "session_id", sess.ID)
}

// readLoop decodes and dispatches inbound frames. Malformed frames are
// logged and dropped; they never terminate the session.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Socket read failed", "error", err)
			}
			return
		}

		env, err := wire.ParseEnvelope(raw)
		if err != nil {
			c.logger.Warn("Dropping malformed socket frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

// writeLoop serializes outbound traffic: queued envelopes and keep-alive
// pings. A write failure closes the connection, which ends the read loop
// and triggers reconnect scheduling.
func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Closing the connection unblocks the read loop, which is
			// otherwise stuck in ReadMessage during shutdown.
			conn.Close()
			return

		case env := <-c.sendCh:
			raw, err := env.Encode()
			if err != nil {
				c.logger.Warn("Dropping unencodable outbound envelope", "type", env.Type, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Warn("Socket write failed", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("Keep-alive ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// dispatch fans an envelope out to matching subscribers, preserving receipt
// order per connection.
func (c *Channel) dispatch(env wire.Envelope) {
	c.mu.RLock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, sub := range subs {
		if sub.msgType != SubscribeAll && sub.msgType != env.Type {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Delivery is best-effort per subscriber: a full buffer drops
			// the envelope rather than stalling the read loop for every
			// other subscriber.
			c.logger.Warn("Dropping socket envelope; subscriber is slow", "type", env.Type)
		}
	}
}

// reconnectDelay computes the socket backoff. Unlike request retries, the
// jitter term is a uniform 0 to 1s addition rather than proportional.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := client.Backoff(attempt, base, max, 0)
	return delay + time.Duration(rand.Float64()*float64(time.Second))
}
