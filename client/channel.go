// Package client is the SDK a pomosync frontend embeds: an auto-reconnecting
// channel to the session registry, a session state machine, a timer authority
// bridge and a chat relay. All errors from request/response operations come
// back as values; nothing panics into the embedding UI layer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// ChannelState is the observable connection state of the transport channel.
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelClosed       ChannelState = "closed"
)

var (
	// ErrNotConnected is returned by session actions issued while the
	// channel is not connected. Callers fail fast instead of assuming
	// delivery.
	ErrNotConnected = errors.New("channel not connected")
	// ErrChannelClosed is returned after Close; the channel never retries.
	ErrChannelClosed = errors.New("channel closed")
	// ErrAckTimeout is returned when a request receives no server
	// acknowledgement within the ack timeout.
	ErrAckTimeout = errors.New("no acknowledgement from server")
)

// ChannelConfig holds transport configuration.
type ChannelConfig struct {
	URL              string
	MaxRetries       int
	RetryWait        time.Duration
	AckTimeout       time.Duration
	HandshakeTimeout time.Duration
}

// DefaultChannelConfig returns bounded-retry defaults for the given
// registry WebSocket URL.
func DefaultChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:              url,
		MaxRetries:       5,
		RetryWait:        2 * time.Second,
		AckTimeout:       10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Channel is a persistent bidirectional connection to the session registry.
// It reconnects automatically with a bounded retry count and fixed backoff;
// Close puts it in a terminal state that suppresses retry.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer

	mu        sync.Mutex
	ws        *websocket.Conn
	state     ChannelState
	closed    bool
	handlers  map[protocol.EventType][]func(json.RawMessage)
	stateSubs []func(ChannelState)
	pending   map[string]chan protocol.AckPayload

	writeMu sync.Mutex
}

// NewChannel creates a channel. Call Connect to establish the connection.
func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:    ChannelDisconnected,
		handlers: make(map[protocol.EventType][]func(json.RawMessage)),
		pending:  make(map[string]chan protocol.AckPayload),
	}
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether events can currently be sent.
func (c *Channel) IsConnected() bool {
	return c.State() == ChannelConnected
}

// On registers a handler for a named server event. Handlers run sequentially
// on the channel's reader goroutine, so per-channel event order matches
// socket delivery order.
func (c *Channel) On(event protocol.EventType, handler func(data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// OnState registers a connection-state subscriber.
func (c *Channel) OnState(fn func(ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
}

// Connect establishes the connection. Idempotent: returns nil when already
// connected or connecting. On failure it retries up to MaxRetries times with
// a fixed wait before giving up.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state == ChannelConnected || c.state == ChannelConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(ChannelConnecting)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.setState(ChannelDisconnected)
				return ctx.Err()
			case <-time.After(c.cfg.RetryWait):
			}
		}
		if err := c.dial(ctx); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("url", c.cfg.URL).
				Msg("connection attempt failed")
			continue
		}
		return nil
	}

	c.setState(ChannelDisconnected)
	return lastErr
}

// dial performs a single connection attempt.
func (c *Channel) dial(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrChannelClosed
	}
	if c.ws != nil {
		// A concurrent Connect already established a socket; keep it and
		// discard this one.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()

	c.setState(ChannelConnected)
	go c.readLoop(ws)
	return nil
}

// readLoop reads frames until the socket dies, then triggers reconnection
// unless the channel was closed locally.
func (c *Channel) readLoop(ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		c.dispatch(message)
	}

	c.mu.Lock()
	if c.ws != ws {
		// A newer connection superseded this loop.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	closed := c.closed
	c.failPendingLocked()
	c.mu.Unlock()

	if closed {
		return
	}

	c.setState(ChannelDisconnected)
	log.Info().Str("url", c.cfg.URL).Msg("connection lost, reconnecting")
	if err := c.Connect(context.Background()); err != nil {
		log.Error().Err(err).Msg("reconnection attempts exhausted")
	}
}

// dispatch routes one inbound frame to the matching ack waiter or handlers.
func (c *Channel) dispatch(message []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Debug().Err(err).Msg("malformed server frame, dropping")
		return
	}

	if env.Type == protocol.EventAck && env.RequestID != "" {
		var ack protocol.AckPayload
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			log.Debug().Err(err).Msg("malformed ack payload, dropping")
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- ack
		}
		return
	}

	c.mu.Lock()
	handlers := append(([]func(json.RawMessage))(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env.Data)
	}
}

// Emit sends a fire-and-forget event. Fails fast with ErrNotConnected when
// the channel is down.
func (c *Channel) Emit(event protocol.EventType, payload interface{}) error {
	return c.send(event, "", payload)
}

// Request sends an event carrying a request id and waits for the matching
// ack. The wait is bounded by ctx and by the channel's ack timeout.
func (c *Channel) Request(ctx context.Context, event protocol.EventType, payload interface{}) (protocol.AckPayload, error) {
	requestID := uuid.New().String()
	ackCh := make(chan protocol.AckPayload, 1)

	c.mu.Lock()
	c.pending[requestID] = ackCh
	c.mu.Unlock()

	if err := c.send(event, requestID, payload); err != nil {
		c.dropPending(requestID)
		return protocol.AckPayload{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return protocol.AckPayload{}, ErrNotConnected
		}
		return ack, nil
	case <-ctx.Done():
		c.dropPending(requestID)
		return protocol.AckPayload{}, ctx.Err()
	case <-timer.C:
		c.dropPending(requestID)
		return protocol.AckPayload{}, ErrAckTimeout
	}
}

// Close tears the channel down permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.setState(ChannelClosed)
	return nil
}

func (c *Channel) send(event protocol.EventType, requestID string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()
	if state != ChannelConnected || ws == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(event, requestID, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(env)
}

func (c *Channel) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// failPendingLocked aborts all in-flight requests. Caller must hold c.mu.
func (c *Channel) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := append(([]func(ChannelState))(nil), c.stateSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
