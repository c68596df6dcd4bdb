package registry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool

	// Inbound event rate limiting, per connection.
	EventRate  rate.Limit
	EventBurst int
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
		EventRate:  10,
		EventBurst: 20,
	}
}

// Connection represents a WebSocket connection to a client. A connection
// outlives session membership: a client that leaves a session stays connected
// in the connected-idle state.
type Connection struct {
	ID       string
	registry *Registry
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	mu            sync.Mutex
	sessionID     string
	participantID string
	lastPing      time.Time

	closeOnce sync.Once

	ConnectedAt time.Time
}

func newConnection(r *Registry, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		registry:    r,
		ws:          ws,
		send:        make(chan []byte, 256),
		limiter:     rate.NewLimiter(r.config.Connection.EventRate, r.config.Connection.EventBurst),
		ConnectedAt: time.Now(),
		lastPing:    time.Now(),
	}
}

// membership returns the current session membership, or empty strings when
// the connection is not in a session.
func (c *Connection) membership() (sessionID, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.participantID
}

func (c *Connection) setMembership(sessionID, participantID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.participantID = participantID
	c.mu.Unlock()
}

// touchPing records liveness. Written from both pumps, so it shares the
// membership mutex.
func (c *Connection) touchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the time of the last ping sent or pong received.
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// enqueue queues a frame for delivery, reporting whether it was accepted.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	cfg := c.registry.config.Connection
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.touchPing()
		}
	}
}

// readPump handles reading messages from the WebSocket connection and
// dispatching them to the registry.
func (c *Connection) readPump() {
	cfg := c.registry.config.Connection
	defer func() {
		c.registry.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.touchPing()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if !c.limiter.Allow() {
			log.Warn().
				Str("connection_id", c.ID).
				Msg("event rate limit exceeded, dropping event")
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Msg("malformed event envelope, dropping")
			continue
		}

		c.registry.dispatch(c, &env)
	}
}
