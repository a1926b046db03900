package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrConnectionLost is reported when a connection ends without a close
// handshake, for example on an idle timeout.
var ErrConnectionLost = errors.New("connection lost")

// ErrSlowConsumer is reported when a connection is closed because its
// outbound queue filled up.
var ErrSlowConsumer = errors.New("outbound queue full")

// Conn is one client websocket. It implements arbiter.Sink.
type Conn struct {
	ID         uuid.UUID
	remoteAddr string

	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	limiter  *rate.Limiter
	registry *Registry

	mu       sync.Mutex
	session  uuid.UUID
	closed   bool
	closeErr error
}

func newConn(r *Registry, ws *websocket.Conn, remoteAddr string) (*Conn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection id: %w", err)
	}

	return &Conn{
		ID:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, r.cfg.SendBuffer),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(r.cfg.AuthRate, r.cfg.AuthBurst),
		registry:   r,
	}, nil
}

// Send queues a message for the client without blocking. A client that
// can't keep up is disconnected.
func (c *Conn) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.registry.logger.Error().Err(err).Str("conn_id", c.ID.String()).Msg("failed to marshal message")
		return
	}

	c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.registry.metrics.OutboundDroppedTotal.Add(context.Background(), 1)
		c.closeLocked(ErrSlowConsumer)
	}
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Session returns the session bound to the connection, uuid.Nil before
// authentication.
func (c *Conn) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) bind(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sessionID
}

func (c *Conn) unbind() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.session
	c.session = uuid.Nil
	return prev
}

// Close closes the connection, queued frames are flushed first.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(nil)
}

func (c *Conn) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// readPump reads frames until the socket fails or goes idle. Frames are
// dispatched in order on this goroutine.
func (c *Conn) readPump(ctx context.Context) error {
	cfg := c.registry.cfg

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if closeErr := c.err(); closeErr != nil {
				return closeErr
			}
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		c.registry.Dispatch(ctx, c, frame)
	}
}

// writePump owns all writes to the socket and sends pings so idle peers are
// detected. It closes the socket when the connection is closed.
func (c *Conn) writePump() {
	cfg := c.registry.cfg

	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.registry.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
