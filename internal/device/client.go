package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/coopgate/internal/protocol"
	"github.com/wolfeidau/coopgate/internal/telemetry"
)

// ClientConfig configures the connection to a physical controller.
type ClientConfig struct {
	URL            string
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxReconnect   time.Duration
	SnapshotBuffer int
}

// Client talks to a controller over its websocket, reconnecting with
// exponential backoff whenever the link drops.
//
// The controller answers a command with either a status ack or a full
// snapshot. Whichever arrives first while a command is in flight is its
// answer, snapshots are still published.
type Client struct {
	cfg       ClientConfig
	dialer    *websocket.Dialer
	snapshots chan json.RawMessage
	metrics   *telemetry.Metrics

	// sendMu allows one command in flight and serialises socket writes.
	sendMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending chan json.RawMessage
}

// NewClient returns a client for the controller at cfg.URL.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = 30 * time.Second
	}
	if cfg.SnapshotBuffer == 0 {
		cfg.SnapshotBuffer = 16
	}

	return &Client{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		snapshots: make(chan json.RawMessage, cfg.SnapshotBuffer),
		metrics:   telemetry.GetMetrics(),
	}
}

// Snapshots implements Device.
func (c *Client) Snapshots() <-chan json.RawMessage {
	return c.snapshots
}

// Connected reports whether the controller link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects to the controller and keeps reconnecting until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("device_url", c.cfg.URL).Logger()

	for {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = c.cfg.MaxReconnect

		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
			return conn, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.metrics.DeviceReconnects.Add(ctx, 1)
				log.Warn().Err(err).Dur("retry_in", next).Msg("device dial failed")
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to device: %w", err)
		}

		log.Info().Msg("device connected")

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}

		log.Warn().Err(err).Msg("device connection lost")
	}
}

// serve reads frames until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	defer func() {
		stop()
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		c.route(ctx, frame)
	}
}

func (c *Client) route(ctx context.Context, frame []byte) {
	if !json.Valid(frame) {
		zerolog.Ctx(ctx).Warn().Int("size", len(frame)).Msg("device sent invalid json")
		return
	}

	ack := isAck(frame)

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending <- frame
	}

	if ack {
		if pending == nil {
			zerolog.Ctx(ctx).Debug().Msg("unsolicited ack from device")
		}
		return
	}

	select {
	case c.snapshots <- frame:
	default:
		zerolog.Ctx(ctx).Debug().Msg("snapshot dropped")
	}
}

// Send writes a command and waits for the controller's answer.
func (c *Client) Send(ctx context.Context, cmd protocol.DeviceCommand) (json.RawMessage, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	reply := make(chan json.RawMessage, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == reply {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, cmd.Payload); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case answer := <-reply:
		return answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Device = (*Client)(nil)
