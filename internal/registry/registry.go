package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/coopgate/internal/arbiter"
	httpmiddleware "github.com/wolfeidau/coopgate/internal/http"
	"github.com/wolfeidau/coopgate/internal/logger"
	"github.com/wolfeidau/coopgate/internal/models"
	"github.com/wolfeidau/coopgate/internal/protocol"
	"github.com/wolfeidau/coopgate/internal/telemetry"
)

// Authority is the arbitration authority the registry forwards requests to.
type Authority interface {
	Authenticate(ctx context.Context, sink arbiter.Sink, username, password, clientType string) (*arbiter.Grant, error)
	Resume(ctx context.Context, sink arbiter.Sink, token, clientType string) (*arbiter.Grant, error)
	RequestControl(ctx context.Context, sessionID uuid.UUID) error
	ReleaseControl(ctx context.Context, sessionID uuid.UUID) error
	SwitchAdminMode(ctx context.Context, sessionID uuid.UUID, mode models.AdminMode) error
	SubmitCommand(ctx context.Context, sessionID uuid.UUID, raw json.RawMessage) (json.RawMessage, error)
	Disconnect(ctx context.Context, sessionID uuid.UUID) error
	Logout(ctx context.Context, sessionID uuid.UUID) error
}

// SnapshotSource returns the most recent device snapshot, nil if none.
type SnapshotSource interface {
	Latest() json.RawMessage
}

// Config holds connection limits and timeouts.
type Config struct {
	MaxMessageSize int64
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AuthRate       rate.Limit
	AuthBurst      int
	AllowedOrigins []string
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 64 * 1024,
		IdleTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		AuthRate:       rate.Limit(1),
		AuthBurst:      5,
	}
}

type handlerFunc func(ctx context.Context, c *Conn, in *protocol.Inbound) error

// Registry tracks live connections, routes their frames to the authority and
// fans out broadcasts. It never makes authorisation decisions.
type Registry struct {
	authority   Authority
	snapshots   SnapshotSource
	connections *logger.Connections
	cfg         Config
	handlers    map[string]handlerFunc
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	metrics     *telemetry.Metrics

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

// New creates a registry. It fails if any inbound message type has no handler.
func New(authority Authority, snapshots SnapshotSource, log zerolog.Logger, cfg Config) (*Registry, error) {
	r := &Registry{
		authority:   authority,
		snapshots:   snapshots,
		connections: logger.NewConnections(log),
		cfg:         cfg,
		logger:      log,
		metrics:     telemetry.GetMetrics(),
		conns:       make(map[uuid.UUID]*Conn),
	}

	r.handlers = map[string]handlerFunc{
		protocol.TypeAuth:           r.handleAuth,
		protocol.TypeResume:         r.handleResume,
		protocol.TypeCommand:        r.handleCommand,
		protocol.TypeChangeMode:     r.handleChangeMode,
		protocol.TypeRequestControl: r.handleRequestControl,
		protocol.TypeReleaseControl: r.handleReleaseControl,
		protocol.TypeLogout:         r.handleLogout,
		protocol.TypePing:           r.handlePing,
	}

	if err := validateHandlers(r.handlers, protocol.InboundTypes); err != nil {
		return nil, err
	}

	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     httpmiddleware.CheckOrigin(cfg.AllowedOrigins),
	}

	return r, nil
}

func validateHandlers(handlers map[string]handlerFunc, types []string) error {
	for _, typ := range types {
		if handlers[typ] == nil {
			return fmt.Errorf("no handler for message type %q", typ)
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// connection ends.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already replied
		r.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	remoteAddr := httpmiddleware.ClientIPFromContext(req.Context())
	if remoteAddr == "" {
		remoteAddr = httpmiddleware.ExtractClientIP(req, false)
	}

	r.Serve(context.WithoutCancel(req.Context()), ws, remoteAddr)
}

// Serve runs a connection until it closes, then disconnects its session.
func (r *Registry) Serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	c, err := newConn(r, ws, remoteAddr)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to register connection")
		_ = ws.Close()
		return
	}

	ctx, closed := r.connections.Open(ctx, c.ID.String(), remoteAddr)

	r.register(ctx, c)
	go c.writePump()

	c.Send(&protocol.AuthRequired{
		Type:    protocol.TypeAuthRequired,
		Message: "Authentication required",
	})

	err = c.readPump(ctx)

	c.Close()
	r.unregister(ctx, c)

	closed(err)
}

func (r *Registry) register(ctx context.Context, c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.metrics.ConnectionsActive.Add(ctx, 1)
}

// unregister forgets the connection and disconnects its session.
func (r *Registry) unregister(ctx context.Context, c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c.ID]
	delete(r.conns, c.ID)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.ConnectionsActive.Add(ctx, -1)

	if sessionID := c.unbind(); sessionID != uuid.Nil {
		if err := r.authority.Disconnect(ctx, sessionID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to disconnect session")
		}
	}
}

// Dispatch decodes a frame and hands it to the handler for its type.
// Malformed frames are logged and dropped.
func (r *Registry) Dispatch(ctx context.Context, c *Conn, frame []byte) {
	in, err := protocol.Decode(frame)
	if err != nil {
		r.metrics.MessagesMalformed.Add(ctx, 1)
		zerolog.Ctx(ctx).Warn().Err(err).Int("size", len(frame)).Msg("dropped malformed message")
		return
	}

	if err := r.handlers[in.Type](ctx, c, in); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("type", in.Type).Msg("request rejected")
	}
}

// BroadcastAuthenticated sends a frame to every connection with a session.
func (r *Registry) BroadcastAuthenticated(frame json.RawMessage) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for _, c := range r.conns {
		if c.Session() == uuid.Nil {
			continue
		}
		c.sendRaw(frame)
		sent++
	}
	return sent
}

// Count returns the number of open connections and how many are authenticated.
func (r *Registry) Count() (open, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.conns {
		open++
		if c.Session() != uuid.Nil {
			authenticated++
		}
	}
	return open, authenticated
}

// Shutdown closes every connection.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.conns {
		c.Close()
	}
}

func (r *Registry) handleAuth(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	if !r.allowAuth(ctx, c) {
		return nil
	}

	r.dropSession(ctx, c)

	grant, err := r.authority.Authenticate(ctx, c, in.Auth.Username, in.Auth.Password, in.Auth.ClientType)
	if err != nil {
		return err
	}

	r.bound(c, grant)

	return nil
}

func (r *Registry) handleResume(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	if !r.allowAuth(ctx, c) {
		return nil
	}

	r.dropSession(ctx, c)

	grant, err := r.authority.Resume(ctx, c, in.Resume.Token, in.Resume.ClientType)
	if err != nil {
		return err
	}

	r.bound(c, grant)

	return nil
}

func (r *Registry) handleCommand(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	sessionID, err := r.session(c, in)
	if err != nil {
		return err
	}

	_, err = r.authority.SubmitCommand(ctx, sessionID, in.Command.Command)
	return err
}

func (r *Registry) handleChangeMode(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	sessionID, err := r.session(c, in)
	if err != nil {
		return err
	}

	return r.authority.SwitchAdminMode(ctx, sessionID, in.ChangeMode.Mode)
}

func (r *Registry) handleRequestControl(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	sessionID, err := r.session(c, in)
	if err != nil {
		return err
	}

	return r.authority.RequestControl(ctx, sessionID)
}

func (r *Registry) handleReleaseControl(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	sessionID, err := r.session(c, in)
	if err != nil {
		return err
	}

	return r.authority.ReleaseControl(ctx, sessionID)
}

func (r *Registry) handleLogout(ctx context.Context, c *Conn, in *protocol.Inbound) error {
	sessionID, err := r.session(c, in)
	if err != nil {
		return err
	}

	c.unbind()

	return r.authority.Logout(ctx, sessionID)
}

func (r *Registry) handlePing(_ context.Context, c *Conn, _ *protocol.Inbound) error {
	c.Send(&protocol.Pong{Type: protocol.TypePong})
	return nil
}

func (r *Registry) allowAuth(ctx context.Context, c *Conn) bool {
	if c.limiter.Allow() {
		return true
	}

	r.metrics.AuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", protocol.AuthCodeRateLimited)))
	c.Send(protocol.NewAuthFailed(protocol.AuthCodeRateLimited, "Too many attempts, slow down"))

	return false
}

// dropSession ends the session of a connection that authenticates again.
func (r *Registry) dropSession(ctx context.Context, c *Conn) {
	if prev := c.unbind(); prev != uuid.Nil {
		if err := r.authority.Disconnect(ctx, prev); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to disconnect previous session")
		}
	}
}

func (r *Registry) bound(c *Conn, grant *arbiter.Grant) {
	c.bind(grant.Session.SessionID)

	if r.snapshots == nil {
		return
	}
	if snapshot := r.snapshots.Latest(); snapshot != nil {
		c.sendRaw(snapshot)
	}
}

// session returns the session of the connection, the session_id in the frame
// must match it.
func (r *Registry) session(c *Conn, in *protocol.Inbound) (uuid.UUID, error) {
	bound := c.Session()
	if bound == uuid.Nil {
		return r.deny(c, "Authenticate before sending "+in.Type)
	}

	claimed, ok := in.SessionID()
	if !ok || claimed != bound {
		return r.deny(c, "session_id does not belong to this connection")
	}

	return bound, nil
}

func (r *Registry) deny(c *Conn, reason string) (uuid.UUID, error) {
	r.metrics.PermissionDenied.Add(context.Background(), 1)
	c.Send(protocol.NewPermissionDenied(reason))

	return uuid.Nil, fmt.Errorf("%w: %s", arbiter.ErrPermissionDenied, reason)
}

var _ arbiter.Sink = (*Conn)(nil)
