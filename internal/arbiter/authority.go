package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/coopgate/internal/auth"
	"github.com/wolfeidau/coopgate/internal/models"
	"github.com/wolfeidau/coopgate/internal/protocol"
	"github.com/wolfeidau/coopgate/internal/store"
	"github.com/wolfeidau/coopgate/internal/telemetry"
)

// DefaultAuthTimeout bounds how long a credential check may take.
const DefaultAuthTimeout = 5 * time.Second

// Sink receives the frames addressed to one session. Send must not block.
type Sink interface {
	Send(msg any)
	RemoteAddr() string
}

// CommandRelay delivers authorised commands to the device.
type CommandRelay interface {
	Forward(ctx context.Context, cmd protocol.DeviceCommand) (json.RawMessage, error)
}

// Config holds the tunables of the authority.
type Config struct {
	AuthTimeout time.Duration
}

// Grant is the result of a successful authentication.
type Grant struct {
	Session     *models.Session
	ResumeToken string
}

// Authority decides which session controls the device. Every mutation of the
// session table and control state runs under mu, and notifications are
// queued on the sinks before mu is released so each connection observes
// transitions in commit order. Credential checks and device round trips run
// outside mu.
type Authority struct {
	sessions store.SessionStore
	verifier auth.Verifier
	relay    CommandRelay
	cfg      Config
	metrics  *telemetry.Metrics
	now      func() time.Time

	tokens    *auth.TokenIssuer
	directory auth.Directory

	mu         sync.Mutex
	sinks      map[uuid.UUID]Sink
	controller uuid.UUID            // uuid.Nil when nobody holds control
	preempted  uuid.UUID            // user dispossessed by the active admin
	waiting    []uuid.UUID          // users denied control, oldest first
	issued     map[uuid.UUID]string // resume token handed to each session
}

// New creates an authority.
func New(sessions store.SessionStore, verifier auth.Verifier, relay CommandRelay, cfg Config) *Authority {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}

	return &Authority{
		sessions: sessions,
		verifier: verifier,
		relay:    relay,
		cfg:      cfg,
		metrics:  telemetry.GetMetrics(),
		now:      time.Now,
		sinks:    make(map[uuid.UUID]Sink),
		issued:   make(map[uuid.UUID]string),
	}
}

// WithResumeTokens enables session resumption. Tokens are issued on every
// successful authentication and the role of a resuming user is read from
// the directory.
func (a *Authority) WithResumeTokens(tokens *auth.TokenIssuer, directory auth.Directory) *Authority {
	a.tokens = tokens
	a.directory = directory
	return a
}

// Authenticate checks credentials and creates a session bound to sink.
func (a *Authority) Authenticate(ctx context.Context, sink Sink, username, password, clientType string) (*Grant, error) {
	a.metrics.AuthAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", "password")))

	role, err := a.withTimeout(ctx, func(ctx context.Context) (models.Role, error) {
		return a.verifier.Verify(ctx, username, password)
	})
	if err != nil {
		a.rejectAuth(ctx, sink, username, err)
		return nil, err
	}

	return a.admit(ctx, sink, username, role, clientType)
}

// Resume creates a new session from a resume token issued by an earlier
// authentication. The token is spent, the new session gets a fresh one.
func (a *Authority) Resume(ctx context.Context, sink Sink, token, clientType string) (*Grant, error) {
	a.metrics.AuthAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", "resume")))

	if a.tokens == nil || a.directory == nil {
		err := fmt.Errorf("%w: %w: resumption is disabled", ErrAuthenticationFailed, auth.ErrInvalidToken)
		a.rejectAuth(ctx, sink, "", err)
		return nil, err
	}

	claims, err := a.tokens.Redeem(token)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		a.rejectAuth(ctx, sink, "", err)
		return nil, err
	}

	role, err := a.withTimeout(ctx, func(ctx context.Context) (models.Role, error) {
		return a.directory.Lookup(ctx, claims.Subject)
	})
	if err != nil {
		a.rejectAuth(ctx, sink, claims.Subject, err)
		return nil, err
	}

	if clientType == "" {
		clientType = claims.ClientType
	}

	return a.admit(ctx, sink, claims.Subject, role, clientType)
}

// RequestControl asks for control on behalf of a user session. A denied
// user is queued and receives control when it next becomes free.
func (a *Authority) RequestControl(ctx context.Context, sessionID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, sink, err := a.lookupLocked(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.IsAdmin() {
		perr := a.holderLocked(ctx)
		perr.Reason = "admins take control by switching to active mode"
		return a.denyLocked(ctx, sink, perr)
	}

	if a.controller == sessionID {
		sink.Send(a.controlAvailableLocked(ctx, "You have control of the coop"))
		return nil
	}

	if a.controller != uuid.Nil {
		if !slices.Contains(a.waiting, sessionID) {
			a.waiting = append(a.waiting, sessionID)
		}
		perr := a.holderLocked(ctx)
		perr.Reason = holderReason(perr, "control is not available")
		return a.denyLocked(ctx, sink, perr)
	}

	a.setControllerLocked(ctx, sess)
	sink.Send(a.controlAvailableLocked(ctx, "You have control of the coop"))

	return nil
}

// ReleaseControl gives control back. A user that does not hold control is
// only removed from the queue.
func (a *Authority) ReleaseControl(ctx context.Context, sessionID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, sink, err := a.lookupLocked(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.IsAdmin() {
		perr := a.holderLocked(ctx)
		perr.Reason = "admins release control by switching to watching mode"
		return a.denyLocked(ctx, sink, perr)
	}

	if a.controller != sessionID {
		a.waiting = removeID(a.waiting, sessionID)
		if a.preempted == sessionID {
			a.preempted = uuid.Nil
		}
		return nil
	}

	a.controller = uuid.Nil
	sink.Send(&protocol.ControlRevoked{
		Type:    protocol.TypeControlRevoked,
		Message: "You released control",
	})

	zerolog.Ctx(ctx).Info().Str("username", sess.Username).Msg("control released")

	a.handOffLocked(ctx)

	return nil
}

// SwitchAdminMode moves an admin session between active and watching.
// Switching to the current mode changes nothing and sends nothing.
func (a *Authority) SwitchAdminMode(ctx context.Context, sessionID uuid.UUID, mode models.AdminMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: invalid mode %q", protocol.ErrMalformed, mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sess, sink, err := a.lookupLocked(ctx, sessionID)
	if err != nil {
		return err
	}

	if !sess.IsAdmin() {
		perr := a.holderLocked(ctx)
		perr.Reason = "only admins can change mode"
		return a.denyLocked(ctx, sink, perr)
	}

	if sess.AdminMode == mode {
		return nil
	}

	sess.AdminMode = mode
	a.updateLocked(ctx, sess)
	a.metrics.AdminModeSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))

	zerolog.Ctx(ctx).Info().
		Str("username", sess.Username).
		Str("mode", string(mode)).
		Msg("admin mode changed")

	switch mode {
	case models.AdminModeActive:
		a.seizeLocked(ctx, sess)
	case models.AdminModeWatching:
		if a.controller == sessionID {
			a.controller = uuid.Nil
			a.handOffLocked(ctx)
		}
	}

	a.modeChangedLocked(ctx, sess)

	return nil
}

// SubmitCommand authorises a command and forwards it to the device. The
// requester receives command_sent with the device acknowledgement, or
// command_failed.
func (a *Authority) SubmitCommand(ctx context.Context, sessionID uuid.UUID, raw json.RawMessage) (json.RawMessage, error) {
	cmd, parseErr := protocol.ParseCommand(raw)

	a.mu.Lock()
	sess, sink, err := a.lookupLocked(ctx, sessionID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}

	if parseErr != nil {
		sink.Send(&protocol.CommandFailed{
			Type:    protocol.TypeCommandFailed,
			Command: raw,
			Message: parseErr.Error(),
		})
		a.mu.Unlock()
		return nil, parseErr
	}

	perm := cmd.Permission()
	if err := auth.Require(auth.SubjectFor(sess, a.controller == sessionID), perm); err != nil {
		perr := a.commandDenialLocked(ctx, sess, perm)
		err = a.denyLocked(ctx, sink, perr)
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	ack, err := a.relay.Forward(ctx, cmd)
	if err != nil {
		sink.Send(&protocol.CommandFailed{
			Type:    protocol.TypeCommandFailed,
			Command: cmd.Payload,
			Message: err.Error(),
		})
		return nil, fmt.Errorf("failed to forward command: %w", err)
	}

	sink.Send(&protocol.CommandSent{
		Type:    protocol.TypeCommandSent,
		Command: cmd.Payload,
		Result:  ack,
	})

	return ack, nil
}

// Disconnect destroys a session and settles control. Unknown sessions are
// ignored so it is safe to call more than once.
func (a *Authority) Disconnect(ctx context.Context, sessionID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disconnectLocked(ctx, sessionID)

	return nil
}

// Logout disconnects the session, revokes its resume token and confirms
// with logged_out.
func (a *Authority) Logout(ctx context.Context, sessionID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sink, ok := a.sinks[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	if token := a.issued[sessionID]; token != "" && a.tokens != nil {
		a.tokens.Revoke(token)
	}

	a.disconnectLocked(ctx, sessionID)
	sink.Send(&protocol.LoggedOut{Type: protocol.TypeLoggedOut})

	return nil
}

// withTimeout runs a credential lookup bounded by AuthTimeout. The lookup
// keeps running after a timeout but its result is discarded.
func (a *Authority) withTimeout(ctx context.Context, fn func(context.Context) (models.Role, error)) (models.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.AuthTimeout)
	defer cancel()

	type result struct {
		role models.Role
		err  error
	}

	done := make(chan result, 1)
	go func() {
		role, err := fn(ctx)
		done <- result{role: role, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrAuthenticationTimeout
		}
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, ctx.Err())
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return "", ErrAuthenticationTimeout
			}
			return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, res.err)
		}
		if !res.role.Valid() {
			return "", fmt.Errorf("%w: invalid role %q", ErrAuthenticationFailed, res.role)
		}
		return res.role, nil
	}
}

func (a *Authority) rejectAuth(ctx context.Context, sink Sink, username string, err error) {
	code, message := protocol.AuthCodeUnavailable, "Authentication is unavailable, try again"
	switch {
	case errors.Is(err, ErrAuthenticationTimeout):
		code, message = protocol.AuthCodeTimeout, "Authentication timed out, try again"
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnknownUser):
		code, message = protocol.AuthCodeInvalidCredentials, "Invalid username or password"
	case errors.Is(err, auth.ErrInvalidToken):
		code, message = protocol.AuthCodeInvalidToken, "Session expired, sign in again"
	}

	a.metrics.AuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))

	zerolog.Ctx(ctx).Warn().
		Err(err).
		Str("username", username).
		Str("code", code).
		Msg("authentication failed")

	sink.Send(protocol.NewAuthFailed(code, message))
}

func (a *Authority) admit(ctx context.Context, sink Sink, username string, role models.Role, clientType string) (*Grant, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	grant := &Grant{}
	if a.tokens != nil {
		token, err := a.tokens.Issue(username, clientType)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to issue resume token")
		}
		grant.ResumeToken = token
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sess := &models.Session{
		SessionID:  sessionID,
		Username:   username,
		Role:       role,
		State:      models.ConnectionConnected,
		ClientType: clientType,
		RemoteAddr: sink.RemoteAddr(),
		CreatedAt:  a.now(),
	}

	seize := false
	if sess.IsAdmin() {
		sess.AdminMode = models.AdminModeWatching
		if len(a.listLocked(ctx, models.RoleAdmin)) == 0 {
			sess.AdminMode = models.AdminModeActive
			seize = true
		}
	}

	if err := a.sessions.Create(ctx, sess); err != nil {
		sink.Send(protocol.NewAuthFailed(protocol.AuthCodeUnavailable, "Authentication is unavailable, try again"))
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	a.sinks[sessionID] = sink
	if grant.ResumeToken != "" {
		a.issued[sessionID] = grant.ResumeToken
	}
	a.metrics.SessionsActive.Add(ctx, 1)

	sink.Send(&protocol.AuthSuccess{
		Type:        protocol.TypeAuthSuccess,
		SessionID:   sessionID.String(),
		Username:    username,
		Role:        role,
		Permissions: a.permissionsLocked(ctx, sess),
		AdminMode:   sess.AdminMode,
		ResumeToken: grant.ResumeToken,
	})

	if seize {
		a.seizeLocked(ctx, sess)
	}

	a.broadcastLocked(ctx, &protocol.UserJoined{
		Type:     protocol.TypeUserJoined,
		Username: username,
		Role:     role,
	}, sessionID)

	zerolog.Ctx(ctx).Info().
		Str("session_id", sessionID.String()).
		Str("username", username).
		Str("role", string(role)).
		Str("admin_mode", string(sess.AdminMode)).
		Msg("session created")

	created := *sess
	grant.Session = &created

	return grant, nil
}

func (a *Authority) permissionsLocked(ctx context.Context, sess *models.Session) protocol.Permissions {
	if sess.IsAdmin() {
		return protocol.Permissions{CanControl: true, CanConfigure: true, CanView: true}
	}

	return protocol.Permissions{
		CanControl: a.activeAdminLocked(ctx) == nil,
		CanView:    true,
	}
}

// seizeLocked makes an active admin the controller. A previously active
// admin is demoted to watching, a user controller is remembered so control
// can be returned to it.
func (a *Authority) seizeLocked(ctx context.Context, admin *models.Session) {
	prev := a.controller
	a.setControllerLocked(ctx, admin)

	override := &protocol.AdminOverride{
		Type:          protocol.TypeAdminOverride,
		Message:       fmt.Sprintf("Admin %s has taken control", admin.Username),
		AdminUsername: admin.Username,
	}

	if prev != uuid.Nil && prev != admin.SessionID {
		if prevSess := a.sessionLocked(ctx, prev); prevSess != nil {
			if prevSess.IsAdmin() {
				prevSess.AdminMode = models.AdminModeWatching
				a.updateLocked(ctx, prevSess)
				a.sendLocked(prev, override)
				a.modeChangedLocked(ctx, prevSess)
				return
			}

			a.preempted = prev
			a.sendLocked(prev, override)
		}
	}

	revoked := &protocol.ControlRevoked{
		Type:          protocol.TypeControlRevoked,
		Message:       "An admin is controlling the coop",
		AdminUsername: admin.Username,
		AdminMode:     models.AdminModeActive,
	}
	for _, user := range a.listLocked(ctx, models.RoleUser) {
		a.sendLocked(user.SessionID, revoked)
	}
}

// handOffLocked gives free control to the preempted user, or failing that the
// oldest waiting user. Nobody is picked while an admin is active.
func (a *Authority) handOffLocked(ctx context.Context) {
	if a.controller != uuid.Nil {
		return
	}

	var next *models.Session
	if a.preempted != uuid.Nil {
		next = a.sessionLocked(ctx, a.preempted)
		a.preempted = uuid.Nil
	}

	for next == nil && len(a.waiting) > 0 {
		candidate := a.waiting[0]
		a.waiting = a.waiting[1:]
		next = a.sessionLocked(ctx, candidate)
	}

	if next == nil {
		return
	}

	a.setControllerLocked(ctx, next)
	a.sendLocked(next.SessionID, a.controlAvailableLocked(ctx, "Control has been handed to you"))
}

func (a *Authority) setControllerLocked(ctx context.Context, sess *models.Session) {
	a.controller = sess.SessionID
	a.waiting = removeID(a.waiting, sess.SessionID)
	a.metrics.ControlTransfers.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(sess.Role))))

	zerolog.Ctx(ctx).Info().
		Str("session_id", sess.SessionID.String()).
		Str("username", sess.Username).
		Msg("control granted")
}

func (a *Authority) controlAvailableLocked(ctx context.Context, message string) *protocol.ControlAvailable {
	msg := &protocol.ControlAvailable{
		Type:    protocol.TypeControlAvailable,
		Message: message,
	}
	if len(a.listLocked(ctx, models.RoleAdmin)) > 0 {
		msg.AdminMode = models.AdminModeWatching
	}
	return msg
}

func (a *Authority) modeChangedLocked(ctx context.Context, admin *models.Session) {
	sessions, err := a.sessions.ListByUsername(ctx, admin.Username)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list sessions")
		return
	}

	msg := &protocol.ModeChanged{
		Type:      protocol.TypeModeChanged,
		SessionID: admin.SessionID.String(),
		Mode:      admin.AdminMode,
	}
	for _, sess := range sessions {
		a.sendLocked(sess.SessionID, msg)
	}
}

func (a *Authority) disconnectLocked(ctx context.Context, sessionID uuid.UUID) {
	sess, err := a.sessions.Delete(ctx, sessionID)
	if err != nil {
		return
	}

	delete(a.sinks, sessionID)
	delete(a.issued, sessionID)
	a.waiting = removeID(a.waiting, sessionID)
	if a.preempted == sessionID {
		a.preempted = uuid.Nil
	}
	a.metrics.SessionsActive.Add(ctx, -1)

	wasController := a.controller == sessionID
	if wasController {
		a.controller = uuid.Nil
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", sessionID.String()).
		Str("username", sess.Username).
		Bool("controller", wasController).
		Msg("session closed")

	a.broadcastLocked(ctx, &protocol.UserLeft{
		Type:     protocol.TypeUserLeft,
		Username: sess.Username,
		Role:     sess.Role,
	}, uuid.Nil)

	if sess.IsAdmin() && len(a.listLocked(ctx, models.RoleAdmin)) == 0 {
		// an admin that held control leaves it free for the next user to
		// ask, a user controller keeps control and its queue
		if wasController {
			a.waiting = nil
			a.preempted = uuid.Nil
		}

		left := &protocol.AdminLeft{
			Type:    protocol.TypeAdminLeft,
			Message: fmt.Sprintf("Admin %s has left, control is available", sess.Username),
		}
		for _, user := range a.listLocked(ctx, models.RoleUser) {
			a.sendLocked(user.SessionID, left)
		}
		return
	}

	if wasController {
		a.handOffLocked(ctx)
	}
}

// holderLocked describes who holds control, without a reason.
func (a *Authority) holderLocked(ctx context.Context) *PermissionError {
	perr := &PermissionError{}

	holder := a.sessionLocked(ctx, a.controller)
	switch {
	case holder == nil:
	case holder.IsActiveAdmin():
		perr.AdminUsername = holder.Username
		perr.AdminMode = models.AdminModeActive
	default:
		perr.Controller = holder.Username
	}

	return perr
}

func (a *Authority) commandDenialLocked(ctx context.Context, sess *models.Session, perm auth.Permission) *PermissionError {
	perr := a.holderLocked(ctx)

	switch {
	case perm == auth.PermConfigure:
		perr.Reason = "only an active admin can change device settings"
	case sess.IsAdmin():
		perr.Reason = "switch to active mode to send commands"
	default:
		perr.Reason = holderReason(perr, "request control before sending commands")
	}

	return perr
}

func holderReason(perr *PermissionError, fallback string) string {
	switch {
	case perr.AdminUsername != "":
		return fmt.Sprintf("admin %s has control", perr.AdminUsername)
	case perr.Controller != "":
		return fmt.Sprintf("%s has control", perr.Controller)
	default:
		return fallback
	}
}

func (a *Authority) denyLocked(ctx context.Context, sink Sink, perr *PermissionError) error {
	a.metrics.PermissionDenied.Add(ctx, 1)

	zerolog.Ctx(ctx).Debug().Str("reason", perr.Reason).Msg("permission denied")

	sink.Send(perr.Message())

	return perr
}

func (a *Authority) activeAdminLocked(ctx context.Context) *models.Session {
	holder := a.sessionLocked(ctx, a.controller)
	if holder != nil && holder.IsActiveAdmin() {
		return holder
	}
	return nil
}

func (a *Authority) lookupLocked(ctx context.Context, sessionID uuid.UUID) (*models.Session, Sink, error) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	sink, ok := a.sinks[sessionID]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}

	return sess, sink, nil
}

func (a *Authority) sessionLocked(ctx context.Context, sessionID uuid.UUID) *models.Session {
	if sessionID == uuid.Nil {
		return nil
	}

	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	return sess
}

func (a *Authority) updateLocked(ctx context.Context, sess *models.Session) {
	if err := a.sessions.Update(ctx, sess); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sess.SessionID.String()).Msg("failed to update session")
	}
}

func (a *Authority) listLocked(ctx context.Context, role models.Role) []*models.Session {
	sessions, err := a.sessions.List(ctx, store.ListSessionsOptions{Role: role})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list sessions")
		return nil
	}
	return sessions
}

func (a *Authority) broadcastLocked(ctx context.Context, msg any, exclude uuid.UUID) {
	sessions, err := a.sessions.List(ctx, store.ListSessionsOptions{Exclude: exclude})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list sessions")
		return
	}

	for _, sess := range sessions {
		a.sendLocked(sess.SessionID, msg)
	}
}

func (a *Authority) sendLocked(sessionID uuid.UUID, msg any) {
	if sink, ok := a.sinks[sessionID]; ok {
		sink.Send(msg)
	}
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	return slices.DeleteFunc(ids, func(v uuid.UUID) bool { return v == id })
}
