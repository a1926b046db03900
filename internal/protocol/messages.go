package protocol

import (
	"encoding/json"

	"github.com/wolfeidau/coopgate/internal/models"
)

// Message types from client.
const (
	TypeAuth           = "auth"
	TypeResume         = "resume"
	TypeCommand        = "command"
	TypeChangeMode     = "change_mode"
	TypeRequestControl = "request_control"
	TypeReleaseControl = "release_control"
	TypeLogout         = "logout"
	TypePing           = "ping"
)

// InboundTypes lists every message type a client may send.
var InboundTypes = []string{
	TypeAuth,
	TypeResume,
	TypeCommand,
	TypeChangeMode,
	TypeRequestControl,
	TypeReleaseControl,
	TypeLogout,
	TypePing,
}

// Message types to client.
const (
	TypeAuthRequired     = "auth_required"
	TypeAuthSuccess      = "auth_success"
	TypeAuthFailed       = "auth_failed"
	TypeAdminOverride    = "admin_override"
	TypeControlAvailable = "control_available"
	TypeControlRevoked   = "control_revoked"
	TypeModeChanged      = "mode_changed"
	TypeAdminLeft        = "admin_left"
	TypePermissionDenied = "permission_denied"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeCommandSent      = "command_sent"
	TypeCommandFailed    = "command_failed"
	TypeLoggedOut        = "logged_out"
	TypePong             = "pong"
)

// Auth failure codes
const (
	AuthCodeInvalidCredentials = "invalid_credentials"
	AuthCodeTimeout            = "timeout"
	AuthCodeRateLimited        = "rate_limited"
	AuthCodeInvalidToken       = "invalid_token"
	AuthCodeUnavailable        = "unavailable"
)

// Envelope is the part shared by every message.
type Envelope struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type       string `json:"type"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	ClientType string `json:"client_type,omitempty"`
}

type ResumeMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	ClientType string `json:"client_type,omitempty"`
}

// CommandMessage carries a device command, either a JSON object with an
// action or a legacy command string such as "FAN1:1".
type CommandMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Command   json.RawMessage `json:"command"`
}

type ChangeModeMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Mode      models.AdminMode `json:"mode"`
}

// SessionMessage is used by request_control, release_control and logout.
type SessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type PingMessage struct {
	Type string `json:"type"`
}

// Server -> Client messages

type AuthRequired struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Permissions struct {
	CanControl   bool `json:"can_control"`
	CanConfigure bool `json:"can_configure"`
	CanView      bool `json:"can_view"`
}

type AuthSuccess struct {
	Type        string           `json:"type"`
	SessionID   string           `json:"session_id"`
	Username    string           `json:"username"`
	Role        models.Role      `json:"role"`
	Permissions Permissions      `json:"permissions"`
	AdminMode   models.AdminMode `json:"admin_mode,omitempty"`
	ResumeToken string           `json:"resume_token,omitempty"`
}

type AuthFailed struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AdminOverride struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	AdminUsername string `json:"admin_username"`
}

type ControlAvailable struct {
	Type      string           `json:"type"`
	Message   string           `json:"message"`
	AdminMode models.AdminMode `json:"admin_mode,omitempty"`
}

type ControlRevoked struct {
	Type          string           `json:"type"`
	Message       string           `json:"message"`
	AdminUsername string           `json:"admin_username,omitempty"`
	AdminMode     models.AdminMode `json:"admin_mode,omitempty"`
}

type ModeChanged struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Mode      models.AdminMode `json:"mode"`
}

type AdminLeft struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PermissionDenied struct {
	Type          string           `json:"type"`
	Message       string           `json:"message"`
	Controller    string           `json:"controller,omitempty"`
	AdminUsername string           `json:"admin_username,omitempty"`
	AdminMode     models.AdminMode `json:"admin_mode,omitempty"`
}

type UserJoined struct {
	Type     string      `json:"type"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

type UserLeft struct {
	Type     string      `json:"type"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

type CommandSent struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type CommandFailed struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command,omitempty"`
	Message string          `json:"message"`
}

type LoggedOut struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewAuthFailed(code, message string) *AuthFailed {
	return &AuthFailed{
		Type:    TypeAuthFailed,
		Code:    code,
		Message: message,
	}
}

func NewPermissionDenied(message string) *PermissionDenied {
	return &PermissionDenied{
		Type:    TypePermissionDenied,
		Message: message,
	}
}
