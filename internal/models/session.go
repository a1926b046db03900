package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the role a principal authenticates with.
type Role string

const (
	RoleAdmin Role = "admin" // May configure the device and pre-empt users
	RoleUser  Role = "user"  // May control the device when it holds control
)

// Valid returns true if the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// AdminMode is an admin session's declaration about control.
type AdminMode string

const (
	AdminModeActive   AdminMode = "active"   // Admin holds control
	AdminModeWatching AdminMode = "watching" // Admin yields control to users
)

// Valid returns true if the mode is one of the known modes.
func (m AdminMode) Valid() bool {
	return m == AdminModeActive || m == AdminModeWatching
}

// ConnectionState tracks whether the connection backing a session is alive.
type ConnectionState string

const (
	ConnectionConnected ConnectionState = "connected"
	ConnectionClosed    ConnectionState = "closed"
)

// Session represents one authenticated connection.
// A session never outlives its connection, reconnecting always creates a new one.
type Session struct {
	SessionID uuid.UUID // UUIDv7, never reused
	Username  string
	Role      Role
	AdminMode AdminMode // Only meaningful for admins
	State     ConnectionState

	// Optional audit metadata
	ClientType string
	RemoteAddr string

	CreatedAt time.Time
}

// IsAdmin returns true if the session authenticated as an admin.
func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// IsActiveAdmin returns true if the session is an admin in active mode.
func (s *Session) IsActiveAdmin() bool {
	return s.Role == RoleAdmin && s.AdminMode == AdminModeActive
}
