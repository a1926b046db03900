package auth

import (
	"errors"
	"fmt"

	"github.com/wolfeidau/coopgate/internal/models"
)

// ErrForbidden is returned when a session may not perform an action.
var ErrForbidden = errors.New("forbidden")

// Permission represents an action a session wants to perform on the device
type Permission string

const (
	PermMonitor   Permission = "monitor"   // Observe device state
	PermCommand   Permission = "command"   // Drive actuators
	PermConfigure Permission = "configure" // Change settings, reset
)

// Subject is what a permission decision is made about.
type Subject struct {
	Role         models.Role
	AdminMode    models.AdminMode
	IsController bool
}

// SubjectFor builds the subject for a session given the current controller state.
func SubjectFor(s *models.Session, isController bool) Subject {
	return Subject{
		Role:         s.Role,
		AdminMode:    s.AdminMode,
		IsController: isController,
	}
}

// Allowed checks if a subject has a specific permission.
func Allowed(sub Subject, perm Permission) bool {
	switch perm {
	case PermMonitor:
		return sub.Role.Valid()
	case PermCommand:
		return sub.Role.Valid() && sub.IsController
	case PermConfigure:
		return sub.Role == models.RoleAdmin && sub.AdminMode == models.AdminModeActive
	default:
		return false
	}
}

// Require returns an error wrapping ErrForbidden if the subject lacks the permission.
func Require(sub Subject, perm Permission) error {
	if !Allowed(sub, perm) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, sub.Role, perm)
	}

	return nil
}
