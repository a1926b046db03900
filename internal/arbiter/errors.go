package arbiter

import (
	"errors"

	"github.com/wolfeidau/coopgate/internal/models"
	"github.com/wolfeidau/coopgate/internal/protocol"
)

// Sentinel errors for arbitration outcomes
var (
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrAuthenticationTimeout = errors.New("authentication timed out")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrSessionNotFound       = errors.New("session not found")
)

// PermissionError describes a denied request and who holds control at the
// time of the decision.
type PermissionError struct {
	Reason        string
	Controller    string // username of the user holding control
	AdminUsername string // username of the active admin
	AdminMode     models.AdminMode
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// Is allows errors.Is(err, ErrPermissionDenied).
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Message converts the error into the frame sent to the requester.
func (e *PermissionError) Message() *protocol.PermissionDenied {
	msg := protocol.NewPermissionDenied(e.Reason)
	msg.Controller = e.Controller
	msg.AdminUsername = e.AdminUsername
	msg.AdminMode = e.AdminMode
	return msg
}
