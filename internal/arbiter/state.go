package arbiter

import (
	"context"
	"time"

	"github.com/wolfeidau/coopgate/internal/models"
)

// ControlState is a point in time view of who controls the device.
type ControlState struct {
	Controller     string        `json:"controller,omitempty"`
	ControllerID   string        `json:"controller_session_id,omitempty"`
	ActiveAdmin    string        `json:"active_admin,omitempty"`
	UserCanControl bool          `json:"user_can_control"`
	Preempted      string        `json:"preempted,omitempty"`
	Waiting        []string      `json:"waiting"`
	Sessions       []SessionView `json:"sessions"`
}

// SessionView is the public part of a session.
type SessionView struct {
	SessionID  string           `json:"session_id"`
	Username   string           `json:"username"`
	Role       models.Role      `json:"role"`
	AdminMode  models.AdminMode `json:"admin_mode,omitempty"`
	ClientType string           `json:"client_type,omitempty"`
	Controller bool             `json:"controller"`
	CreatedAt  time.Time        `json:"created_at"`
}

// State returns a snapshot of the control state.
func (a *Authority) State(ctx context.Context) ControlState {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := ControlState{
		Waiting:  []string{},
		Sessions: []SessionView{},
	}

	if holder := a.sessionLocked(ctx, a.controller); holder != nil {
		state.Controller = holder.Username
		state.ControllerID = holder.SessionID.String()
		if holder.IsActiveAdmin() {
			state.ActiveAdmin = holder.Username
		} else {
			state.UserCanControl = true
		}
	}

	if preempted := a.sessionLocked(ctx, a.preempted); preempted != nil {
		state.Preempted = preempted.Username
	}

	for _, id := range a.waiting {
		if sess := a.sessionLocked(ctx, id); sess != nil {
			state.Waiting = append(state.Waiting, sess.Username)
		}
	}

	for _, sess := range a.listLocked(ctx, "") {
		state.Sessions = append(state.Sessions, SessionView{
			SessionID:  sess.SessionID.String(),
			Username:   sess.Username,
			Role:       sess.Role,
			AdminMode:  sess.AdminMode,
			ClientType: sess.ClientType,
			Controller: sess.SessionID == a.controller,
			CreatedAt:  sess.CreatedAt,
		})
	}

	return state
}
