package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coopgate/internal/models"
)

func TestAllowed(t *testing.T) {
	activeAdmin := Subject{Role: models.RoleAdmin, AdminMode: models.AdminModeActive, IsController: true}
	watchingAdmin := Subject{Role: models.RoleAdmin, AdminMode: models.AdminModeWatching}
	controllingUser := Subject{Role: models.RoleUser, IsController: true}
	observingUser := Subject{Role: models.RoleUser}

	tests := []struct {
		name           string
		subject        Subject
		permission     Permission
		expectedResult bool
	}{
		// Monitor
		{
			name:           "active admin can monitor",
			subject:        activeAdmin,
			permission:     PermMonitor,
			expectedResult: true,
		},
		{
			name:           "observing user can monitor",
			subject:        observingUser,
			permission:     PermMonitor,
			expectedResult: true,
		},
		{
			name:           "unknown role cannot monitor",
			subject:        Subject{Role: "guest"},
			permission:     PermMonitor,
			expectedResult: false,
		},

		// Command
		{
			name:           "active admin can command",
			subject:        activeAdmin,
			permission:     PermCommand,
			expectedResult: true,
		},
		{
			name:           "watching admin cannot command",
			subject:        watchingAdmin,
			permission:     PermCommand,
			expectedResult: false,
		},
		{
			name:           "controlling user can command",
			subject:        controllingUser,
			permission:     PermCommand,
			expectedResult: true,
		},
		{
			name:           "observing user cannot command",
			subject:        observingUser,
			permission:     PermCommand,
			expectedResult: false,
		},

		// Configure
		{
			name:           "active admin can configure",
			subject:        activeAdmin,
			permission:     PermConfigure,
			expectedResult: true,
		},
		{
			name:           "watching admin cannot configure",
			subject:        watchingAdmin,
			permission:     PermConfigure,
			expectedResult: false,
		},
		{
			name:           "controlling user cannot configure",
			subject:        controllingUser,
			permission:     PermConfigure,
			expectedResult: false,
		},

		// Unknown
		{
			name:           "unknown permission is denied",
			subject:        activeAdmin,
			permission:     Permission("reboot"),
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedResult, Allowed(tt.subject, tt.permission))
		})
	}
}

func TestRequire(t *testing.T) {
	err := Require(Subject{Role: models.RoleUser}, PermConfigure)
	require.ErrorIs(t, err, ErrForbidden)
	require.Contains(t, err.Error(), "user requires configure")

	require.NoError(t, Require(Subject{Role: models.RoleUser, IsController: true}, PermCommand))
}

func TestSubjectFor(t *testing.T) {
	s := &models.Session{Role: models.RoleAdmin, AdminMode: models.AdminModeWatching}
	sub := SubjectFor(s, false)
	require.Equal(t, models.RoleAdmin, sub.Role)
	require.Equal(t, models.AdminModeWatching, sub.AdminMode)
	require.False(t, sub.IsController)
}
