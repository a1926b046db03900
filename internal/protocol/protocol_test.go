package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coopgate/internal/auth"
	"github.com/wolfeidau/coopgate/internal/models"
)

func TestDecode(t *testing.T) {
	sid := uuid.Must(uuid.NewV7()).String()

	t.Run("auth", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"auth","username":"admin","password":"admin123","client_type":"pwa"}`))
		require.NoError(t, err)
		require.Equal(t, TypeAuth, in.Type)
		require.Equal(t, "admin", in.Auth.Username)
		require.Equal(t, "pwa", in.Auth.ClientType)

		_, ok := in.SessionID()
		require.False(t, ok)
	})

	t.Run("command with object", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"command","session_id":"` + sid + `","command":{"action":"fan_on","kumes":2}}`))
		require.NoError(t, err)
		require.JSONEq(t, `{"action":"fan_on","kumes":2}`, string(in.Command.Command))

		id, ok := in.SessionID()
		require.True(t, ok)
		require.Equal(t, sid, id.String())
	})

	t.Run("change mode", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"change_mode","session_id":"` + sid + `","mode":"watching"}`))
		require.NoError(t, err)
		require.Equal(t, models.AdminModeWatching, in.ChangeMode.Mode)
	})

	t.Run("session messages", func(t *testing.T) {
		for _, typ := range []string{TypeRequestControl, TypeReleaseControl, TypeLogout} {
			in, err := Decode([]byte(`{"type":"` + typ + `","session_id":"` + sid + `"}`))
			require.NoError(t, err, typ)
			require.Equal(t, typ, in.Type)
			require.NotNil(t, in.Session)
		}
	})

	t.Run("ping", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		require.Equal(t, TypePing, in.Type)
	})

	t.Run("unparseable session id", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"request_control","session_id":"sess_1234abcd"}`))
		require.NoError(t, err)

		_, ok := in.SessionID()
		require.False(t, ok)
	})
}

func TestDecode_malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `{"type":`},
		{name: "missing type", frame: `{"username":"a"}`},
		{name: "unknown type", frame: `{"type":"self_destruct"}`},
		{name: "auth without password", frame: `{"type":"auth","username":"a"}`},
		{name: "auth with blank username", frame: `{"type":"auth","username":"  ","password":"x"}`},
		{name: "resume without token", frame: `{"type":"resume"}`},
		{name: "command without session", frame: `{"type":"command","command":"LED:1"}`},
		{name: "command without command", frame: `{"type":"command","session_id":"x"}`},
		{name: "command with null command", frame: `{"type":"command","session_id":"x","command":null}`},
		{name: "change mode with bad mode", frame: `{"type":"change_mode","session_id":"x","mode":"sleeping"}`},
		{name: "request control without session", frame: `{"type":"request_control"}`},
		{name: "wrong field type", frame: `{"type":"auth","username":1,"password":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseCommand_legacy(t *testing.T) {
	tests := []struct {
		legacy   string
		expected string
	}{
		{legacy: "STATUS", expected: `{"action":"get_status"}`},
		{legacy: "AUTO:1", expected: `{"action":"set_auto_mode","value":true}`},
		{legacy: "AUTO:0", expected: `{"action":"set_auto_mode","value":false}`},
		{legacy: "FAN1:1", expected: `{"action":"fan_on","kumes":1}`},
		{legacy: "fan3:0", expected: `{"action":"fan_off","kumes":3}`},
		{legacy: "LED:1", expected: `{"action":"led_on"}`},
		{legacy: "LED:0", expected: `{"action":"led_off"}`},
		{legacy: "POMPA:1", expected: `{"action":"pump_on"}`},
		{legacy: "POMPA:0", expected: `{"action":"pump_off"}`},
		{legacy: "YEM:250", expected: `{"action":"yem_ver","miktar":250}`},
		{legacy: "KAPI:90", expected: `{"action":"kapi_kontrol","derece":90}`},
	}

	for _, tt := range tests {
		t.Run(tt.legacy, func(t *testing.T) {
			raw, err := json.Marshal(tt.legacy)
			require.NoError(t, err)

			cmd, err := ParseCommand(raw)
			require.NoError(t, err)
			require.JSONEq(t, tt.expected, string(cmd.Payload))
		})
	}
}

func TestParseCommand_invalid(t *testing.T) {
	tests := []string{
		`""`,
		`"REBOOT"`,
		`"FAN:1"`,
		`"FANX:1"`,
		`"YEM:lots"`,
		`"KAPI:"`,
		`{"kumes":1}`,
		`{"action":""}`,
		`42`,
		`[]`,
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseCommand(json.RawMessage(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDeviceCommand_Permission(t *testing.T) {
	tests := []struct {
		action   string
		expected auth.Permission
	}{
		{action: ActionGetStatus, expected: auth.PermMonitor},
		{action: ActionSetAutoMode, expected: auth.PermConfigure},
		{action: ActionReset, expected: auth.PermConfigure},
		{action: ActionUpdateSettings, expected: auth.PermConfigure},
		{action: ActionFanOn, expected: auth.PermCommand},
		{action: ActionFeed, expected: auth.PermCommand},
		{action: "something_new", expected: auth.PermCommand},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			require.Equal(t, tt.expected, DeviceCommand{Action: tt.action}.Permission())
		})
	}
}
