package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wolfeidau/coopgate/internal/arbiter"
	"github.com/wolfeidau/coopgate/internal/auth"
	"github.com/wolfeidau/coopgate/internal/device"
	"github.com/wolfeidau/coopgate/internal/protocol"
	"github.com/wolfeidau/coopgate/internal/registry"
	"github.com/wolfeidau/coopgate/internal/relay"
	"github.com/wolfeidau/coopgate/internal/store/memory"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{
			name:  "snapshot",
			frame: `{"kumesler":[{"id":1,"sicaklik":24.46,"fan":true},{"id":2,"sicaklik":31,"alarm":true}],"sistem_durumu":"ALARM"}`,
			want:  "snapshot ALARM: #1 24.5C fan, #2 31.0C ALARM",
		},
		{
			name:  "auth success",
			frame: `{"type":"auth_success","username":"alice","role":"user","session_id":"abc"}`,
			want:  "authenticated as alice (user) session abc",
		},
		{
			name:  "auth failed",
			frame: `{"type":"auth_failed","code":"timeout","message":"authentication timed out"}`,
			want:  "authentication failed [timeout]: authentication timed out",
		},
		{
			name:  "permission denied with controller",
			frame: `{"type":"permission_denied","message":"another user has control","controller":"bob"}`,
			want:  "permission denied: another user has control (controller bob)",
		},
		{
			name:  "user joined",
			frame: `{"type":"user_joined","username":"carol","role":"user"}`,
			want:  "user_joined carol (user)",
		},
		{
			name:  "mode changed",
			frame: `{"type":"mode_changed","mode":"watching","session_id":"abc"}`,
			want:  "mode changed to watching",
		},
		{
			name:  "message fallback",
			frame: `{"type":"control_available","message":"you may control the device"}`,
			want:  "control_available: you may control the device",
		},
		{
			name:  "bare type",
			frame: `{"type":"pong"}`,
			want:  "pong",
		},
		{
			name:  "not json",
			frame: `hello`,
			want:  "unreadable frame (5 bytes)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, describe([]byte(tt.frame)))
		})
	}
}

func TestCommandJSON(t *testing.T) {
	require.JSONEq(t, `{"action":"fan_on","kumes":1}`, string(commandJSON(` {"action":"fan_on","kumes":1} `)))
	require.Equal(t, `"FAN1:1"`, string(commandJSON("FAN1:1")))
	require.Equal(t, `"{broken"`, string(commandJSON("{broken")))
}

func TestFollowUps(t *testing.T) {
	m := &MonitorCmd{Mode: "watching", Control: true, Commands: []string{"STATUS"}}

	msgs := m.followUps("sess-1")
	require.Len(t, msgs, 3)

	var types []string
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		require.NoError(t, err)

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, "sess-1", env.SessionID)
		types = append(types, env.Type)
	}
	require.Equal(t, []string{protocol.TypeChangeMode, protocol.TypeRequestControl, protocol.TypeCommand}, types)

	require.Empty(t, (&MonitorCmd{}).followUps("sess-1"))
}

func newTestServer(t *testing.T) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	users := fmt.Sprintf("users:\n  - username: admin\n    password_hash: %q\n    role: admin\n", hash)
	verifier, err := auth.ParseUsers([]byte(users))
	require.NoError(t, err)

	rly := relay.New(device.NewSimulator(device.WithSeed(1)), time.Second)
	authority := arbiter.New(memory.NewSessionStore(), verifier, rly, arbiter.Config{})

	reg, err := registry.New(authority, rly, zerolog.Nop(), registry.DefaultConfig())
	require.NoError(t, err)

	srv := httptest.NewServer(reg)
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMonitor(t *testing.T) {
	url := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	m := &MonitorCmd{
		Username: "admin",
		Password: "secret",
		Commands: []string{"POMPA:1", `{"action":"fan_on","kumes":9}`},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := &bytes.Buffer{}
	require.NoError(t, m.monitor(ctx, ws, out, false))

	output := out.String()
	require.Contains(t, output, "auth_required")
	require.Contains(t, output, "authenticated as admin (admin)")
	require.Contains(t, output, "command sent")
	require.Contains(t, output, "command_failed")
}

func TestMonitor_authFailed(t *testing.T) {
	url := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	m := &MonitorCmd{Username: "admin", Password: "wrong"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = m.monitor(ctx, ws, &bytes.Buffer{}, false)
	require.ErrorContains(t, err, "authentication failed")
}
