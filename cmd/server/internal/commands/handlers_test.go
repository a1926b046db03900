package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wolfeidau/coopgate/internal/arbiter"
	"github.com/wolfeidau/coopgate/internal/auth"
)

type fixedState struct {
	state arbiter.ControlState
}

func (f fixedState) State(context.Context) arbiter.ControlState {
	return f.state
}

type fixedCount struct {
	open, authenticated int
}

func (f fixedCount) Count() (int, int) {
	return f.open, f.authenticated
}

func newTestVerifier(t *testing.T) *auth.FileVerifier {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	users := fmt.Sprintf(`users:
  - username: admin
    password_hash: %q
    role: admin
  - username: alice
    password_hash: %q
    role: user
`, hash, hash)

	verifier, err := auth.ParseUsers([]byte(users))
	require.NoError(t, err)
	return verifier
}

func TestControlHandler(t *testing.T) {
	handler := requireAdmin(newTestVerifier(t), controlHandler(fixedState{state: arbiter.ControlState{
		Controller:  "alice",
		ActiveAdmin: "",
		Waiting:     []string{"bob"},
	}}))

	tests := []struct {
		name       string
		method     string
		username   string
		password   string
		wantStatus int
	}{
		{name: "admin", method: http.MethodGet, username: "admin", password: "secret", wantStatus: http.StatusOK},
		{name: "no credentials", method: http.MethodGet, wantStatus: http.StatusUnauthorized},
		{name: "wrong password", method: http.MethodGet, username: "admin", password: "nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown user", method: http.MethodGet, username: "mallory", password: "secret", wantStatus: http.StatusUnauthorized},
		{name: "user role", method: http.MethodGet, username: "alice", password: "secret", wantStatus: http.StatusForbidden},
		{name: "post", method: http.MethodPost, username: "admin", password: "secret", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/control", nil)
			if tt.username != "" {
				req.SetBasicAuth(tt.username, tt.password)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var state arbiter.ControlState
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
			require.Equal(t, "alice", state.Controller)
			require.Equal(t, []string{"bob"}, state.Waiting)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	up := false
	handler := healthHandler("1.2.3", fixedCount{open: 3, authenticated: 2}, func() bool { return up })

	for _, want := range []bool{false, true} {
		up = want

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var health healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		require.Equal(t, healthResponse{
			Status:          "ok",
			Version:         "1.2.3",
			Connections:     3,
			Authenticated:   2,
			DeviceConnected: want,
		}, health)
	}
}

func TestWithCORS(t *testing.T) {
	handler := withCORS([]string{"https://coop.example"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		origin     string
		wantHeader string
	}{
		{name: "allowed", origin: "https://coop.example", wantHeader: "https://coop.example"},
		{name: "other origin", origin: "https://evil.example", wantHeader: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/control", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.wantHeader, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestOpenDevice(t *testing.T) {
	tests := []struct {
		device  string
		wantErr bool
	}{
		{device: "sim"},
		{device: "ws://192.168.1.107:81"},
		{device: "wss://coop.example/ws"},
		{device: "serial:///dev/ttyUSB0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			dev, up, err := (&ServeCmd{Device: tt.device}).openDevice()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, dev)
			require.Equal(t, tt.device == "sim", up())
		})
	}
}

func TestConnFlags_Validate(t *testing.T) {
	require.NoError(t, (&ConnFlags{PingInterval: 25 * time.Second, IdleTimeout: 60 * time.Second, SendBuffer: 1}).Validate())
	require.Error(t, (&ConnFlags{PingInterval: 60 * time.Second, IdleTimeout: 60 * time.Second, SendBuffer: 1}).Validate())
	require.Error(t, (&ConnFlags{PingInterval: 25 * time.Second, IdleTimeout: 60 * time.Second}).Validate())
}
