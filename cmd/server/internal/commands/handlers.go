package commands

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/coopgate/internal/arbiter"
	"github.com/wolfeidau/coopgate/internal/auth"
	"github.com/wolfeidau/coopgate/internal/models"
)

type stateSource interface {
	State(ctx context.Context) arbiter.ControlState
}

type connectionCounter interface {
	Count() (open, authenticated int)
}

// healthResponse is returned by /healthz.
type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Connections     int    `json:"connections"`
	Authenticated   int    `json:"authenticated"`
	DeviceConnected bool   `json:"device_connected"`
}

// controlHandler serves the current control state as JSON.
func controlHandler(states stateSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(r.Context(), w, states.State(r.Context()))
	})
}

// healthHandler reports liveness plus connection and device status.
func healthHandler(version string, conns connectionCounter, deviceUp func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		open, authenticated := conns.Count()
		writeJSON(r.Context(), w, healthResponse{
			Status:          "ok",
			Version:         version,
			Connections:     open,
			Authenticated:   authenticated,
			DeviceConnected: deviceUp(),
		})
	})
}

// requireAdmin guards a handler with HTTP basic auth against the users file.
// Only admins are let through.
func requireAdmin(verifier auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="coopgate"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		role, err := verifier.Verify(r.Context(), username, password)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("username", username).Msg("status authentication failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="coopgate"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		if role != models.RoleAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to write response")
	}
}

// withCORS adds CORS support to the read-only API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
