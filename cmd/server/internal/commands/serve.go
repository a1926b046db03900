package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/coopgate/internal/arbiter"
	"github.com/wolfeidau/coopgate/internal/auth"
	"github.com/wolfeidau/coopgate/internal/device"
	httpmiddleware "github.com/wolfeidau/coopgate/internal/http"
	"github.com/wolfeidau/coopgate/internal/logger"
	"github.com/wolfeidau/coopgate/internal/registry"
	"github.com/wolfeidau/coopgate/internal/relay"
	memorystore "github.com/wolfeidau/coopgate/internal/store/memory"
	"github.com/wolfeidau/coopgate/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8765" env:"COOPGATE_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"COOPGATE_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"COOPGATE_TLS_KEY"`

	// Users and sessions
	UsersFile   string        `help:"path to the YAML users file" required:"" type:"existingfile" env:"COOPGATE_USERS_FILE"`
	AuthTimeout time.Duration `help:"time allowed to verify credentials" default:"5s" env:"COOPGATE_AUTH_TIMEOUT"`
	Resume      ResumeFlags   `embed:"" prefix:"resume-"`

	// Device
	Device      string        `help:"device to control: sim or a ws:// URL" default:"sim" env:"COOPGATE_DEVICE"`
	AckTimeout  time.Duration `help:"time allowed for the device to answer a command" default:"5s" env:"COOPGATE_ACK_TIMEOUT"`
	SimInterval time.Duration `help:"snapshot interval of the simulator" default:"2s" env:"COOPGATE_SIM_INTERVAL"`

	// Connections
	Conn ConnFlags `embed:"" prefix:"conn-"`

	// CORS configuration
	CORSOrigins []string `help:"allowed origins for the websocket and API requests" default:"https://localhost" env:"COOPGATE_CORS_ORIGINS"`
	TrustProxy  bool     `help:"trust X-Forwarded-For and X-Real-IP headers" default:"false" env:"COOPGATE_TRUST_PROXY"`

	// Telemetry
	Tracing     bool    `help:"enable tracing" default:"false" env:"COOPGATE_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled" default:"1.0" env:"COOPGATE_TRACE_SAMPLE_RATIO"`
}

// ResumeFlags configures session resume tokens.
type ResumeFlags struct {
	Enabled bool          `help:"issue session resume tokens" default:"true" negatable:"" env:"COOPGATE_RESUME"`
	KeyFile string        `help:"path to a PEM encoded P-256 signing key, ephemeral when empty" default:"" env:"COOPGATE_RESUME_KEY_FILE"`
	TTL     time.Duration `help:"resume token lifetime" default:"12h" env:"COOPGATE_RESUME_TTL"`
}

// ConnFlags configures client websocket connections.
type ConnFlags struct {
	MaxMessageSize int64         `help:"largest inbound frame in bytes" default:"65536" env:"COOPGATE_CONN_MAX_MESSAGE_SIZE"`
	IdleTimeout    time.Duration `help:"disconnect clients silent for this long" default:"60s" env:"COOPGATE_CONN_IDLE_TIMEOUT"`
	PingInterval   time.Duration `help:"interval between pings" default:"25s" env:"COOPGATE_CONN_PING_INTERVAL"`
	WriteWait      time.Duration `help:"time allowed to write a frame" default:"10s" env:"COOPGATE_CONN_WRITE_WAIT"`
	SendBuffer     int           `help:"frames queued per client before it is dropped" default:"64" env:"COOPGATE_CONN_SEND_BUFFER"`
	AuthRate       float64       `help:"authentication attempts per second per connection" default:"1" env:"COOPGATE_CONN_AUTH_RATE"`
	AuthBurst      int           `help:"authentication burst per connection" default:"5" env:"COOPGATE_CONN_AUTH_BURST"`
}

func (f *ConnFlags) Validate() error {
	if f.PingInterval >= f.IdleTimeout {
		return errors.New("ping interval must be shorter than the idle timeout")
	}
	if f.SendBuffer < 1 {
		return errors.New("send buffer must be at least 1")
	}
	return nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Float64("sample_ratio", c.SampleRatio).Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "coopgate-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	verifier, err := auth.LoadFileVerifier(c.UsersFile)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	dev, deviceUp, err := c.openDevice()
	if err != nil {
		return err
	}

	rly := relay.New(dev, c.AckTimeout)
	authority := arbiter.New(memorystore.NewSessionStore(), verifier, rly, arbiter.Config{
		AuthTimeout: c.AuthTimeout,
	})

	if c.Resume.Enabled {
		tokens, err := c.Resume.issuer()
		if err != nil {
			return err
		}
		authority = authority.WithResumeTokens(tokens, verifier)
		log.Info().Str("kid", tokens.Kid()).Dur("ttl", c.Resume.TTL).Msg("Resume tokens enabled")
	}

	reg, err := registry.New(authority, rly, log, registry.Config{
		MaxMessageSize: c.Conn.MaxMessageSize,
		IdleTimeout:    c.Conn.IdleTimeout,
		PingInterval:   c.Conn.PingInterval,
		WriteWait:      c.Conn.WriteWait,
		SendBuffer:     c.Conn.SendBuffer,
		AuthRate:       rate.Limit(c.Conn.AuthRate),
		AuthBurst:      c.Conn.AuthBurst,
		AllowedOrigins: c.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", httpmiddleware.ClientIPMiddleware(c.TrustProxy)(reg))
	mux.Handle("/api/control", withCORS(c.CORSOrigins, requireAdmin(verifier, controlHandler(authority))))
	mux.Handle("/healthz", healthHandler(globals.Version, reg, deviceUp))

	srv := configureHTTPServer(c.Listen, mux)
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dev.Run(gctx)
	})

	g.Go(func() error {
		return rly.Run(gctx, reg)
	})

	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Str("device", c.Device).Msg("Starting HTTP server")

		var err error
		if c.Cert != "" {
			err = srv.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		reg.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return reloadUsersOnHangup(gctx, verifier, c.UsersFile)
	})

	return g.Wait()
}

// openDevice returns the configured device and a func reporting whether it is connected.
func (c *ServeCmd) openDevice() (device.Device, func() bool, error) {
	switch {
	case c.Device == "sim":
		sim := device.NewSimulator(device.WithInterval(c.SimInterval))
		return sim, func() bool { return true }, nil

	case strings.HasPrefix(c.Device, "ws://"), strings.HasPrefix(c.Device, "wss://"):
		client := device.NewClient(device.ClientConfig{URL: c.Device})
		return client, client.Connected, nil
	}

	return nil, nil, fmt.Errorf("unsupported device %q, use sim or a ws:// URL", c.Device)
}

func (f ResumeFlags) issuer() (*auth.TokenIssuer, error) {
	var keyPEM string
	if f.KeyFile != "" {
		data, err := os.ReadFile(f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read resume key: %w", err)
		}
		keyPEM = string(data)
	}

	tokens, err := auth.NewTokenIssuer(keyPEM, f.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create resume token issuer: %w", err)
	}
	return tokens, nil
}

// reloadUsersOnHangup re-reads the users file on SIGHUP. Existing sessions
// keep the role they authenticated with.
func reloadUsersOnHangup(ctx context.Context, verifier *auth.FileVerifier, path string) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log := zerolog.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := verifier.Reload(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to reload users")
				continue
			}
			log.Info().Str("path", path).Msg("Users reloaded")
		}
	}
}
