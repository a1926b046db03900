package logger

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Connections logs the lifecycle of client connections.
type Connections struct {
	logger zerolog.Logger
}

func NewConnections(logger zerolog.Logger) *Connections {
	return &Connections{logger: logger}
}

// Open attaches a connection scoped logger to ctx and logs the connection.
// The returned func logs the close, err is the reason the connection ended.
func (c *Connections) Open(ctx context.Context, connID, remoteAddr string) (context.Context, func(err error)) {
	started := time.Now()

	ctx = c.logger.With().
		Str("conn_id", connID).
		Str("remote_addr", remoteAddr).
		Logger().WithContext(ctx)

	zerolog.Ctx(ctx).Info().Msg("connection opened")

	return ctx, func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Dur("duration", time.Since(started)).
				Msg("connection closed")
			return
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("connection closed")
	}
}
