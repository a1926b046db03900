package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/coopgate/internal/device"
	"github.com/wolfeidau/coopgate/internal/protocol"
	"github.com/wolfeidau/coopgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAckTimeout bounds how long a command waits for the device.
const DefaultAckTimeout = 5 * time.Second

// ErrNoAck is returned when the device does not answer in time.
var ErrNoAck = errors.New("device did not acknowledge command")

// Broadcaster delivers snapshots to authenticated clients.
type Broadcaster interface {
	BroadcastAuthenticated(frame json.RawMessage) int
}

// Relay forwards permitted commands to the device and fans its snapshots out
// to clients. It implements arbiter.CommandRelay.
type Relay struct {
	device     device.Device
	ackTimeout time.Duration
	metrics    *telemetry.Metrics

	mu     sync.RWMutex
	latest json.RawMessage
}

// New returns a relay for dev.
func New(dev device.Device, ackTimeout time.Duration) *Relay {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	return &Relay{
		device:     dev,
		ackTimeout: ackTimeout,
		metrics:    telemetry.GetMetrics(),
	}
}

// Forward sends cmd to the device and returns its answer.
func (r *Relay) Forward(ctx context.Context, cmd protocol.DeviceCommand) (json.RawMessage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "relay.Forward",
		trace.WithAttributes(attribute.String("device.action", cmd.Action)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.ackTimeout)
	defer cancel()

	attrs := metric.WithAttributes(attribute.String("action", cmd.Action))
	started := time.Now()

	answer, err := r.device.Send(ctx, cmd)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrNoAck, r.ackTimeout)
	}
	if err == nil {
		err = device.CheckAck(answer)
	}

	r.metrics.CommandsTotal.Add(ctx, 1, attrs)
	r.metrics.CommandDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)

	if err != nil {
		r.metrics.CommandErrorsTotal.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zerolog.Ctx(ctx).Warn().Err(err).Str("action", cmd.Action).Msg("device command failed")
		return nil, err
	}

	return answer, nil
}

// Run fans device snapshots out until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, b Broadcaster) error {
	log := zerolog.Ctx(ctx)
	snapshots := r.device.Snapshots()

	for {
		select {
		case <-ctx.Done():
			return nil

		case snapshot, ok := <-snapshots:
			if !ok {
				return nil
			}

			r.mu.Lock()
			r.latest = snapshot
			r.mu.Unlock()

			delivered := b.BroadcastAuthenticated(snapshot)
			r.metrics.SnapshotsBroadcast.Add(ctx, 1)
			log.Debug().Int("clients", delivered).Msg("snapshot broadcast")
		}
	}
}

// Latest returns the most recent snapshot, nil before the first one.
func (r *Relay) Latest() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
