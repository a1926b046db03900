package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coopgate/internal/device"
	"github.com/wolfeidau/coopgate/internal/protocol"
)

// stubDevice answers with a fixed frame or error, or blocks until ctx ends.
type stubDevice struct {
	answer    json.RawMessage
	err       error
	block     bool
	snapshots chan json.RawMessage
}

func (d *stubDevice) Send(ctx context.Context, _ protocol.DeviceCommand) (json.RawMessage, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.answer, d.err
}

func (d *stubDevice) Snapshots() <-chan json.RawMessage { return d.snapshots }

func (d *stubDevice) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []string
}

func (b *recordingBroadcaster) BroadcastAuthenticated(frame json.RawMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, string(frame))
	return 2
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func TestForward(t *testing.T) {
	cmd := protocol.DeviceCommand{Action: "pump_on", Payload: json.RawMessage(`{"action":"pump_on"}`)}
	errOffline := errors.New("offline")

	tests := []struct {
		name    string
		device  *stubDevice
		wantErr error
	}{
		{
			name:   "success ack",
			device: &stubDevice{answer: json.RawMessage(`{"status":"success","message":"pump on"}`)},
		},
		{
			name:   "snapshot answer",
			device: &stubDevice{answer: json.RawMessage(`{"kumesler":[],"pompa":true}`)},
		},
		{
			name:    "rejected",
			device:  &stubDevice{answer: json.RawMessage(`{"status":"error","message":"invalid coop id: 4"}`)},
			wantErr: device.ErrRejected,
		},
		{
			name:    "transport error",
			device:  &stubDevice{err: errOffline},
			wantErr: errOffline,
		},
		{
			name:    "no ack",
			device:  &stubDevice{block: true},
			wantErr: ErrNoAck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.device, 20*time.Millisecond)

			answer, err := r.Forward(context.Background(), cmd)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, answer)
				return
			}
			require.NoError(t, err)
			require.JSONEq(t, string(tt.device.answer), string(answer))
		})
	}
}

func TestForward_simulator(t *testing.T) {
	sim := device.NewSimulator(device.WithSeed(3))
	r := New(sim, time.Second)

	payload := json.RawMessage(`{"action":"fan_on","kumes":2}`)
	_, err := r.Forward(context.Background(), protocol.DeviceCommand{Action: "fan_on", Payload: payload})
	require.NoError(t, err)
	require.True(t, sim.Snapshot().Coops[1].Fan)

	payload = json.RawMessage(`{"action":"fan_on","kumes":8}`)
	_, err = r.Forward(context.Background(), protocol.DeviceCommand{Action: "fan_on", Payload: payload})
	require.ErrorIs(t, err, device.ErrRejected)
}

func TestRun(t *testing.T) {
	dev := &stubDevice{snapshots: make(chan json.RawMessage, 2)}
	r := New(dev, 0)
	require.Nil(t, r.Latest())

	ctx, cancel := context.WithCancel(context.Background())
	b := &recordingBroadcaster{}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, b) }()

	dev.snapshots <- json.RawMessage(`{"yem":20}`)
	dev.snapshots <- json.RawMessage(`{"yem":19}`)

	require.Eventually(t, func() bool { return b.count() == 2 }, time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"yem":19}`, string(r.Latest()))
	require.Equal(t, []string{`{"yem":20}`, `{"yem":19}`}, b.frames)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRun_closedSnapshots(t *testing.T) {
	dev := &stubDevice{snapshots: make(chan json.RawMessage)}
	close(dev.snapshots)

	require.NoError(t, New(dev, 0).Run(context.Background(), &recordingBroadcaster{}))
}
