package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeController answers every frame using reply and can push frames.
type fakeController struct {
	server   *httptest.Server
	push     chan []byte
	drop     chan struct{}
	accepted atomic.Int32
}

func newFakeController(t *testing.T, reply func(frame []byte) []byte) *fakeController {
	t.Helper()

	fc := &fakeController{push: make(chan []byte, 4), drop: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	fc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fc.accepted.Add(1)

		frames := make(chan []byte, 4)
		go func() {
			defer close(frames)
			for {
				_, frame, err := ws.ReadMessage()
				if err != nil {
					return
				}
				frames <- frame
			}
		}()

		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if answer := reply(frame); answer != nil {
					if err := ws.WriteMessage(websocket.TextMessage, answer); err != nil {
						return
					}
				}
			case frame := <-fc.push:
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-fc.drop:
				return
			}
		}
	}))
	t.Cleanup(fc.server.Close)

	return fc
}

func (fc *fakeController) url() string {
	return "ws" + strings.TrimPrefix(fc.server.URL, "http")
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(ClientConfig{URL: url, MaxReconnect: 50 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)
	return client
}

func TestClient_sendBeforeConnect(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"})

	_, err := client.Send(context.Background(), command(t, map[string]any{"action": "pump_on"}))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_statusAck(t *testing.T) {
	fc := newFakeController(t, func([]byte) []byte {
		return []byte(`{"status":"success","message":"pump on"}`)
	})
	client := startClient(t, fc.url())

	answer, err := client.Send(context.Background(), command(t, map[string]any{"action": "pump_on"}))
	require.NoError(t, err)
	require.NoError(t, CheckAck(answer))
	require.JSONEq(t, `{"status":"success","message":"pump on"}`, string(answer))

	require.Empty(t, client.Snapshots())
}

func TestClient_errorAck(t *testing.T) {
	fc := newFakeController(t, func([]byte) []byte {
		return []byte(`{"status":"error","message":"invalid coop id: 7"}`)
	})
	client := startClient(t, fc.url())

	answer, err := client.Send(context.Background(), command(t, map[string]any{"action": "fan_on", "kumes": 7}))
	require.NoError(t, err)
	require.ErrorIs(t, CheckAck(answer), ErrRejected)
}

func TestClient_snapshotAnswer(t *testing.T) {
	snapshot := `{"kumesler":[{"id":1,"fan":true}],"pompa":false}`
	fc := newFakeController(t, func([]byte) []byte {
		return []byte(snapshot)
	})
	client := startClient(t, fc.url())

	answer, err := client.Send(context.Background(), command(t, map[string]any{"action": "fan_on", "kumes": 1}))
	require.NoError(t, err)
	require.JSONEq(t, snapshot, string(answer))

	select {
	case published := <-client.Snapshots():
		require.JSONEq(t, snapshot, string(published))
	case <-time.After(time.Second):
		t.Fatal("snapshot answer was not published")
	}
}

func TestClient_pushedSnapshots(t *testing.T) {
	fc := newFakeController(t, func([]byte) []byte { return nil })
	client := startClient(t, fc.url())

	fc.push <- []byte(`{"kumesler":[],"yem":12}`)
	fc.push <- []byte(`not json`)
	fc.push <- []byte(`{"kumesler":[],"yem":11}`)

	for _, want := range []string{`{"kumesler":[],"yem":12}`, `{"kumesler":[],"yem":11}`} {
		select {
		case got := <-client.Snapshots():
			require.JSONEq(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatal("snapshot not published")
		}
	}
}

func TestClient_ackTimeout(t *testing.T) {
	fc := newFakeController(t, func([]byte) []byte { return nil })
	client := startClient(t, fc.url())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, command(t, map[string]any{"action": "pump_on"}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_reconnects(t *testing.T) {
	fc := newFakeController(t, func([]byte) []byte {
		return []byte(`{"status":"success"}`)
	})
	client := startClient(t, fc.url())

	fc.drop <- struct{}{}
	require.Eventually(t, func() bool {
		return fc.accepted.Load() == 2 && client.Connected()
	}, 5*time.Second, 10*time.Millisecond)

	answer, err := client.Send(context.Background(), command(t, map[string]any{"action": "pump_off"}))
	require.NoError(t, err)
	require.NoError(t, CheckAck(answer))
}
