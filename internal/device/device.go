package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfeidau/coopgate/internal/protocol"
)

// Sentinel errors for device round trips
var (
	ErrNotConnected = errors.New("device not connected")
	ErrRejected     = errors.New("device rejected command")
)

// Ack statuses sent by the controller.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Device is the control interface of the coop controller.
type Device interface {
	// Send delivers a command and waits for the controller's answer.
	Send(ctx context.Context, cmd protocol.DeviceCommand) (json.RawMessage, error)

	// Snapshots streams full state snapshots as the controller publishes them.
	Snapshots() <-chan json.RawMessage

	// Run keeps the device alive until ctx is cancelled.
	Run(ctx context.Context) error
}

// Ack is the answer to a command.
type Ack struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CheckAck returns an error wrapping ErrRejected if the controller reported a
// failure.
func CheckAck(raw json.RawMessage) error {
	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		// controllers that answer with a snapshot accepted the command
		return nil
	}

	if ack.Status == StatusError {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}

	return nil
}

// isAck reports whether a frame answers a command rather than publishing state.
func isAck(frame []byte) bool {
	var shape struct {
		Status *string         `json:"status"`
		Coops  json.RawMessage `json:"kumesler"`
	}
	if err := json.Unmarshal(frame, &shape); err != nil {
		return false
	}

	return shape.Status != nil && shape.Coops == nil
}
