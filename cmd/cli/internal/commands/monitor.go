package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wolfeidau/coopgate/internal/models"
	"github.com/wolfeidau/coopgate/internal/protocol"
)

type MonitorCmd struct {
	Server   string        `help:"Server websocket URL" default:"ws://localhost:8765/ws" env:"COOPCTL_SERVER"`
	Username string        `help:"Username to authenticate as" required:"" env:"COOPCTL_USERNAME"`
	Password string        `help:"Password to authenticate with" required:"" env:"COOPCTL_PASSWORD"`
	Control  bool          `help:"Request control after authenticating"`
	Mode     string        `help:"Switch admin mode after authenticating" enum:",active,watching" default:""`
	Commands []string      `name:"command" short:"c" help:"Command to send once authenticated, JSON or legacy (e.g. FAN1:1)"`
	Timeout  time.Duration `help:"Stop monitoring after this long, 0 runs until interrupted" default:"0"`
}

func (m *MonitorCmd) Run(ctx context.Context, globals *Globals) error {
	fmt.Printf("Monitoring %s as %s\n", m.Server, m.Username)

	// Set up context for graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if m.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.Timeout)
		defer cancelTimeout()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, m.Server, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	if err := m.monitor(ctx, ws, os.Stdout, globals.Debug); err != nil {
		return fmt.Errorf("failed to monitor: %w", err)
	}

	fmt.Println("Monitoring finished")
	return nil
}

// monitor authenticates, sends the requested messages and prints every frame
// until ctx is done, the server closes the socket or the session is logged out.
func (m *MonitorCmd) monitor(ctx context.Context, ws *websocket.Conn, out io.Writer, debug bool) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err

		case frame := <-frames:
			fmt.Fprintf(out, "[%s] %s\n", time.Now().Format("15:04:05"), describe(frame))
			if debug {
				fmt.Fprintf(out, "  %s\n", frame)
			}

			done, err := m.react(ws, frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// react answers the frames that drive the session forward. It reports true
// once the session has ended.
func (m *MonitorCmd) react(ws *websocket.Conn, frame []byte) (bool, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false, nil
	}

	switch env.Type {
	case protocol.TypeAuthRequired:
		return false, ws.WriteJSON(protocol.AuthMessage{
			Type:       protocol.TypeAuth,
			Username:   m.Username,
			Password:   m.Password,
			ClientType: "cli",
		})

	case protocol.TypeAuthFailed:
		var failed protocol.AuthFailed
		_ = json.Unmarshal(frame, &failed)
		return true, fmt.Errorf("authentication failed: %s", failed.Message)

	case protocol.TypeAuthSuccess:
		var success protocol.AuthSuccess
		if err := json.Unmarshal(frame, &success); err != nil {
			return false, fmt.Errorf("failed to decode auth_success: %w", err)
		}
		for _, msg := range m.followUps(success.SessionID) {
			if err := ws.WriteJSON(msg); err != nil {
				return false, err
			}
		}

	case protocol.TypeLoggedOut:
		return true, nil
	}

	return false, nil
}

// followUps returns the messages sent once authenticated.
func (m *MonitorCmd) followUps(sessionID string) []any {
	var msgs []any

	if m.Mode != "" {
		msgs = append(msgs, protocol.ChangeModeMessage{
			Type:      protocol.TypeChangeMode,
			SessionID: sessionID,
			Mode:      models.AdminMode(m.Mode),
		})
	}

	if m.Control {
		msgs = append(msgs, protocol.SessionMessage{Type: protocol.TypeRequestControl, SessionID: sessionID})
	}

	for _, command := range m.Commands {
		msgs = append(msgs, protocol.CommandMessage{
			Type:      protocol.TypeCommand,
			SessionID: sessionID,
			Command:   commandJSON(command),
		})
	}

	return msgs
}

// commandJSON passes JSON objects through and quotes anything else as a
// legacy command string.
func commandJSON(command string) json.RawMessage {
	trimmed := strings.TrimSpace(command)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	quoted, _ := json.Marshal(trimmed)
	return quoted
}

// describe renders a frame as one line.
func describe(frame []byte) string {
	var msg struct {
		Type          string          `json:"type"`
		Message       string          `json:"message"`
		Username      string          `json:"username"`
		Role          string          `json:"role"`
		Mode          string          `json:"mode"`
		AdminMode     string          `json:"admin_mode"`
		AdminUsername string          `json:"admin_username"`
		Controller    string          `json:"controller"`
		SessionID     string          `json:"session_id"`
		Code          string          `json:"code"`
		Command       json.RawMessage `json:"command"`
		Coops         []struct {
			ID          int     `json:"id"`
			Temperature float64 `json:"sicaklik"`
			Fan         bool    `json:"fan"`
			Alarm       bool    `json:"alarm"`
		} `json:"kumesler"`
		Status string `json:"sistem_durumu"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return fmt.Sprintf("unreadable frame (%d bytes)", len(frame))
	}

	switch msg.Type {
	case "":
		if msg.Coops == nil {
			return "unknown frame " + string(frame)
		}
		parts := make([]string, 0, len(msg.Coops))
		for _, c := range msg.Coops {
			part := fmt.Sprintf("#%d %.1fC", c.ID, c.Temperature)
			if c.Fan {
				part += " fan"
			}
			if c.Alarm {
				part += " ALARM"
			}
			parts = append(parts, part)
		}
		return fmt.Sprintf("snapshot %s: %s", msg.Status, strings.Join(parts, ", "))

	case protocol.TypeAuthSuccess:
		line := fmt.Sprintf("authenticated as %s (%s) session %s", msg.Username, msg.Role, msg.SessionID)
		if msg.AdminMode != "" {
			line += " " + msg.AdminMode
		}
		return line

	case protocol.TypeAuthFailed:
		return fmt.Sprintf("authentication failed [%s]: %s", msg.Code, msg.Message)

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		return fmt.Sprintf("%s %s (%s)", msg.Type, msg.Username, msg.Role)

	case protocol.TypeModeChanged:
		return fmt.Sprintf("mode changed to %s", msg.Mode)

	case protocol.TypeCommandSent:
		return fmt.Sprintf("command sent %s", msg.Command)

	case protocol.TypePermissionDenied:
		detail := msg.Message
		if msg.Controller != "" {
			detail += " (controller " + msg.Controller + ")"
		}
		if msg.AdminUsername != "" {
			detail += " (admin " + msg.AdminUsername + ")"
		}
		return "permission denied: " + detail

	case protocol.TypeAdminOverride:
		return fmt.Sprintf("admin override by %s: %s", msg.AdminUsername, msg.Message)
	}

	if msg.Message != "" {
		return fmt.Sprintf("%s: %s", msg.Type, msg.Message)
	}
	return msg.Type
}
