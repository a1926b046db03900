package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformed is returned for frames that can't be handled: invalid JSON,
// an unknown type or a missing required field.
var ErrMalformed = errors.New("malformed message")

// Inbound is a decoded client message. Exactly one of the typed fields is
// set, matching Type.
type Inbound struct {
	Type string

	Auth       *AuthMessage
	Resume     *ResumeMessage
	Command    *CommandMessage
	ChangeMode *ChangeModeMessage
	Session    *SessionMessage
}

// SessionID returns the session id carried by the message, if any.
func (in *Inbound) SessionID() (uuid.UUID, bool) {
	var raw string
	switch {
	case in.Command != nil:
		raw = in.Command.SessionID
	case in.ChangeMode != nil:
		raw = in.ChangeMode.SessionID
	case in.Session != nil:
		raw = in.Session.SessionID
	default:
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Decode parses and validates a client frame.
func Decode(frame []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	in := &Inbound{Type: env.Type}

	switch env.Type {
	case TypeAuth:
		var msg AuthMessage
		if err := unmarshal(frame, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Username) == "" {
			return nil, missing(env.Type, "username")
		}
		if msg.Password == "" {
			return nil, missing(env.Type, "password")
		}
		in.Auth = &msg

	case TypeResume:
		var msg ResumeMessage
		if err := unmarshal(frame, &msg); err != nil {
			return nil, err
		}
		if msg.Token == "" {
			return nil, missing(env.Type, "token")
		}
		in.Resume = &msg

	case TypeCommand:
		var msg CommandMessage
		if err := unmarshal(frame, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, missing(env.Type, "session_id")
		}
		if len(msg.Command) == 0 || string(msg.Command) == "null" {
			return nil, missing(env.Type, "command")
		}
		in.Command = &msg

	case TypeChangeMode:
		var msg ChangeModeMessage
		if err := unmarshal(frame, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, missing(env.Type, "session_id")
		}
		if !msg.Mode.Valid() {
			return nil, fmt.Errorf("%w: %s has invalid mode %q", ErrMalformed, env.Type, msg.Mode)
		}
		in.ChangeMode = &msg

	case TypeRequestControl, TypeReleaseControl, TypeLogout:
		var msg SessionMessage
		if err := unmarshal(frame, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, missing(env.Type, "session_id")
		}
		in.Session = &msg

	case TypePing:
		// no fields

	case "":
		return nil, missing("message", "type")

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	return in, nil
}

func unmarshal(frame []byte, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("%w: %s is missing %s", ErrMalformed, msgType, field)
}
