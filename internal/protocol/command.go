package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wolfeidau/coopgate/internal/auth"
)

// Device actions understood by the coop controller.
const (
	ActionGetStatus      = "get_status"
	ActionSetAutoMode    = "set_auto_mode"
	ActionUpdateSettings = "update_settings"
	ActionSetThresholds  = "set_thresholds"
	ActionReset          = "reset"
	ActionRestart        = "restart"
	ActionFanOn          = "fan_on"
	ActionFanOff         = "fan_off"
	ActionLedOn          = "led_on"
	ActionLedOff         = "led_off"
	ActionPumpOn         = "pump_on"
	ActionPumpOff        = "pump_off"
	ActionDoorOpen       = "door_open"
	ActionDoorClose      = "door_close"
	ActionFeed           = "yem_ver"
	ActionDoorAngle      = "kapi_kontrol"
)

// actionPermissions maps actions to the permission they need. Anything not
// listed drives an actuator and needs PermCommand.
var actionPermissions = map[string]auth.Permission{
	ActionGetStatus:      auth.PermMonitor,
	ActionSetAutoMode:    auth.PermConfigure,
	ActionUpdateSettings: auth.PermConfigure,
	ActionSetThresholds:  auth.PermConfigure,
	ActionReset:          auth.PermConfigure,
	ActionRestart:        auth.PermConfigure,
}

// DeviceCommand is a normalised command ready to send to the device.
type DeviceCommand struct {
	Action  string
	Payload json.RawMessage // JSON object including "action"
}

// Permission returns the permission needed to send the command.
func (c DeviceCommand) Permission() auth.Permission {
	if perm, ok := actionPermissions[c.Action]; ok {
		return perm
	}
	return auth.PermCommand
}

// ParseCommand normalises the command field of a command message. Objects
// must carry a string "action", strings are converted from the legacy
// colon format.
func ParseCommand(raw json.RawMessage) (DeviceCommand, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return DeviceCommand{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}

	switch trimmed[0] {
	case '{':
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return DeviceCommand{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		action, _ := fields["action"].(string)
		if action == "" {
			return DeviceCommand{}, fmt.Errorf("%w: command is missing action", ErrMalformed)
		}
		return DeviceCommand{Action: action, Payload: json.RawMessage(trimmed)}, nil

	case '"':
		var legacy string
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return DeviceCommand{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		fields, err := convertLegacy(legacy)
		if err != nil {
			return DeviceCommand{}, err
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return DeviceCommand{}, fmt.Errorf("failed to marshal command: %w", err)
		}
		return DeviceCommand{Action: fields["action"].(string), Payload: payload}, nil

	default:
		return DeviceCommand{}, fmt.Errorf("%w: command must be an object or string", ErrMalformed)
	}
}

// convertLegacy converts the colon separated commands older clients send,
// e.g. FAN1:1 -> {"action":"fan_on","kumes":1}.
func convertLegacy(command string) (map[string]any, error) {
	command = strings.ToUpper(strings.TrimSpace(command))

	if command == "STATUS" {
		return map[string]any{"action": ActionGetStatus}, nil
	}

	name, value, ok := strings.Cut(command, ":")
	if !ok {
		return nil, unknownLegacy(command)
	}
	on := value == "1"

	switch {
	case name == "AUTO":
		return map[string]any{"action": ActionSetAutoMode, "value": on}, nil

	case name == "LED":
		return map[string]any{"action": pick(on, ActionLedOn, ActionLedOff)}, nil

	case name == "POMPA":
		return map[string]any{"action": pick(on, ActionPumpOn, ActionPumpOff)}, nil

	case name == "YEM":
		amount, err := strconv.Atoi(value)
		if err != nil {
			return nil, unknownLegacy(command)
		}
		return map[string]any{"action": ActionFeed, "miktar": amount}, nil

	case name == "KAPI":
		degree, err := strconv.Atoi(value)
		if err != nil {
			return nil, unknownLegacy(command)
		}
		return map[string]any{"action": ActionDoorAngle, "derece": degree}, nil

	case strings.HasPrefix(name, "FAN"):
		coop, err := strconv.Atoi(strings.TrimPrefix(name, "FAN"))
		if err != nil || coop < 1 {
			return nil, unknownLegacy(command)
		}
		return map[string]any{"action": pick(on, ActionFanOn, ActionFanOff), "kumes": coop}, nil
	}

	return nil, unknownLegacy(command)
}

func pick(on bool, ifOn, ifOff string) string {
	if on {
		return ifOn
	}
	return ifOff
}

func unknownLegacy(command string) error {
	return fmt.Errorf("%w: unknown command %q", ErrMalformed, command)
}
