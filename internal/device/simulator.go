package device

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/coopgate/internal/protocol"
)

// DefaultSimulatorInterval is how often the simulator publishes a snapshot.
const DefaultSimulatorInterval = 2 * time.Second

// Operating modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// fanThreshold is the temperature above which auto mode runs the fans.
const fanThreshold = 28.0

// Coop is the sensor and actuator state of one coop.
type Coop struct {
	ID          int     `json:"id"`
	Temperature float64 `json:"sicaklik"`
	Humidity    float64 `json:"nem"`
	Ammonia     float64 `json:"amonyak"`
	Water       int     `json:"su"`
	Light       int     `json:"isik"`
	Fan         bool    `json:"fan"`
	LED         bool    `json:"led"`
	Door        bool    `json:"kapi"`
	Alarm       bool    `json:"alarm"`
	Message     string  `json:"mesaj"`
}

// State is a full controller snapshot.
type State struct {
	Coops      []Coop             `json:"kumesler"`
	Time       int64              `json:"zaman"`
	Feed       int                `json:"yem"`
	Pump       bool               `json:"pompa"`
	Status     string             `json:"sistem_durumu"`
	Uptime     int64              `json:"uptime"`
	Mode       string             `json:"mod"`
	DoorAngle  int                `json:"kapi_derece"`
	Thresholds map[string]float64 `json:"esikler,omitempty"`
}

// Simulator is an in-process coop controller used for development and tests.
type Simulator struct {
	interval  time.Duration
	snapshots chan json.RawMessage
	now       func() time.Time

	mu      sync.Mutex
	state   State
	rng     *rand.Rand
	started time.Time
}

// SimulatorOption customises a Simulator.
type SimulatorOption func(*Simulator)

// WithInterval sets the snapshot interval.
func WithInterval(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		s.interval = d
	}
}

// WithSeed makes sensor drift deterministic.
func WithSeed(seed uint64) SimulatorOption {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// NewSimulator returns a simulator with three coops in manual mode.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		interval:  DefaultSimulatorInterval,
		snapshots: make(chan json.RawMessage, 16),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		state: State{
			Coops: []Coop{
				{ID: 1, Temperature: 22.5, Humidity: 55, Ammonia: 15, Water: 600, Light: 500},
				{ID: 2, Temperature: 23, Humidity: 60, Ammonia: 18, Water: 700, Light: 400, LED: true},
				{ID: 3, Temperature: 21, Humidity: 50, Ammonia: 12, Water: 800, Light: 600, Fan: true},
			},
			Feed:   20,
			Status: "OK",
			Mode:   ModeManual,
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.started = s.now()
	s.state.Time = s.started.Unix()

	return s
}

// Snapshots implements Device.
func (s *Simulator) Snapshots() <-chan json.RawMessage {
	return s.snapshots
}

// Run drifts the sensors and publishes a snapshot every interval.
func (s *Simulator) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Dur("interval", s.interval).Msg("device simulator started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			s.driftLocked()
			s.publishLocked(ctx)
			s.mu.Unlock()
		}
	}
}

// Send applies a command and answers with an ack.
func (s *Simulator) Send(ctx context.Context, cmd protocol.DeviceCommand) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(cmd.Payload, &fields); err != nil {
		return marshalAck(Ack{Status: StatusError, Message: fmt.Sprintf("invalid command: %v", err)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ack := s.applyLocked(cmd.Action, fields)
	if ack.Status == StatusSuccess && cmd.Action != protocol.ActionGetStatus {
		s.publishLocked(ctx)
	}

	return marshalAck(ack)
}

// Snapshot returns a copy of the current state.
func (s *Simulator) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

func (s *Simulator) applyLocked(action string, fields map[string]any) Ack {
	if action == protocol.ActionGetStatus {
		data, err := json.Marshal(s.cloneLocked())
		if err != nil {
			return Ack{Status: StatusError, Message: err.Error()}
		}
		return Ack{Status: StatusSuccess, Data: data}
	}

	coop, hasCoop := intField(fields, "kumes")
	if hasCoop && (coop < 1 || coop > len(s.state.Coops)) {
		return Ack{Status: StatusError, Message: fmt.Sprintf("invalid coop id: %d", coop)}
	}

	// each applies fn to the selected coop, or to all coops when none is named.
	each := func(fn func(c *Coop)) {
		if hasCoop {
			fn(&s.state.Coops[coop-1])
			return
		}
		for i := range s.state.Coops {
			fn(&s.state.Coops[i])
		}
	}

	switch action {
	case protocol.ActionLedOn, protocol.ActionLedOff:
		on := action == protocol.ActionLedOn
		each(func(c *Coop) { c.LED = on })
		return success("led %s", onOff(on))

	case protocol.ActionFanOn, protocol.ActionFanOff, protocol.ActionDoorOpen, protocol.ActionDoorClose:
		if !hasCoop {
			return Ack{Status: StatusError, Message: fmt.Sprintf("%s needs a coop id", action)}
		}
		c := &s.state.Coops[coop-1]
		switch action {
		case protocol.ActionFanOn, protocol.ActionFanOff:
			c.Fan = action == protocol.ActionFanOn
			return success("coop %d fan %s", coop, onOff(c.Fan))
		default:
			c.Door = action == protocol.ActionDoorOpen
			return success("coop %d door %s", coop, pick(c.Door, "opened", "closed"))
		}

	case protocol.ActionPumpOn, protocol.ActionPumpOff:
		s.state.Pump = action == protocol.ActionPumpOn
		return success("pump %s", onOff(s.state.Pump))

	case "reset_alarms", protocol.ActionReset:
		each(func(c *Coop) {
			c.Alarm = false
			c.Message = ""
		})
		s.state.Status = "OK"
		return success("alarms reset")

	case protocol.ActionSetAutoMode:
		on, _ := fields["value"].(bool)
		s.state.Mode = pick(on, ModeAuto, ModeManual)
		return success("mode %s", s.state.Mode)

	case protocol.ActionFeed:
		amount, ok := intField(fields, "miktar")
		if !ok || amount <= 0 {
			return Ack{Status: StatusError, Message: "miktar must be a positive number"}
		}
		if amount > s.state.Feed {
			return Ack{Status: StatusError, Message: fmt.Sprintf("not enough feed: %d left", s.state.Feed)}
		}
		s.state.Feed -= amount
		return success("dispensed %d", amount)

	case protocol.ActionDoorAngle:
		degree, ok := intField(fields, "derece")
		if !ok || degree < 0 || degree > 180 {
			return Ack{Status: StatusError, Message: "derece must be between 0 and 180"}
		}
		s.state.DoorAngle = degree
		each(func(c *Coop) { c.Door = degree > 0 })
		return success("door at %d degrees", degree)

	case protocol.ActionUpdateSettings, protocol.ActionSetThresholds:
		if s.state.Thresholds == nil {
			s.state.Thresholds = make(map[string]float64)
		}
		updated := 0
		for key, value := range fields {
			if n, ok := value.(float64); ok && key != "kumes" {
				s.state.Thresholds[key] = n
				updated++
			}
		}
		return success("%d settings updated", updated)

	case protocol.ActionRestart:
		s.started = s.now()
		s.state.Uptime = 0
		return success("restarted")
	}

	return Ack{Status: StatusError, Message: fmt.Sprintf("unknown action: %s", action)}
}

func (s *Simulator) driftLocked() {
	hour := s.now().Hour()
	day := hour >= 6 && hour <= 18

	for i := range s.state.Coops {
		c := &s.state.Coops[i]

		c.Temperature = clamp(c.Temperature+s.uniform(-0.2, 0.2), 15, 35)
		c.Humidity = clamp(c.Humidity+s.uniform(-1, 1), 30, 80)
		c.Ammonia = clamp(c.Ammonia+s.uniform(-0.5, 0.5), 0, 50)

		if s.rng.Float64() < 0.1 {
			c.Water = max(0, c.Water-5-s.rng.IntN(11))
		}

		if day {
			c.Light = 400 + s.rng.IntN(401)
		} else {
			c.Light = 50 + s.rng.IntN(151)
		}

		if s.rng.Float64() < 0.02 {
			switch {
			case c.Temperature > 30:
				c.Alarm, c.Message = true, "high temperature"
			case c.Water < 200:
				c.Alarm, c.Message = true, "low water"
			}
		}

		if s.state.Mode == ModeAuto {
			c.Fan = c.Temperature > fanThreshold
		}
	}

	if s.rng.Float64() < 0.05 {
		s.state.Feed = max(0, s.state.Feed-1)
	}

	s.state.Status = "OK"
	for _, c := range s.state.Coops {
		if c.Alarm {
			s.state.Status = "ALARM"
			break
		}
	}

	now := s.now()
	s.state.Time = now.Unix()
	s.state.Uptime = int64(now.Sub(s.started).Seconds())
}

// publishLocked emits a snapshot, dropping it if nobody is draining the
// channel.
func (s *Simulator) publishLocked(ctx context.Context) {
	data, err := json.Marshal(s.state)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	select {
	case s.snapshots <- data:
	default:
		zerolog.Ctx(ctx).Debug().Msg("snapshot dropped")
	}
}

func (s *Simulator) cloneLocked() State {
	state := s.state
	state.Coops = slices.Clone(s.state.Coops)
	state.Thresholds = maps.Clone(s.state.Thresholds)
	return state
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func clamp(v, lo, hi float64) float64 {
	return math.Round(min(hi, max(lo, v))*10) / 10
}

func intField(fields map[string]any, key string) (int, bool) {
	n, ok := fields[key].(float64)
	if !ok {
		return 0, false
	}
	return int(n), true
}

func success(format string, args ...any) Ack {
	return Ack{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func onOff(on bool) string {
	return pick(on, "on", "off")
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func marshalAck(ack Ack) (json.RawMessage, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ack: %w", err)
	}
	return data, nil
}

var _ Device = (*Simulator)(nil)
