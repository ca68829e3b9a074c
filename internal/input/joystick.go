package input

import (
	"context"
	"fmt"
	"time"

	"github.com/0xcafed00d/joystick"
	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollRate = 60
	MaxPollRate     = 1000

	axisMax = 32767
)

// Button bits in joystick.State.Buttons for a standard layout.
const (
	ButtonA uint32 = 1 << 0
	ButtonB uint32 = 1 << 1
	ButtonY uint32 = 1 << 3
)

// Device is the part of a joystick the sampler needs.
type Device interface {
	Read() (joystick.State, error)
	Close() error
}

// joystickDevice adapts joystick.Joystick, whose Close has no result, to Device.
type joystickDevice struct {
	joystick.Joystick
}

func (d joystickDevice) Close() error {
	d.Joystick.Close()
	return nil
}

type JoystickConfig struct {
	Index int
	// PollRate is in reads per second.
	PollRate int
	Clock    clockwork.Clock
	Logger   *logrus.Logger
}

type JoystickSampler struct {
	device   Device
	interval time.Duration
	clock    clockwork.Clock
	logger   *logrus.Logger
}

var _ Sampler = (*JoystickSampler)(nil)

// OpenJoystick opens the joystick at cfg.Index.
func OpenJoystick(cfg JoystickConfig) (*JoystickSampler, error) {
	js, err := joystick.Open(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to open joystick %d: %w", cfg.Index, err)
	}

	s := NewJoystickSampler(joystickDevice{js}, cfg)
	s.logger.WithFields(logrus.Fields{
		"name":    js.Name(),
		"axes":    js.AxisCount(),
		"buttons": js.ButtonCount(),
	}).Info("Controller found")
	return s, nil
}

func NewJoystickSampler(device Device, cfg JoystickConfig) *JoystickSampler {
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultPollRate
	}
	if cfg.PollRate > MaxPollRate {
		cfg.PollRate = MaxPollRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}

	return &JoystickSampler{
		device:   device,
		interval: time.Second / time.Duration(cfg.PollRate),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Run polls the device and calls handler with every frame that differs
// from the previous one. The device starts out assumed at rest.
func (s *JoystickSampler) Run(ctx context.Context, handler Handler) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	var last protocol.InputFrame
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			state, err := s.device.Read()
			if err != nil {
				return fmt.Errorf("reading joystick: %w", err)
			}

			frame := FrameFromState(state)
			if frame == last {
				continue
			}
			last = frame
			handler(frame)
		}
	}
}

func (s *JoystickSampler) Close() error {
	return s.device.Close()
}

// FrameFromState maps the left stick and the A, B and Y buttons. The
// device reports Y growing downwards; frames use up as positive.
func FrameFromState(state joystick.State) protocol.InputFrame {
	var frame protocol.InputFrame
	if len(state.AxisData) > 0 {
		frame.LeftStickX = Normalize(state.AxisData[0])
	}
	if len(state.AxisData) > 1 {
		frame.LeftStickY = -Normalize(state.AxisData[1])
	}
	frame.ButtonA = state.Buttons&ButtonA != 0
	frame.ButtonB = state.Buttons&ButtonB != 0
	frame.ButtonY = state.Buttons&ButtonY != 0
	return frame
}

// Normalize maps a raw axis reading onto [-1, 1].
func Normalize(raw int) float32 {
	v := float32(raw) / axisMax
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
