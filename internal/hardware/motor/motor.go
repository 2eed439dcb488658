// Package motor drives the two rear wheels through a TB6612-style H-bridge
// and reads the direction button.
package motor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/unph4914/RTES-Final-Project/internal/shared"
)

// Channel is one H-bridge output: a PWM pin and two direction inputs.
type Channel struct {
	PWM gpio.PinOut
	IN1 gpio.PinOut
	IN2 gpio.PinOut
}

// Pins is every GPIO the motor service touches.
type Pins struct {
	A       Channel
	B       Channel
	Standby gpio.PinOut
	Button  gpio.PinIn
}

// Options tunes the drive.
type Options struct {
	Speed           float64 // duty cycle in (0, 1]
	PWMFrequency    physic.Frequency
	StopDelay       time.Duration // wait before zeroing the motors on shutdown
	ButtonActiveLow bool
}

// Motor is the motor service's Work.
type Motor struct {
	pins   Pins
	opts   Options
	duty   gpio.Duty
	state  *shared.State
	logger *slog.Logger

	pressed bool // button level seen on the previous iteration
	halted  bool // last drive was an obstacle stop

	toggles atomic.Uint64
	stops   atomic.Uint64
}

// New configures the pins, takes the driver out of standby and leaves the
// motors stopped.
func New(pins Pins, opts Options, state *shared.State, logger *slog.Logger) (*Motor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Speed <= 0 || opts.Speed > 1 {
		return nil, fmt.Errorf("motor: speed must be in (0, 1], got %v", opts.Speed)
	}
	if opts.PWMFrequency <= 0 {
		opts.PWMFrequency = physic.KiloHertz
	}

	pull := gpio.PullDown
	if opts.ButtonActiveLow {
		pull = gpio.PullUp
	}
	if err := pins.Button.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("motor: button %s: %w", pins.Button, err)
	}

	m := &Motor{
		pins:   pins,
		opts:   opts,
		duty:   gpio.Duty(float64(gpio.DutyMax) * opts.Speed),
		state:  state,
		logger: logger.With("component", "motor"),
	}

	if err := m.Stop(); err != nil {
		return nil, err
	}
	if err := pins.Standby.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("motor: standby %s: %w", pins.Standby, err)
	}

	m.logger.Info("motor driver ready",
		"speed", opts.Speed,
		"pwm_frequency", opts.PWMFrequency.String(),
		"button", pins.Button.String(),
	)
	return m, nil
}

// Perform handles one motor period: a button press toggles the direction,
// then both wheels are driven in the commanded direction, unless an
// obstacle is ahead while driving forward.
func (m *Motor) Perform(context.Context) error {
	pressed := m.buttonPressed()
	if pressed && !m.pressed {
		dir := m.state.ToggleDirection()
		m.toggles.Add(1)
		m.logger.Info("direction toggled", "direction", dir.String())
	}
	m.pressed = pressed

	dir := m.state.Direction()
	if dir == shared.Forward && m.state.ObstacleDetected() {
		if !m.halted {
			m.stops.Add(1)
			m.logger.Info("obstacle ahead, stopping motors")
		}
		m.halted = true
		return m.Stop()
	}

	m.halted = false
	return m.Drive(dir)
}

// Quiesce waits the stop delay and then zeroes both motors.
func (m *Motor) Quiesce(ctx context.Context) error {
	if m.opts.StopDelay > 0 {
		t := time.NewTimer(m.opts.StopDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	if err := m.Stop(); err != nil {
		return err
	}
	m.logger.Info("motors stopped", "toggles", m.toggles.Load(), "obstacle_stops", m.stops.Load())
	return nil
}

// Drive runs both channels at the configured speed in dir.
func (m *Motor) Drive(dir shared.Direction) error {
	fwd := dir == shared.Forward
	for _, ch := range []struct {
		name string
		c    Channel
	}{{"A", m.pins.A}, {"B", m.pins.B}} {
		if err := m.set(ch.c, m.duty, gpio.Level(fwd), gpio.Level(!fwd)); err != nil {
			return fmt.Errorf("motor %s: %w", ch.name, err)
		}
	}
	return nil
}

// Stop zeroes both channels and releases the direction inputs.
func (m *Motor) Stop() error {
	if err := m.set(m.pins.A, 0, gpio.Low, gpio.Low); err != nil {
		return fmt.Errorf("motor A: %w", err)
	}
	if err := m.set(m.pins.B, 0, gpio.Low, gpio.Low); err != nil {
		return fmt.Errorf("motor B: %w", err)
	}
	return nil
}

func (m *Motor) set(c Channel, duty gpio.Duty, in1, in2 gpio.Level) error {
	if err := c.IN1.Out(in1); err != nil {
		return fmt.Errorf("%s: %w", c.IN1, err)
	}
	if err := c.IN2.Out(in2); err != nil {
		return fmt.Errorf("%s: %w", c.IN2, err)
	}
	if err := c.PWM.PWM(duty, m.opts.PWMFrequency); err != nil {
		return fmt.Errorf("%s: %w", c.PWM, err)
	}
	return nil
}

func (m *Motor) buttonPressed() bool {
	l := m.pins.Button.Read()
	if m.opts.ButtonActiveLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

// Toggles returns how many button presses changed direction.
func (m *Motor) Toggles() uint64 { return m.toggles.Load() }
