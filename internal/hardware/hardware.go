// Package hardware opens the devices behind the three services, either the
// real ones on the Raspberry Pi or the simulated vehicle.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/unph4914/RTES-Final-Project/internal/config"
	"github.com/unph4914/RTES-Final-Project/internal/hardware/camera"
	"github.com/unph4914/RTES-Final-Project/internal/hardware/motor"
	"github.com/unph4914/RTES-Final-Project/internal/hardware/sim"
	"github.com/unph4914/RTES-Final-Project/internal/hardware/ultrasonic"
	"github.com/unph4914/RTES-Final-Project/internal/service"
	"github.com/unph4914/RTES-Final-Project/internal/shared"
)

// simulatedPressEvery is how often the scripted driver flips direction.
const simulatedPressEvery = 6 * time.Second

// Set holds the opened devices.
type Set struct {
	Camera *camera.Camera
	Motor  *motor.Motor
	Sensor *ultrasonic.Sensor

	// Vehicle is non-nil when simulating.
	Vehicle *sim.Vehicle

	closers []func() error
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// Open initialises every device. Any failure is fatal and releases what
// was already opened.
func Open(cfg config.HardwareConfig, state *shared.State, logger *slog.Logger) (set *Set, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	set = &Set{logger: logger.With("component", "hardware")}
	defer func() {
		if err != nil {
			_ = set.Close()
			set = nil
		}
	}()

	if cfg.Simulate {
		err = set.openSimulated(cfg, state, logger)
	} else {
		err = set.openDevices(cfg, state, logger)
	}
	return set, err
}

func (s *Set) openSimulated(cfg config.HardwareConfig, state *shared.State, logger *slog.Logger) error {
	v := sim.NewVehicle(sim.VehicleOptions{
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		PressEvery: simulatedPressEvery,
	}, logger)
	s.Vehicle = v

	m, err := motor.New(motor.Pins{
		A:       motor.Channel{PWM: v.PWMA, IN1: v.IN1A, IN2: v.IN2A},
		B:       motor.Channel{PWM: v.PWMB, IN1: v.IN1B, IN2: v.IN2B},
		Standby: v.Standby,
		Button:  v.Button,
	}, motorOptions(cfg.Motor), state, logger)
	if err != nil {
		return err
	}
	s.Motor = m

	u, err := ultrasonic.New(v.Sensor.Trigger, v.Sensor.Echo, sensorOptions(cfg.Ultrasonic), state, logger)
	if err != nil {
		return err
	}
	s.Sensor = u

	s.Camera = camera.New(v.Frames, v.Display, state, cfg.Camera.Width, cfg.Camera.Height, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go v.Run(ctx)

	s.logger.Info("simulated hardware opened")
	return nil
}

func (s *Set) openDevices(cfg config.HardwareConfig, state *shared.State, logger *slog.Logger) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("hardware: periph host init: %w", err)
	}

	mc := cfg.Motor
	pins := motor.Pins{}
	lookups := []struct {
		name string
		dst  *gpio.PinOut
	}{
		{mc.PWMA, &pins.A.PWM}, {mc.IN1A, &pins.A.IN1}, {mc.IN2A, &pins.A.IN2},
		{mc.PWMB, &pins.B.PWM}, {mc.IN1B, &pins.B.IN1}, {mc.IN2B, &pins.B.IN2},
		{mc.Standby, &pins.Standby},
	}
	for _, l := range lookups {
		p, err := lookupPin(l.name)
		if err != nil {
			return err
		}
		*l.dst = p
	}
	button, err := lookupPin(mc.Button)
	if err != nil {
		return err
	}
	pins.Button = button

	m, err := motor.New(pins, motorOptions(mc), state, logger)
	if err != nil {
		return err
	}
	s.Motor = m
	s.closers = append(s.closers, m.Stop)

	uc := cfg.Ultrasonic
	trig, err := lookupPin(uc.TriggerPin)
	if err != nil {
		return err
	}
	echo, err := lookupPin(uc.EchoPin)
	if err != nil {
		return err
	}
	u, err := ultrasonic.New(trig, echo, sensorOptions(uc), state, logger)
	if err != nil {
		return err
	}
	s.Sensor = u

	cc := cfg.Camera
	src, err := camera.NewGstSource(camera.CaptureConfig{Device: cc.Device, Width: cc.Width, Height: cc.Height}, logger)
	if err != nil {
		return fmt.Errorf("hardware: %w", err)
	}
	s.closers = append(s.closers, src.Close)

	var disp camera.Display = discardDisplay{}
	if cc.Display {
		d, err := camera.NewGstDisplay(cc.Width, cc.Height)
		if err != nil {
			return fmt.Errorf("hardware: %w", err)
		}
		s.closers = append(s.closers, d.Close)
		disp = d
	}
	s.Camera = camera.New(src, disp, state, cc.Width, cc.Height, logger)

	s.logger.Info("hardware opened", "camera", cc.Device, "display", cc.Display)
	return nil
}

// Works maps each configured service name to its work.
func (s *Set) Works() map[string]service.Work {
	return map[string]service.Work{
		config.ServiceCamera: s.Camera,
		config.ServiceMotor:  s.Motor,
		config.ServiceSensor: s.Sensor,
	}
}

// Close releases devices in reverse order of opening.
func (s *Set) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func lookupPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hardware: gpio %q not found", name)
	}
	return p, nil
}

func motorOptions(mc config.MotorConfig) motor.Options {
	return motor.Options{
		Speed:           mc.Speed,
		PWMFrequency:    physic.Frequency(mc.PWMFrequencyHz) * physic.Hertz,
		StopDelay:       mc.StopDelay,
		ButtonActiveLow: mc.ButtonActiveLow,
	}
}

func sensorOptions(uc config.UltrasonicConfig) ultrasonic.Options {
	return ultrasonic.Options{
		ThresholdCM: uc.ThresholdCM,
		EchoTimeout: uc.EchoTimeout,
	}
}

type discardDisplay struct{}

func (discardDisplay) Show(camera.Frame) error { return nil }
