// Package ultrasonic measures the distance to the nearest object in front
// of the vehicle with an HC-SR04 style trigger/echo sensor and raises the
// shared obstacle flag when it is too close.
package ultrasonic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/unph4914/RTES-Final-Project/internal/shared"
)

// ErrEchoTimeout is returned when the echo pin does not change level in
// time; usually nothing is in range or the sensor is unplugged.
var ErrEchoTimeout = errors.New("ultrasonic: echo timeout")

const (
	triggerPulse = 10 * time.Microsecond

	// usPerCM is the round trip time of sound per centimetre of distance.
	usPerCM = 58
)

// Options tunes the sensor.
type Options struct {
	ThresholdCM float64       // closer than this is an obstacle
	EchoTimeout time.Duration // bound on each echo edge wait
}

// Sensor is the ultrasonic service's Work.
type Sensor struct {
	trigger gpio.PinOut
	echo    gpio.PinIn
	opts    Options
	state   *shared.State
	logger  *slog.Logger

	lastMilliCM atomic.Int64
	timeouts    atomic.Uint64
}

// New configures the pins and leaves the trigger low.
func New(trigger gpio.PinOut, echo gpio.PinIn, opts Options, state *shared.State, logger *slog.Logger) (*Sensor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ThresholdCM <= 0 {
		return nil, fmt.Errorf("ultrasonic: threshold must be > 0, got %v", opts.ThresholdCM)
	}
	if opts.EchoTimeout <= 0 {
		opts.EchoTimeout = 30 * time.Millisecond
	}

	if err := echo.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("ultrasonic: echo %s: %w", echo, err)
	}
	if err := trigger.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("ultrasonic: trigger %s: %w", trigger, err)
	}

	s := &Sensor{
		trigger: trigger,
		echo:    echo,
		opts:    opts,
		state:   state,
		logger:  logger.With("component", "ultrasonic"),
	}
	s.lastMilliCM.Store(-1)
	return s, nil
}

// Perform takes one reading while driving forward and updates the
// obstacle flag. While reversing the flag is left as it is.
func (s *Sensor) Perform(context.Context) error {
	if s.state.Direction() != shared.Forward {
		return nil
	}

	cm, err := s.Measure()
	if err != nil {
		return err
	}

	obstacle := cm < s.opts.ThresholdCM
	changed := s.state.SetObstacle(obstacle)
	switch {
	case obstacle:
		s.logger.Info("obstacle detected", "distance_cm", cm, "threshold_cm", s.opts.ThresholdCM)
	case changed:
		s.logger.Info("path clear", "distance_cm", cm)
	}
	return nil
}

// Measure fires one trigger pulse and converts the echo width to cm.
func (s *Sensor) Measure() (float64, error) {
	if err := s.trigger.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("ultrasonic: trigger: %w", err)
	}
	spin(triggerPulse)
	if err := s.trigger.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("ultrasonic: trigger: %w", err)
	}

	if !s.waitLevel(gpio.High, time.Now().Add(s.opts.EchoTimeout)) {
		s.timeouts.Add(1)
		return 0, fmt.Errorf("%w: no echo start within %s", ErrEchoTimeout, s.opts.EchoTimeout)
	}
	start := time.Now()
	if !s.waitLevel(gpio.Low, start.Add(s.opts.EchoTimeout)) {
		s.timeouts.Add(1)
		return 0, fmt.Errorf("%w: echo still high after %s", ErrEchoTimeout, s.opts.EchoTimeout)
	}
	width := time.Since(start)

	cm := float64(width.Microseconds()) / usPerCM
	s.lastMilliCM.Store(int64(math.Round(cm * 1000)))
	return cm, nil
}

// LastDistance returns the last measured distance, or -1 before the
// first successful reading.
func (s *Sensor) LastDistance() float64 {
	v := s.lastMilliCM.Load()
	if v < 0 {
		return -1
	}
	return float64(v) / 1000
}

// Timeouts returns the number of readings that timed out.
func (s *Sensor) Timeouts() uint64 { return s.timeouts.Load() }

// waitLevel polls the echo pin until it reads l or the deadline passes.
// Edge interrupts are too coarse for microsecond pulse widths.
func (s *Sensor) waitLevel(l gpio.Level, deadline time.Time) bool {
	for s.echo.Read() != l {
		if time.Now().After(deadline) {
			return false
		}
	}
	return true
}

func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
