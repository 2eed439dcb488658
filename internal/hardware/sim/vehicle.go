package sim

import (
	"context"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// VehicleOptions shapes the simulated drive.
type VehicleOptions struct {
	Width, Height int

	StartCM    float64       // initial distance to the obstacle ahead
	MaxSpeedCM float64       // cm/s at full duty
	PressEvery time.Duration // press the button this often; 0 never
	PressFor   time.Duration // how long each press is held
	Tick       time.Duration // physics step
}

func (o *VehicleOptions) defaults() {
	if o.StartCM <= 0 {
		o.StartCM = 60
	}
	if o.MaxSpeedCM <= 0 {
		o.MaxSpeedCM = 40
	}
	if o.PressFor <= 0 {
		o.PressFor = 250 * time.Millisecond
	}
	if o.Tick <= 0 {
		o.Tick = 10 * time.Millisecond
	}
}

// Vehicle is a closed-loop model: the motor pins move the vehicle, the
// vehicle position sets the ultrasonic distance, a scripted driver presses
// the direction button.
type Vehicle struct {
	PWMA, IN1A, IN2A *gpiotest.Pin
	PWMB, IN1B, IN2B *gpiotest.Pin
	Standby, Button  *gpiotest.Pin
	Sensor           *Ultrasonic
	Frames           *FrameSource
	Display          *Display

	opts   VehicleOptions
	logger *slog.Logger
}

// NewVehicle builds the simulated hardware with periph-style pin names.
func NewVehicle(opts VehicleOptions, logger *slog.Logger) *Vehicle {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := func(name string) *gpiotest.Pin { return &gpiotest.Pin{N: name} }

	return &Vehicle{
		PWMA: p("SIM_PWM_A"), IN1A: p("SIM_IN1_A"), IN2A: p("SIM_IN2_A"),
		PWMB: p("SIM_PWM_B"), IN1B: p("SIM_IN1_B"), IN2B: p("SIM_IN2_B"),
		Standby: p("SIM_STBY"), Button: p("SIM_BUTTON"),
		Sensor:  NewUltrasonic("SIM_TRIG", "SIM_ECHO", opts.StartCM),
		Frames:  NewFrameSource(opts.Width, opts.Height),
		Display: NewDisplay(),
		opts:    opts,
		logger:  logger.With("component", "sim-vehicle"),
	}
}

// velocity returns the signed speed in cm/s; positive moves toward the
// obstacle.
func (v *Vehicle) velocity() float64 {
	if v.Standby.Read() != gpio.High {
		return 0
	}

	v.PWMA.Lock()
	duty := v.PWMA.D
	v.PWMA.Unlock()
	in1, in2 := v.IN1A.Read(), v.IN2A.Read()

	speed := v.opts.MaxSpeedCM * float64(duty) / float64(gpio.DutyMax)
	switch {
	case in1 == gpio.High && in2 == gpio.Low:
		return speed
	case in1 == gpio.Low && in2 == gpio.High:
		return -speed
	default:
		return 0
	}
}

// Step advances the model by dt.
func (v *Vehicle) Step(dt time.Duration) {
	d := v.Sensor.Distance()
	if d < 0 {
		return
	}
	d -= v.velocity() * dt.Seconds()
	if d < 1 {
		d = 1
	}
	if d > 300 {
		d = 300
	}
	v.Sensor.SetDistance(d)
}

// Run steps the model and presses the button until ctx is done.
func (v *Vehicle) Run(ctx context.Context) {
	tick := time.NewTicker(v.opts.Tick)
	defer tick.Stop()

	var press <-chan time.Time
	if v.opts.PressEvery > 0 {
		t := time.NewTicker(v.opts.PressEvery)
		defer t.Stop()
		press = t.C
	}
	var release <-chan time.Time

	v.logger.Info("simulated vehicle running", "start_cm", v.opts.StartCM, "press_every", v.opts.PressEvery)
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			v.Step(now.Sub(last))
			last = now
		case <-press:
			_ = v.Button.Out(gpio.High)
			release = time.After(v.opts.PressFor)
			v.logger.Debug("button pressed", "distance_cm", v.Sensor.Distance())
		case <-release:
			_ = v.Button.Out(gpio.Low)
			release = nil
		}
	}
}
