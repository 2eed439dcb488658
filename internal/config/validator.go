package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/unph4914/RTES-Final-Project/internal/rtsched"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var knownServices = map[string]bool{
	ServiceCamera: true,
	ServiceMotor:  true,
	ServiceSensor: true,
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks cfg and fills in derived service fields.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return invalid("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be one of debug, info, warn, error; got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format must be json or text; got %q", cfg.Log.Format)
	}

	if err := validateRealtime(&cfg.Realtime); err != nil {
		return err
	}

	if cfg.Sequencer.BaseFrequencyHz <= 0 {
		return invalid("sequencer.base_frequency_hz must be > 0")
	}
	if cfg.Sequencer.MaxSleepRetries <= 0 {
		cfg.Sequencer.MaxSleepRetries = 100
	}

	if err := ValidateServices(cfg.Sequencer.BaseFrequencyHz, cfg.Services); err != nil {
		return err
	}

	if err := validateHardware(&cfg.Hardware); err != nil {
		return err
	}

	if cfg.Telemetry.MQTT.Broker != "" {
		if cfg.Telemetry.MQTT.Topic == "" {
			cfg.Telemetry.MQTT.Topic = fmt.Sprintf("parking/%s/timing", cfg.InstanceID)
		}
		if cfg.Telemetry.MQTT.QoS > 2 {
			return invalid("telemetry.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Telemetry.MQTT.QueueSize <= 0 {
		cfg.Telemetry.MQTT.QueueSize = 256
	}

	return nil
}

func validateRealtime(rt *RealtimeConfig) error {
	p, err := rtsched.ParsePolicy(rt.Policy)
	if err != nil {
		return invalid("realtime.policy: %v", err)
	}
	if p != rtsched.FIFO {
		return invalid("realtime.policy must be fifo, got %s", p)
	}
	if len(rt.CPUs) == 0 {
		return invalid("realtime.cpus must list at least one cpu")
	}
	for _, c := range rt.CPUs {
		if c < 0 {
			return invalid("realtime.cpus: negative cpu %d", c)
		}
	}
	if rt.SettleDelay < 0 {
		return invalid("realtime.settle_delay must be >= 0")
	}
	return nil
}

// ValidateServices resolves each service's divisor from its frequency and
// assigns or checks priority offsets.
//
// A frequency must divide the base frequency exactly; a service can only
// be released on whole sequencer cycles. Offsets are rate monotonic: a
// service released more often never sits below one released less often.
func ValidateServices(baseHz int, services []ServiceConfig) error {
	if len(services) == 0 {
		return invalid("at least one service is required")
	}

	seen := make(map[string]bool, len(services))
	withOffset := 0
	for i := range services {
		s := &services[i]
		if s.Name == "" {
			return invalid("services[%d]: name is required", i)
		}
		if !knownServices[s.Name] {
			return invalid("services[%d]: unknown service %q (want camera, motor or sensor)", i, s.Name)
		}
		if seen[s.Name] {
			return invalid("services[%d]: duplicate service %q", i, s.Name)
		}
		seen[s.Name] = true

		if err := resolveDivisor(baseHz, s); err != nil {
			return invalid("services[%d] %s: %v", i, s.Name, err)
		}

		if s.PriorityOffset < 0 {
			return invalid("services[%d] %s: priority_offset must be >= 1", i, s.Name)
		}
		if s.PriorityOffset > 0 {
			withOffset++
		}
	}

	switch withOffset {
	case 0:
		assignRateMonotonic(services)
		return nil
	case len(services):
		return checkOffsets(services)
	default:
		return invalid("set priority_offset for all services or for none")
	}
}

func resolveDivisor(baseHz int, s *ServiceConfig) error {
	if s.FrequencyHz < 0 || s.Divisor < 0 {
		return fmt.Errorf("frequency_hz and divisor must be positive")
	}

	if s.FrequencyHz > 0 {
		if s.FrequencyHz > baseHz {
			return fmt.Errorf("frequency_hz %d exceeds base frequency %d", s.FrequencyHz, baseHz)
		}
		if baseHz%s.FrequencyHz != 0 {
			return fmt.Errorf("frequency_hz %d does not divide base frequency %d", s.FrequencyHz, baseHz)
		}
		d := baseHz / s.FrequencyHz
		if s.Divisor != 0 && s.Divisor != d {
			return fmt.Errorf("divisor %d disagrees with frequency_hz %d (want %d)", s.Divisor, s.FrequencyHz, d)
		}
		s.Divisor = d
		return nil
	}

	if s.Divisor == 0 {
		return fmt.Errorf("frequency_hz or divisor is required")
	}
	if baseHz%s.Divisor == 0 {
		s.FrequencyHz = baseHz / s.Divisor
	}
	return nil
}

// assignRateMonotonic gives offsets 1..n by ascending divisor, keeping
// declaration order for equal rates.
func assignRateMonotonic(services []ServiceConfig) {
	order := make([]int, len(services))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return services[order[a]].Divisor < services[order[b]].Divisor
	})
	for rank, i := range order {
		services[i].PriorityOffset = rank + 1
	}
}

func checkOffsets(services []ServiceConfig) error {
	byOffset := make(map[int]string, len(services))
	for _, s := range services {
		if other, dup := byOffset[s.PriorityOffset]; dup {
			return invalid("services %s and %s share priority_offset %d", other, s.Name, s.PriorityOffset)
		}
		byOffset[s.PriorityOffset] = s.Name
	}

	for _, a := range services {
		for _, b := range services {
			if a.Divisor < b.Divisor && a.PriorityOffset > b.PriorityOffset {
				return invalid("priority_offset of %s (%d) must be below %s (%d): it runs more often",
					a.Name, a.PriorityOffset, b.Name, b.PriorityOffset)
			}
		}
	}
	return nil
}

func validateHardware(hw *HardwareConfig) error {
	cam := hw.Camera
	if cam.Width <= 0 || cam.Height <= 0 {
		return invalid("hardware.camera: width and height must be > 0")
	}

	m := hw.Motor
	if m.Speed <= 0 || m.Speed > 1 {
		return invalid("hardware.motor.speed must be in (0, 1], got %v", m.Speed)
	}
	if m.StopDelay < 0 {
		return invalid("hardware.motor.stop_delay must be >= 0")
	}
	if m.PWMFrequencyHz <= 0 {
		return invalid("hardware.motor.pwm_frequency_hz must be > 0")
	}

	u := hw.Ultrasonic
	if u.ThresholdCM <= 0 {
		return invalid("hardware.ultrasonic.threshold_cm must be > 0")
	}
	if u.EchoTimeout <= 0 {
		return invalid("hardware.ultrasonic.echo_timeout must be > 0")
	}

	if hw.Simulate {
		return nil
	}

	if cam.Device == "" {
		return invalid("hardware.camera.device is required")
	}
	pins := map[string]string{
		"motor.pwm_a": m.PWMA, "motor.in1_a": m.IN1A, "motor.in2_a": m.IN2A,
		"motor.pwm_b": m.PWMB, "motor.in1_b": m.IN1B, "motor.in2_b": m.IN2B,
		"motor.standby": m.Standby, "motor.button": m.Button,
		"ultrasonic.trigger_pin": u.TriggerPin, "ultrasonic.echo_pin": u.EchoPin,
	}
	names := make([]string, 0, len(pins))
	for k := range pins {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if pins[k] == "" {
			return invalid("hardware.%s is required", k)
		}
	}
	return nil
}
