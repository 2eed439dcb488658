// Package config loads and validates the parkingd YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Service names the schedule knows how to build.
const (
	ServiceCamera = "camera"
	ServiceMotor  = "motor"
	ServiceSensor = "sensor"
)

// Config is the complete parkingd configuration.
type Config struct {
	InstanceID string          `yaml:"instance_id"`
	Log        LogConfig       `yaml:"log"`
	Realtime   RealtimeConfig  `yaml:"realtime"`
	Sequencer  SequencerConfig `yaml:"sequencer"`
	Services   []ServiceConfig `yaml:"services"`
	Hardware   HardwareConfig  `yaml:"hardware"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RealtimeConfig controls thread scheduling.
type RealtimeConfig struct {
	Enabled     bool          `yaml:"enabled"`      // false runs without RT binding
	Policy      string        `yaml:"policy"`       // fifo only
	CPUs        []int         `yaml:"cpus"`         // every thread is pinned here
	SettleDelay time.Duration `yaml:"settle_delay"` // wait between services ready and sequencer start
}

// SequencerConfig sets the base period.
type SequencerConfig struct {
	BaseFrequencyHz int `yaml:"base_frequency_hz"`
	MaxSleepRetries int `yaml:"max_sleep_retries"`
}

// ServiceConfig declares one periodic service. Either FrequencyHz or
// Divisor must be set; PriorityOffset is the distance below the
// sequencer's priority.
type ServiceConfig struct {
	Name           string `yaml:"name"`
	FrequencyHz    int    `yaml:"frequency_hz,omitempty"`
	Divisor        int    `yaml:"divisor,omitempty"`
	PriorityOffset int    `yaml:"priority_offset,omitempty"`
}

// HardwareConfig holds the collaborators the services drive.
type HardwareConfig struct {
	Simulate   bool             `yaml:"simulate"`
	Camera     CameraConfig     `yaml:"camera"`
	Motor      MotorConfig      `yaml:"motor"`
	Ultrasonic UltrasonicConfig `yaml:"ultrasonic"`
}

// CameraConfig configures the rear camera pipeline.
type CameraConfig struct {
	Device  string `yaml:"device"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Display bool   `yaml:"display"`
}

// MotorConfig maps the H-bridge and button to GPIO names understood by
// periph (e.g. "GPIO18").
type MotorConfig struct {
	PWMA            string        `yaml:"pwm_a"`
	IN1A            string        `yaml:"in1_a"`
	IN2A            string        `yaml:"in2_a"`
	PWMB            string        `yaml:"pwm_b"`
	IN1B            string        `yaml:"in1_b"`
	IN2B            string        `yaml:"in2_b"`
	Standby         string        `yaml:"standby"`
	Button          string        `yaml:"button"`
	ButtonActiveLow bool          `yaml:"button_active_low"`
	PWMFrequencyHz  int           `yaml:"pwm_frequency_hz"`
	Speed           float64       `yaml:"speed"` // duty cycle, 0 < speed <= 1
	StopDelay       time.Duration `yaml:"stop_delay"`
}

// UltrasonicConfig configures the front range finder.
type UltrasonicConfig struct {
	TriggerPin  string        `yaml:"trigger_pin"`
	EchoPin     string        `yaml:"echo_pin"`
	ThresholdCM float64       `yaml:"threshold_cm"`
	EchoTimeout time.Duration `yaml:"echo_timeout"`
}

// TelemetryConfig configures where timing records go besides the log.
type TelemetryConfig struct {
	MQTT     MQTTConfig `yaml:"mqtt"`
	HTTPAddr string     `yaml:"http_addr"` // empty disables the health server
}

// MQTTConfig configures the MQTT recorder. An empty broker disables it.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
	QueueSize int    `yaml:"queue_size"`
}

// Default returns the reference configuration: 120 Hz base, camera at
// 15 Hz, motor at 8 Hz, sensor at 6 Hz, everything pinned to core 0.
func Default() *Config {
	return &Config{
		InstanceID: "pi-parking",
		Log:        LogConfig{Level: "info", Format: "json"},
		Realtime: RealtimeConfig{
			Enabled:     true,
			Policy:      "fifo",
			CPUs:        []int{0},
			SettleDelay: time.Second,
		},
		Sequencer: SequencerConfig{
			BaseFrequencyHz: 120,
			MaxSleepRetries: 100,
		},
		Services: []ServiceConfig{
			{Name: ServiceCamera, FrequencyHz: 15},
			{Name: ServiceMotor, FrequencyHz: 8},
			{Name: ServiceSensor, FrequencyHz: 6},
		},
		Hardware: HardwareConfig{
			Camera: CameraConfig{
				Device:  "/dev/video0",
				Width:   640,
				Height:  480,
				Display: true,
			},
			Motor: MotorConfig{
				PWMA:           "GPIO18",
				IN1A:           "GPIO23",
				IN2A:           "GPIO24",
				PWMB:           "GPIO13",
				IN1B:           "GPIO22",
				IN2B:           "GPIO27",
				Standby:        "GPIO25",
				Button:         "GPIO4",
				PWMFrequencyHz: 1000,
				Speed:          0.5,
				StopDelay:      500 * time.Millisecond,
			},
			Ultrasonic: UltrasonicConfig{
				TriggerPin:  "GPIO14",
				EchoPin:     "GPIO15",
				ThresholdCM: 7,
				EchoTimeout: 30 * time.Millisecond,
			},
		},
		Telemetry: TelemetryConfig{
			MQTT: MQTTConfig{
				Topic:     "parking/timing",
				QueueSize: 256,
			},
			HTTPAddr: ":8080",
		},
	}
}

// Override adjusts a decoded configuration before it is validated.
type Override func(*Config)

// Load reads path over the defaults, applies overrides, then validates.
// Validation fills in derived fields (service divisors and priority
// offsets).
func Load(path string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, overrides...)
}

// Parse decodes YAML over the defaults, applies overrides and validates
// the result.
func Parse(data []byte, overrides ...Override) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(cfg, overrides)
}

// Resolve validates the defaults with overrides applied.
func Resolve(overrides ...Override) (*Config, error) {
	return finish(Default(), overrides)
}

func finish(cfg *Config, overrides []Override) (*Config, error) {
	for _, o := range overrides {
		o(cfg)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// BasePeriod returns the sequencer period.
func (c *Config) BasePeriod() time.Duration {
	return time.Second / time.Duration(c.Sequencer.BaseFrequencyHz)
}

// Service returns the named service, if configured.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
