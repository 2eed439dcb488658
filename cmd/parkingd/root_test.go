package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/unph4914/RTES-Final-Project/internal/config"
)

const simulatedConfig = `
instance_id: test-rig
log:
  level: warn
  format: text
realtime:
  enabled: false
  policy: fifo
  cpus: [0]
  settle_delay: 10ms
hardware:
  simulate: true
  camera:
    width: 64
    height: 48
telemetry:
  http_addr: "127.0.0.1:0"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parkingd.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadConfig(rootOptions{simulate: true, noRealtime: true, debug: true})
	assert.NilError(t, err)

	assert.Check(t, cfg.Hardware.Simulate)
	assert.Check(t, !cfg.Realtime.Enabled)
	assert.Check(t, is.Equal(cfg.Log.Level, "debug"))

	camera, ok := cfg.Service("camera")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(camera.Divisor, 8))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(rootOptions{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestCheckCommandPrintsResolvedSchedule(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--config", writeConfig(t, simulatedConfig)})

	assert.NilError(t, cmd.Execute())

	assert.Check(t, is.Contains(out.String(), "base period: 8.333333ms (120 Hz)"))
	assert.Check(t, is.Contains(out.String(), "camera    15 Hz  divisor 8   priority max-1"))
	assert.Check(t, is.Contains(out.String(), "sensor     6 Hz  divisor 20  priority max-3"))
	assert.Check(t, is.Contains(out.String(), "instance_id: test-rig"))
}

func TestCheckCommandRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"check", "--config", writeConfig(t, "sequencer:\n  base_frequency_hz: 100\n")})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(configLog("warn", "text"), &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.Check(t, !bytes.Contains(buf.Bytes(), []byte("hidden")))
	assert.Check(t, bytes.Contains(buf.Bytes(), []byte("level=WARN msg=shown")))

	buf.Reset()
	newLogger(configLog("bogus", "json"), &buf).Info("fallback")
	assert.Check(t, bytes.Contains(buf.Bytes(), []byte(`"msg":"fallback"`)))
}

func TestRunSimulatedSchedule(t *testing.T) {
	logOutput = io.Discard
	t.Cleanup(func() { logOutput = os.Stdout })

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", writeConfig(t, simulatedConfig), "--cycles", "60"})

	assert.NilError(t, cmd.ExecuteContext(context.Background()))
}

func configLog(level, format string) config.LogConfig {
	return config.LogConfig{Level: level, Format: format}
}

func TestSimulateFlagCoversMissingPins(t *testing.T) {
	path := writeConfig(t, "hardware:\n  simulate: false\n  motor:\n    button: \"\"\n")

	_, err := loadConfig(rootOptions{configPath: path})
	assert.ErrorContains(t, err, "motor.button")

	cfg, err := loadConfig(rootOptions{configPath: path, simulate: true})
	assert.NilError(t, err)
	assert.Check(t, cfg.Hardware.Simulate)
}
