package ultrasonic_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"periph.io/x/conn/v3/gpio"

	"github.com/unph4914/RTES-Final-Project/internal/hardware/sim"
	"github.com/unph4914/RTES-Final-Project/internal/hardware/ultrasonic"
	"github.com/unph4914/RTES-Final-Project/internal/shared"
)

func newSensor(t *testing.T, u *sim.Ultrasonic, state *shared.State) *ultrasonic.Sensor {
	t.Helper()
	s, err := ultrasonic.New(u.Trigger, u.Echo, ultrasonic.Options{
		ThresholdCM: 7,
		EchoTimeout: 20 * time.Millisecond,
	}, state, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NilError(t, err)
	return s
}

func TestNewConfiguresPins(t *testing.T) {
	u := sim.NewUltrasonic("GPIO14", "GPIO15", 50)
	newSensor(t, u, &shared.State{})
	assert.Equal(t, u.Trigger.Read(), gpio.Low)
	assert.Equal(t, u.Echo.Pull(), gpio.PullDown)
}

func TestNewRejectsThreshold(t *testing.T) {
	u := sim.NewUltrasonic("T", "E", 50)
	_, err := ultrasonic.New(u.Trigger, u.Echo, ultrasonic.Options{}, &shared.State{}, nil)
	assert.ErrorContains(t, err, "threshold")
}

func TestMeasureDistance(t *testing.T) {
	u := sim.NewUltrasonic("T", "E", 25)
	s := newSensor(t, u, &shared.State{})

	cm, err := s.Measure()
	assert.NilError(t, err)
	assert.Assert(t, cm > 23 && cm < 30, "measured %v cm", cm)
	assert.Assert(t, s.LastDistance() > 0)
}

func TestObstacleFlagFollowsDistance(t *testing.T) {
	u := sim.NewUltrasonic("T", "E", 3)
	state := &shared.State{}
	s := newSensor(t, u, state)
	ctx := context.Background()

	assert.NilError(t, s.Perform(ctx))
	assert.Assert(t, state.ObstacleDetected())

	u.SetDistance(40)
	assert.NilError(t, s.Perform(ctx))
	assert.Assert(t, !state.ObstacleDetected())
}

func TestNoMeasurementWhileReversing(t *testing.T) {
	u := sim.NewUltrasonic("T", "E", 3)
	state := &shared.State{}
	state.SetObstacle(true)
	state.SetDirection(shared.Reverse)
	s := newSensor(t, u, state)

	u.SetDistance(100)
	assert.NilError(t, s.Perform(context.Background()))
	assert.Assert(t, state.ObstacleDetected()) // untouched
	assert.Equal(t, s.LastDistance(), -1.0)
}

func TestEchoTimeout(t *testing.T) {
	u := sim.NewUltrasonic("T", "E", 10)
	u.SetNoEcho()
	state := &shared.State{}
	s := newSensor(t, u, state)

	err := s.Perform(context.Background())
	assert.Assert(t, errors.Is(err, ultrasonic.ErrEchoTimeout))
	assert.Equal(t, s.Timeouts(), uint64(1))
	assert.Assert(t, !state.ObstacleDetected())
}
