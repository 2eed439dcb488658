package sequencer

import (
	"errors"
	"time"
)

var (
	// ErrInterrupted is returned by a Sleeper when the sleep ended early
	// because a signal arrived. The remaining time is returned alongside.
	ErrInterrupted = errors.New("sequencer: sleep interrupted")

	// ErrTimingLost means the base period could no longer be timed and the
	// sequencer shut the schedule down.
	ErrTimingLost = errors.New("sequencer: timing lost")
)

// Sleeper suspends the calling thread for d. On interruption it returns the
// unslept remainder together with ErrInterrupted; any other error is fatal
// to the sequencer.
type Sleeper interface {
	Sleep(d time.Duration) (remaining time.Duration, err error)
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(d time.Duration) (time.Duration, error)

func (f SleeperFunc) Sleep(d time.Duration) (time.Duration, error) { return f(d) }

// TimerSleeper sleeps on the Go runtime timer. It is never interrupted.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(d time.Duration) (time.Duration, error) {
	time.Sleep(d)
	return 0, nil
}
