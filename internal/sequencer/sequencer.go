// Package sequencer drives the whole schedule: it sleeps one base period,
// counts a cycle and releases every service whose divisor divides the
// cycle count.
//
// The sequencer is meant to run on the highest priority SCHED_FIFO thread.
// It is the only source of progress; services never run unless released.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unph4914/RTES-Final-Project/internal/lifecycle"
	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

// DefaultMaxRetries bounds how many sleep calls one cycle may use when
// sleeps keep being interrupted.
const DefaultMaxRetries = 100

// Target is a service the sequencer can release and stop.
type Target interface {
	Name() string
	Divisor() uint64
	Release()
	Stop() bool
}

// Observer receives sequencer events. Calls happen on the sequencer thread
// and must not block.
type Observer interface {
	Released(service string)
	CycleCompleted(cycle uint64, lateness, maxLateness time.Duration)
	SleepInterrupted(residual time.Duration)
	RetryBoundReached()
}

// Config configures a Sequencer.
type Config struct {
	Period     time.Duration // base period, 1/base frequency
	MaxRetries int           // sleep calls per cycle, default DefaultMaxRetries
	Targets    []Target
	Stop       *lifecycle.Flag // global stop flag, required

	// MaxCycles stops the sequencer after that many cycles; 0 runs until
	// the stop flag is raised.
	MaxCycles uint64

	Sleeper  Sleeper      // default DefaultSleeper()
	Clock    timing.Clock // default timing.SystemClock
	Observer Observer     // optional
	Logger   *slog.Logger // default slog.Default()
}

// Sequencer is the periodic release loop.
type Sequencer struct {
	period     time.Duration
	maxRetries int
	maxCycles  uint64
	targets    []Target
	stop       *lifecycle.Flag

	sleeper  Sleeper
	clock    timing.Clock
	observer Observer
	logger   *slog.Logger

	cycles atomic.Uint64
	stats  latencyAccumulator
}

// New validates cfg and returns a sequencer ready to Run.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("sequencer: period must be > 0, got %s", cfg.Period)
	}
	if cfg.Stop == nil {
		return nil, errors.New("sequencer: stop flag is required")
	}
	for _, t := range cfg.Targets {
		if t.Divisor() == 0 {
			return nil, fmt.Errorf("sequencer: target %s has divisor 0", t.Name())
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = DefaultSleeper()
	}
	if cfg.Clock == nil {
		cfg.Clock = timing.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sequencer{
		period:     cfg.Period,
		maxRetries: cfg.MaxRetries,
		maxCycles:  cfg.MaxCycles,
		targets:    cfg.Targets,
		stop:       cfg.Stop,
		sleeper:    cfg.Sleeper,
		clock:      cfg.Clock,
		observer:   cfg.Observer,
		logger:     cfg.Logger.With("component", "sequencer"),
	}, nil
}

// Cycles returns the number of completed cycles.
func (s *Sequencer) Cycles() uint64 { return s.cycles.Load() }

// Stats returns a snapshot of the timing statistics.
func (s *Sequencer) Stats() Stats { return s.stats.snapshot() }

// Run loops until the stop flag is raised, ctx is cancelled or MaxCycles
// is reached, then stops and wakes every target one last time.
//
// A sleep failure other than an interruption ends the loop the same way
// and Run returns an error wrapping ErrTimingLost.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Info("sequencer started",
		"period", s.period,
		"max_sleep_retries", s.maxRetries,
		"targets", len(s.targets),
	)

	var runErr error
	for {
		start := s.clock.Now()
		calls, err := s.sleepPeriod()
		if err != nil {
			s.logger.Error("base period sleep failed", "cycle", s.cycles.Load(), "error", err)
			runErr = fmt.Errorf("%w: %w", ErrTimingLost, err)
			break
		}
		slept := timing.Delta(s.clock.Now(), start).Duration()

		cycle := s.cycles.Add(1)
		for _, t := range s.targets {
			if cycle%t.Divisor() == 0 {
				t.Release()
				if s.observer != nil {
					s.observer.Released(t.Name())
				}
			}
		}

		lateness := slept - s.period
		maxLateness := s.stats.addCycle(lateness, calls)
		if s.observer != nil {
			s.observer.CycleCompleted(cycle, max(lateness, 0), maxLateness)
		}

		if s.stop.IsSet() || ctx.Err() != nil {
			break
		}
		if s.maxCycles > 0 && cycle >= s.maxCycles {
			break
		}
	}

	s.shutdown()

	st := s.Stats()
	s.logger.Info("sequencer stopped",
		"cycles", st.Cycles,
		"interruptions", st.Interruptions,
		"retry_exhaustions", st.Exhaustions,
		"lateness_max", st.LatenessMax,
		"lateness_mean", st.LatenessMean,
	)
	return runErr
}

// sleepPeriod sleeps one base period, re-sleeping only the residual after
// each interruption, for at most maxRetries calls. It returns the number
// of sleep calls made.
func (s *Sequencer) sleepPeriod() (int, error) {
	remaining := s.period
	calls := 0

	for {
		residual, err := s.sleeper.Sleep(remaining)
		calls++
		if err == nil {
			break
		}
		if !errors.Is(err, ErrInterrupted) {
			return calls, err
		}

		s.stats.addInterruption()
		if s.observer != nil {
			s.observer.SleepInterrupted(residual)
		}
		s.logger.Info("base period sleep interrupted", "residual", residual, "attempt", calls)

		if residual <= 0 {
			break
		}
		if calls >= s.maxRetries {
			s.stats.addExhaustion()
			if s.observer != nil {
				s.observer.RetryBoundReached()
			}
			s.logger.Warn("sleep retry bound reached, proceeding with cycle",
				"attempts", calls,
				"residual", residual,
			)
			break
		}
		remaining = residual
	}

	if calls > 1 {
		s.logger.Warn("sequencer looping delay", "sleep_calls", calls)
	}
	return calls, nil
}

// shutdown raises every stop flag before posting the final release, so a
// service woken by that release always sees its flag and leaves.
func (s *Sequencer) shutdown() {
	s.stop.Set()
	for _, t := range s.targets {
		t.Stop()
	}
	for _, t := range s.targets {
		t.Release()
	}
}
