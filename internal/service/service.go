// Package service implements the loop every periodic service thread runs:
// wait for a release, do one unit of work, measure it, report it.
//
// The loop carries no scheduling logic of its own. When it runs, at what
// priority and on which CPU is decided by whoever calls Run (see package
// schedule); how often is decided by the sequencer posting releases.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unph4914/RTES-Final-Project/internal/lifecycle"
	"github.com/unph4914/RTES-Final-Project/internal/release"
	"github.com/unph4914/RTES-Final-Project/internal/telemetry"
	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

var ErrInvalidConfig = errors.New("service: invalid configuration")

// Work is one iteration of a service's domain behaviour. Implementations
// make a single hardware call and return; they must not loop or sleep for
// longer than the service period.
type Work interface {
	Perform(ctx context.Context) error
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context) error

func (f WorkFunc) Perform(ctx context.Context) error { return f(ctx) }

// Quiescer is implemented by work that must leave hardware in a safe state
// when the service stops.
type Quiescer interface {
	Quiesce(ctx context.Context) error
}

// Config describes one service.
type Config struct {
	Name     string
	Index    int
	Priority int    // OS priority the thread is bound to, reported only
	Divisor  uint64 // released every Divisor sequencer cycles
	Work     Work

	Clock    timing.Clock       // default timing.SystemClock
	Recorder telemetry.Recorder // default telemetry.Nop
	Logger   *slog.Logger       // default slog.Default()
	RunID    string
}

// Service is the descriptor and loop of one periodic service.
type Service struct {
	name     string
	index    int
	priority int
	divisor  uint64
	runID    string

	work     Work
	clock    timing.Clock
	recorder telemetry.Recorder
	logger   *slog.Logger

	release     *release.Channel
	wcet        timing.WCET
	invocations atomic.Uint64
	failures    atomic.Uint64
	stop        lifecycle.Flag

	ready     chan struct{}
	readyOnce sync.Once
}

// New validates cfg and returns an idle service.
func New(cfg Config) (*Service, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Divisor == 0 {
		return nil, fmt.Errorf("%w: %s: divisor must be >= 1", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Work == nil {
		return nil, fmt.Errorf("%w: %s: work is required", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Clock == nil {
		cfg.Clock = timing.SystemClock{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		name:     cfg.Name,
		index:    cfg.Index,
		priority: cfg.Priority,
		divisor:  cfg.Divisor,
		runID:    cfg.RunID,
		work:     cfg.Work,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.With("service", cfg.Name),
		release:  release.New(),
		ready:    make(chan struct{}),
	}, nil
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Index() int      { return s.index }
func (s *Service) Priority() int   { return s.priority }
func (s *Service) Divisor() uint64 { return s.divisor }

// Release posts one release to the service.
func (s *Service) Release() { s.release.Post() }

// Stop raises the service stop flag. The loop notices it at the top of the
// next iteration or right after its pending wait returns, so callers that
// want a blocked service to leave must also Release it.
func (s *Service) Stop() bool { return s.stop.Set() }

// Stopped reports whether Stop has been called.
func (s *Service) Stopped() bool { return s.stop.IsSet() }

// Ready is closed once the loop has reached its first release wait.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// WCET returns the worst case observed so far.
func (s *Service) WCET() timing.Stamp { return s.wcet.Load() }

// Invocations returns the number of completed iterations.
func (s *Service) Invocations() uint64 { return s.invocations.Load() }

// Releases returns the number of releases posted, final wake-up included.
func (s *Service) Releases() uint64 { return s.release.Posted() }

// Failures returns the number of iterations whose work returned an error.
func (s *Service) Failures() uint64 { return s.failures.Load() }

// Run executes the service loop on the calling goroutine until the stop
// flag is raised, then quiesces the work if it supports it.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("service started", "priority", s.priority, "divisor", s.divisor)

	for !s.stop.IsSet() {
		s.readyOnce.Do(func() { close(s.ready) })

		s.release.Wait()
		if s.stop.IsSet() {
			break
		}

		s.iterate(ctx)
	}

	// Never reached a wait: still unblock anyone waiting on readiness.
	s.readyOnce.Do(func() { close(s.ready) })

	if q, ok := s.work.(Quiescer); ok {
		if err := q.Quiesce(ctx); err != nil {
			s.logger.Error("quiesce failed", "error", err)
			return fmt.Errorf("%s: quiesce: %w", s.name, err)
		}
	}

	s.logger.Info("service stopped",
		"invocations", s.invocations.Load(),
		"releases", s.release.Posted(),
		"wcet_ms", s.wcet.Load().Milliseconds(),
	)
	return nil
}

func (s *Service) iterate(ctx context.Context) {
	start := s.clock.Now()
	err := s.work.Perform(ctx)
	stop := s.clock.Now()

	n := s.invocations.Add(1)
	elapsed := timing.Delta(stop, start)
	changed := s.wcet.UpdateIfWorse(elapsed)

	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("service work failed", "invocation", n, "error", err)
	}

	rec := telemetry.Record{
		RunID:       s.runID,
		Service:     s.name,
		Priority:    s.priority,
		Invocation:  n,
		Release:     s.release.Consumed(),
		Timestamp:   time.Now(),
		Elapsed:     elapsed,
		ElapsedNsec: elapsed.Nanoseconds(),
	}
	rec.SetWCET(s.wcet.Load(), changed)
	s.recorder.Record(rec)
}
