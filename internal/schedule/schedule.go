// Package schedule binds the sequencer and the services into one
// fixed-priority schedule.
//
// Every thread runs the same policy on the same CPU set. The sequencer
// gets the highest priority of the policy, each service sits
// PriorityOffset levels below it. Services start first; the sequencer
// starts once every service is parked on its release channel and the
// settle delay has passed.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unph4914/RTES-Final-Project/internal/lifecycle"
	"github.com/unph4914/RTES-Final-Project/internal/rtsched"
	"github.com/unph4914/RTES-Final-Project/internal/sequencer"
	"github.com/unph4914/RTES-Final-Project/internal/service"
	"github.com/unph4914/RTES-Final-Project/internal/telemetry"
	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

// ServiceSpec declares one service of the schedule.
type ServiceSpec struct {
	Name           string
	Divisor        uint64
	PriorityOffset int
	Work           service.Work
}

// Config describes the whole schedule.
type Config struct {
	BasePeriod  time.Duration
	MaxRetries  int
	MaxCycles   uint64 // 0 runs until stopped
	Policy      rtsched.Policy
	CPUs        []int
	SettleDelay time.Duration
	Services    []ServiceSpec

	Binder   rtsched.Binder     // default rtsched.Nop
	Sleeper  sequencer.Sleeper  // default sequencer.DefaultSleeper()
	Clock    timing.Clock       // default timing.SystemClock
	Recorder telemetry.Recorder // service records
	Observer sequencer.Observer // sequencer events
	Logger   *slog.Logger
	RunID    string

	// OnRunning is called from the sequencer thread once it is bound,
	// right before the first cycle.
	OnRunning func()
}

// Schedule owns the services and the sequencer.
type Schedule struct {
	cfg      Config
	stop     *lifecycle.Flag
	services []*service.Service
	specs    []rtsched.ThreadSpec
	seq      *sequencer.Sequencer
	seqSpec  rtsched.ThreadSpec
	minPrio  int
	maxPrio  int
	logger   *slog.Logger
}

// New resolves priorities and builds every service and the sequencer.
// stop is the global stop flag; raising it shuts the schedule down.
func New(cfg Config, stop *lifecycle.Flag) (*Schedule, error) {
	if cfg.Binder == nil {
		cfg.Binder = rtsched.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Services) == 0 {
		return nil, errors.New("schedule: no services")
	}

	lo, hi, err := cfg.Binder.PriorityRange(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("schedule: priority range: %w", err)
	}

	s := &Schedule{
		cfg:     cfg,
		stop:    stop,
		minPrio: lo,
		maxPrio: hi,
		logger:  cfg.Logger.With("component", "schedule"),
		seqSpec: rtsched.ThreadSpec{Policy: cfg.Policy, Priority: hi, CPUs: cfg.CPUs},
	}

	targets := make([]sequencer.Target, 0, len(cfg.Services))
	seen := make(map[int]string, len(cfg.Services))
	for i, spec := range cfg.Services {
		if spec.PriorityOffset < 1 {
			return nil, fmt.Errorf("schedule: %s: priority offset must be >= 1", spec.Name)
		}
		if other, dup := seen[spec.PriorityOffset]; dup {
			return nil, fmt.Errorf("schedule: %s and %s share priority offset %d", other, spec.Name, spec.PriorityOffset)
		}
		seen[spec.PriorityOffset] = spec.Name

		prio := hi - spec.PriorityOffset
		if prio < lo {
			return nil, fmt.Errorf("schedule: %s: priority %d below %s minimum %d", spec.Name, prio, cfg.Policy, lo)
		}

		svc, err := service.New(service.Config{
			Name:     spec.Name,
			Index:    i,
			Priority: prio,
			Divisor:  spec.Divisor,
			Work:     spec.Work,
			Clock:    cfg.Clock,
			Recorder: cfg.Recorder,
			Logger:   cfg.Logger,
			RunID:    cfg.RunID,
		})
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		s.services = append(s.services, svc)
		s.specs = append(s.specs, rtsched.ThreadSpec{Policy: cfg.Policy, Priority: prio, CPUs: cfg.CPUs})
		targets = append(targets, svc)
	}

	seq, err := sequencer.New(sequencer.Config{
		Period:     cfg.BasePeriod,
		MaxRetries: cfg.MaxRetries,
		MaxCycles:  cfg.MaxCycles,
		Targets:    targets,
		Stop:       stop,
		Sleeper:    cfg.Sleeper,
		Clock:      cfg.Clock,
		Observer:   cfg.Observer,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	s.seq = seq
	return s, nil
}

// Services returns the services in declaration order.
func (s *Schedule) Services() []*service.Service { return s.services }

// Sequencer returns the sequencer.
func (s *Schedule) Sequencer() *sequencer.Sequencer { return s.seq }

// SequencerSpec returns the sequencer thread's scheduling.
func (s *Schedule) SequencerSpec() rtsched.ThreadSpec { return s.seqSpec }

// Run starts every thread and blocks until all of them have exited. It
// returns the first fatal error: a binding failure, a lost base period
// or a failed quiesce.
func (s *Schedule) Run(ctx context.Context) error {
	s.logBanner()

	g, gctx := errgroup.WithContext(ctx)

	for i, svc := range s.services {
		svc, spec := svc, s.specs[i]
		g.Go(func() error {
			if err := rtsched.LockAndBind(s.cfg.Binder, spec); err != nil {
				s.logger.Error("failed to bind service thread", "service", svc.Name(), "error", err)
				return fmt.Errorf("%s: %w", svc.Name(), err)
			}
			return svc.Run(gctx)
		})
	}

	for _, svc := range s.services {
		select {
		case <-svc.Ready():
		case <-gctx.Done():
			s.abort()
			return g.Wait()
		}
	}
	s.logger.Info("all services waiting for release", "settle_delay", s.cfg.SettleDelay)

	if s.cfg.SettleDelay > 0 {
		t := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-gctx.Done():
			t.Stop()
			s.abort()
			return g.Wait()
		}
	}

	g.Go(func() error {
		if err := rtsched.LockAndBind(s.cfg.Binder, s.seqSpec); err != nil {
			s.logger.Error("failed to bind sequencer thread", "error", err)
			s.abort()
			return fmt.Errorf("sequencer: %w", err)
		}
		if s.cfg.OnRunning != nil {
			s.cfg.OnRunning()
		}
		return s.seq.Run(gctx)
	})

	err := g.Wait()
	s.logSummary()
	return err
}

// abort stops every service without the sequencer.
func (s *Schedule) abort() {
	s.stop.Set()
	for _, svc := range s.services {
		svc.Stop()
	}
	for _, svc := range s.services {
		svc.Release()
	}
}

func (s *Schedule) logBanner() {
	s.logger.Info("schedule configured",
		"policy", s.cfg.Policy.String(),
		"cpus", s.cfg.CPUs,
		"priority_max", s.maxPrio,
		"priority_min", s.minPrio,
		"base_period", s.cfg.BasePeriod,
		"sequencer_priority", s.seqSpec.Priority,
	)
	for _, svc := range s.services {
		rate := time.Duration(svc.Divisor()) * s.cfg.BasePeriod
		s.logger.Info("service scheduled",
			"service", svc.Name(),
			"priority", svc.Priority(),
			"divisor", svc.Divisor(),
			"period", rate,
		)
	}
}

func (s *Schedule) logSummary() {
	for _, svc := range s.services {
		s.logger.Info("service summary",
			"service", svc.Name(),
			"invocations", svc.Invocations(),
			"releases", svc.Releases(),
			"failures", svc.Failures(),
			"wcet", svc.WCET().String(),
		)
	}
}
