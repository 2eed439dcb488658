package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/unph4914/RTES-Final-Project/internal/telemetry"
	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

// steppedWork advances a fake clock by the next configured duration on
// every Perform, so elapsed times are exact.
type steppedWork struct {
	now       atomic.Int64
	durations []time.Duration
	calls     atomic.Int64
	quiesced  atomic.Bool
	err       error
}

func (w *steppedWork) Clock() timing.Clock {
	return timing.ClockFunc(func() timing.Stamp {
		return timing.FromDuration(time.Duration(w.now.Load()))
	})
}

func (w *steppedWork) Perform(context.Context) error {
	i := w.calls.Add(1) - 1
	if int(i) < len(w.durations) {
		w.now.Add(int64(w.durations[i]))
	}
	return w.err
}

func (w *steppedWork) Quiesce(context.Context) error {
	w.quiesced.Store(true)
	return nil
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []telemetry.Record
}

func (c *captureRecorder) Record(r telemetry.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *captureRecorder) all() []telemetry.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]telemetry.Record(nil), c.recs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, work *steppedWork, rec telemetry.Recorder) *Service {
	t.Helper()
	s, err := New(Config{
		Name:     "camera",
		Priority: 98,
		Divisor:  8,
		Work:     work,
		Clock:    work.Clock(),
		Recorder: rec,
		Logger:   quietLogger(),
		RunID:    "run-1",
	})
	assert.NilError(t, err)
	return s
}

func startService(t *testing.T, s *Service) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("service never became ready")
	}
	return errc
}

func waitInvocations(t *testing.T, s *Service, n uint64) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.Invocations() >= n {
			return poll.Success()
		}
		return poll.Continue("invocations=%d, want %d", s.Invocations(), n)
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(time.Millisecond))
}

func stopService(t *testing.T, s *Service, errc <-chan error) error {
	t.Helper()
	s.Stop()
	s.Release()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestNewValidates(t *testing.T) {
	work := WorkFunc(func(context.Context) error { return nil })

	_, err := New(Config{Divisor: 1, Work: work})
	assert.Assert(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Name: "motor", Work: work})
	assert.ErrorContains(t, err, "divisor")

	_, err = New(Config{Name: "motor", Divisor: 1})
	assert.ErrorContains(t, err, "work is required")
}

func TestRunTracksWCETAndRecords(t *testing.T) {
	work := &steppedWork{durations: []time.Duration{
		2 * time.Millisecond, 5 * time.Millisecond, 3 * time.Millisecond,
	}}
	rec := &captureRecorder{}
	s := newTestService(t, work, rec)
	errc := startService(t, s)

	for i := 0; i < 3; i++ {
		s.Release()
	}
	waitInvocations(t, s, 3)
	assert.NilError(t, stopService(t, s, errc))

	assert.Equal(t, s.WCET(), timing.FromDuration(5*time.Millisecond))
	assert.Equal(t, s.Invocations(), uint64(3))
	assert.Equal(t, s.Releases(), uint64(4)) // three releases plus the final wake-up
	assert.Assert(t, work.quiesced.Load())

	recs := rec.all()
	assert.Assert(t, is.Len(recs, 3))
	var changed []bool
	for i, r := range recs {
		assert.Equal(t, r.Service, "camera")
		assert.Equal(t, r.RunID, "run-1")
		assert.Equal(t, r.Invocation, uint64(i+1))
		changed = append(changed, r.WCETChanged)
	}
	assert.DeepEqual(t, changed, []bool{true, true, false})
	assert.Equal(t, recs[2].ElapsedNsec, int64(3*time.Millisecond))
	assert.Equal(t, recs[2].WCETMsec, int64(5))
}

func TestFinalReleaseDoesNotRunWork(t *testing.T) {
	work := &steppedWork{}
	s := newTestService(t, work, nil)
	errc := startService(t, s)

	assert.NilError(t, stopService(t, s, errc))
	assert.Equal(t, work.calls.Load(), int64(0))
	assert.Equal(t, s.Invocations(), uint64(0))
	assert.Assert(t, work.quiesced.Load())
}

func TestStopBeforeRun(t *testing.T) {
	work := &steppedWork{}
	s := newTestService(t, work, nil)
	s.Stop()

	assert.NilError(t, s.Run(context.Background()))
	<-s.Ready()
	assert.Equal(t, work.calls.Load(), int64(0))
}

func TestWorkErrorsAreCountedNotFatal(t *testing.T) {
	work := &steppedWork{err: errors.New("echo timeout")}
	s := newTestService(t, work, nil)
	errc := startService(t, s)

	s.Release()
	s.Release()
	waitInvocations(t, s, 2)
	assert.NilError(t, stopService(t, s, errc))

	assert.Equal(t, s.Failures(), uint64(2))
}

func TestQuiesceErrorIsReturned(t *testing.T) {
	work := struct {
		Work
		Quiescer
	}{
		WorkFunc(func(context.Context) error { return nil }),
		quiesceFunc(func(context.Context) error { return errors.New("pwm stuck") }),
	}
	s, err := New(Config{Name: "motor", Divisor: 15, Work: work, Logger: quietLogger()})
	assert.NilError(t, err)
	s.Stop()

	assert.ErrorContains(t, s.Run(context.Background()), "motor: quiesce: pwm stuck")
}

type quiesceFunc func(context.Context) error

func (f quiesceFunc) Quiesce(ctx context.Context) error { return f(ctx) }
