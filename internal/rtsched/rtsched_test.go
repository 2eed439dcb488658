package rtsched

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
		err  bool
	}{
		{"fifo", FIFO, false},
		{"SCHED_FIFO", FIFO, false},
		{" rr ", RR, false},
		{"other", Other, false},
		{"normal", Other, false},
		{"deadline", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.err {
				assert.ErrorContains(t, err, "unknown policy")
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, FIFO.String(), "SCHED_FIFO")
	assert.Equal(t, RR.String(), "SCHED_RR")
	assert.Equal(t, Other.String(), "SCHED_OTHER")
	assert.Equal(t, Policy(6).String(), "policy(6)")
	assert.Assert(t, FIFO.RealTime() && RR.RealTime() && !Other.RealTime())
}

func TestNopBinder(t *testing.T) {
	var b Binder = Nop{}
	spec := ThreadSpec{Policy: FIFO, Priority: 99, CPUs: []int{0}}

	assert.NilError(t, b.Bind(spec))
	assert.NilError(t, b.Verify(spec))

	lo, hi, err := b.PriorityRange(FIFO)
	assert.NilError(t, err)
	assert.Equal(t, lo, 1)
	assert.Equal(t, hi, 99)

	lo, hi, err = b.PriorityRange(Other)
	assert.NilError(t, err)
	assert.Equal(t, lo+hi, 0)
}

type failingBinder struct {
	Nop
	bindErr, verifyErr error
}

func (f failingBinder) Bind(ThreadSpec) error   { return f.bindErr }
func (f failingBinder) Verify(ThreadSpec) error { return f.verifyErr }

func TestLockAndBind(t *testing.T) {
	spec := ThreadSpec{Policy: FIFO, Priority: 98}

	done := make(chan error, 3)
	run := func(b Binder) {
		// Each call locks its own throwaway goroutine.
		go func() { done <- LockAndBind(b, spec) }()
	}

	run(Nop{})
	assert.NilError(t, <-done)

	run(failingBinder{bindErr: errors.New("EPERM")})
	err := <-done
	assert.ErrorContains(t, err, "bind SCHED_FIFO prio=98")

	run(failingBinder{verifyErr: ErrPolicyNotGranted})
	assert.Assert(t, errors.Is(<-done, ErrPolicyNotGranted))
}
