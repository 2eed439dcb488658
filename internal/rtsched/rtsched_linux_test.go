//go:build linux

package rtsched

import (
	"errors"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestKernelPriorityRange(t *testing.T) {
	lo, hi, err := Kernel{}.PriorityRange(FIFO)
	assert.NilError(t, err)
	assert.Equal(t, lo, 1)
	assert.Equal(t, hi, 99)

	lo, hi, err = Kernel{}.PriorityRange(Other)
	assert.NilError(t, err)
	assert.Equal(t, lo, 0)
	assert.Equal(t, hi, 0)
}

// bindOnThrowawayThread runs fn on a locked goroutine that exits without
// unlocking, so the test's own thread keeps its scheduling.
func bindOnThrowawayThread(fn func() error) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		errc <- fn()
	}()
	return <-errc
}

func TestKernelBindOtherWithAffinity(t *testing.T) {
	cpus, err := OnlineCPUs()
	assert.NilError(t, err)
	assert.Assert(t, len(cpus) > 0)

	spec := ThreadSpec{Policy: Other, Priority: 0, CPUs: cpus[:1]}
	err = bindOnThrowawayThread(func() error {
		if err := (Kernel{}).Bind(spec); err != nil {
			return err
		}
		return Kernel{}.Verify(spec)
	})
	assert.NilError(t, err)
}

func TestKernelVerifyDetectsMismatch(t *testing.T) {
	err := bindOnThrowawayThread(func() error {
		return Kernel{}.Verify(ThreadSpec{Policy: FIFO, Priority: 99})
	})
	// An unprivileged test thread runs SCHED_OTHER.
	assert.Assert(t, errors.Is(err, ErrPolicyNotGranted))
}

func TestKernelBindFIFO(t *testing.T) {
	spec := ThreadSpec{Policy: FIFO, Priority: 1}
	err := bindOnThrowawayThread(func() error {
		if err := (Kernel{}).Bind(spec); err != nil {
			return err
		}
		return Kernel{}.Verify(spec)
	})
	if errors.Is(err, unix.EPERM) {
		t.Skip("SCHED_FIFO needs CAP_SYS_NICE")
	}
	assert.NilError(t, err)
}

func TestCPUSetRejectsOutOfRange(t *testing.T) {
	_, err := cpuSet([]int{-1})
	assert.ErrorContains(t, err, "out of range")
	_, err = cpuSet([]int{cpuSetSize})
	assert.ErrorContains(t, err, "out of range")
}
