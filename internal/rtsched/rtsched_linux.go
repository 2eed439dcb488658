//go:build linux

package rtsched

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// cpuSetSize is CPU_SETSIZE, the bit capacity of unix.CPUSet.
const cpuSetSize = 1024

// Kernel binds threads with sched_setattr(2) and sched_setaffinity(2).
type Kernel struct{}

func (Kernel) Bind(spec ThreadSpec) error {
	if len(spec.CPUs) > 0 {
		set, err := cpuSet(spec.CPUs)
		if err != nil {
			return err
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("sched_setaffinity %v: %w", spec.CPUs, err)
		}
	}

	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   uint32(spec.Policy),
		Priority: uint32(spec.Priority),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("sched_setattr %s: %w (needs CAP_SYS_NICE or root)", spec.Policy, err)
		}
		return fmt.Errorf("sched_setattr %s: %w", spec.Policy, err)
	}
	return nil
}

func (Kernel) Verify(spec ThreadSpec) error {
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return fmt.Errorf("sched_getattr: %w", err)
	}

	if got := Policy(attr.Policy); got != spec.Policy {
		return fmt.Errorf("%w: want %s, running %s", ErrPolicyNotGranted, spec.Policy, got)
	}
	if int(attr.Priority) != spec.Priority {
		return fmt.Errorf("%w: want priority %d, running %d", ErrPolicyNotGranted, spec.Priority, attr.Priority)
	}

	if len(spec.CPUs) > 0 {
		var got unix.CPUSet
		if err := unix.SchedGetaffinity(0, &got); err != nil {
			return fmt.Errorf("sched_getaffinity: %w", err)
		}
		want, _ := cpuSet(spec.CPUs)
		if got != want {
			return fmt.Errorf("%w: want cpus %v, running on %d cpus", ErrPolicyNotGranted, spec.CPUs, got.Count())
		}
	}
	return nil
}

func (Kernel) PriorityRange(p Policy) (int, int, error) {
	lo, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MIN, uintptr(p), 0, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("sched_get_priority_min %s: %w", p, errno)
	}
	hi, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(p), 0, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("sched_get_priority_max %s: %w", p, errno)
	}
	return int(lo), int(hi), nil
}

// OnlineCPUs returns the CPUs the process may currently run on.
func OnlineCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}

	cpus := make([]int, 0, set.Count())
	for i := 0; i < cpuSetSize; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// Default returns the binder for real hardware.
func Default() Binder { return Kernel{} }

func cpuSet(cpus []int) (unix.CPUSet, error) {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		if c < 0 || c >= cpuSetSize {
			return set, fmt.Errorf("rtsched: cpu %d out of range", c)
		}
		set.Set(c)
	}
	return set, nil
}
