// Package rtsched binds OS threads to a real-time scheduling policy, a
// fixed priority and a CPU set, and reads the binding back.
//
// Every call acts on the calling OS thread. Callers lock their goroutine to
// its thread first (runtime.LockOSThread) and never unlock it: a thread
// that has been promoted to SCHED_FIFO must not be handed back to the Go
// scheduler for unrelated goroutines.
package rtsched

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	// ErrPolicyNotGranted means the kernel accepted the request but the
	// thread does not run with the requested policy or priority.
	ErrPolicyNotGranted = errors.New("rtsched: scheduling policy not granted")

	// ErrUnsupported is returned on platforms without the Linux
	// scheduling calls.
	ErrUnsupported = errors.New("rtsched: not supported on this platform")
)

// Policy is a Linux scheduling policy. Values match the kernel's.
type Policy uint32

const (
	Other Policy = 0
	FIFO  Policy = 1
	RR    Policy = 2
)

func (p Policy) String() string {
	switch p {
	case Other:
		return "SCHED_OTHER"
	case FIFO:
		return "SCHED_FIFO"
	case RR:
		return "SCHED_RR"
	default:
		return fmt.Sprintf("policy(%d)", uint32(p))
	}
}

// RealTime reports whether p is a fixed-priority policy.
func (p Policy) RealTime() bool {
	return p == FIFO || p == RR
}

// ParsePolicy accepts fifo, rr and other, with or without the SCHED_
// prefix, in any case.
func ParsePolicy(s string) (Policy, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "sched_") {
	case "fifo":
		return FIFO, nil
	case "rr":
		return RR, nil
	case "other", "normal":
		return Other, nil
	default:
		return 0, fmt.Errorf("rtsched: unknown policy %q", s)
	}
}

// ThreadSpec is the scheduling a thread should run with.
type ThreadSpec struct {
	Policy   Policy
	Priority int
	CPUs     []int // empty leaves affinity unchanged
}

func (s ThreadSpec) String() string {
	return fmt.Sprintf("%s prio=%d cpus=%v", s.Policy, s.Priority, s.CPUs)
}

// Binder applies and checks a ThreadSpec on the calling thread.
type Binder interface {
	// Bind sets affinity, policy and priority of the calling thread.
	Bind(spec ThreadSpec) error
	// Verify reads the calling thread's scheduling back and returns an
	// error wrapping ErrPolicyNotGranted when it differs from spec.
	Verify(spec ThreadSpec) error
	// PriorityRange returns the valid static priorities for p.
	PriorityRange(p Policy) (min, max int, err error)
}

// LockAndBind locks the calling goroutine to its OS thread, binds it and
// verifies the result. The thread is left locked on success and failure.
func LockAndBind(b Binder, spec ThreadSpec) error {
	runtime.LockOSThread()

	if err := b.Bind(spec); err != nil {
		return fmt.Errorf("bind %s: %w", spec, err)
	}
	if err := b.Verify(spec); err != nil {
		return err
	}
	return nil
}

// Nop skips all binding. PriorityRange still reports the Linux ranges so
// priorities can be computed and logged on development hosts.
type Nop struct{}

func (Nop) Bind(ThreadSpec) error   { return nil }
func (Nop) Verify(ThreadSpec) error { return nil }

func (Nop) PriorityRange(p Policy) (int, int, error) {
	if p.RealTime() {
		return 1, 99, nil
	}
	return 0, 0, nil
}
