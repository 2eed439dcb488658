//go:build !linux

package rtsched

// Kernel is unavailable outside Linux; every call fails with ErrUnsupported.
type Kernel struct{}

func (Kernel) Bind(ThreadSpec) error   { return ErrUnsupported }
func (Kernel) Verify(ThreadSpec) error { return ErrUnsupported }

func (Kernel) PriorityRange(Policy) (int, int, error) { return 0, 0, ErrUnsupported }

// OnlineCPUs is unavailable outside Linux.
func OnlineCPUs() ([]int, error) { return nil, ErrUnsupported }

// Default returns the binder for this platform.
func Default() Binder { return Kernel{} }
