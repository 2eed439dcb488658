//go:build linux

package sequencer

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NanoSleeper sleeps with a relative nanosleep(2) on the calling OS thread,
// so a SCHED_FIFO thread stays runnable at its own priority instead of
// parking on the runtime timer. A signal delivered to the thread cuts the
// sleep short and the kernel reports the remainder.
type NanoSleeper struct{}

func (NanoSleeper) Sleep(d time.Duration) (time.Duration, error) {
	req := unix.NsecToTimespec(int64(d))
	var rem unix.Timespec

	err := unix.Nanosleep(&req, &rem)
	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, unix.EINTR):
		return time.Duration(rem.Nano()), ErrInterrupted
	default:
		return 0, fmt.Errorf("nanosleep: %w", err)
	}
}

// DefaultSleeper returns the sleeper used on real hardware.
func DefaultSleeper() Sleeper { return NanoSleeper{} }
