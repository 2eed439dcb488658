//go:build !linux

package sequencer

// DefaultSleeper returns the runtime timer sleeper; nanosleep is only
// wired on Linux.
func DefaultSleeper() Sleeper { return TimerSleeper{} }
