// Package lifecycle holds the one-shot stop flags shared between the
// sequencer, the service threads and the signal handler.
package lifecycle

import "sync/atomic"

// Flag is a stop signal that can be raised exactly once and never cleared.
// The zero value is a lowered flag ready to use.
type Flag struct {
	set atomic.Bool
}

// Set raises the flag. It reports true only for the call that actually
// performed the transition.
func (f *Flag) Set() bool {
	return f.set.CompareAndSwap(false, true)
}

// IsSet reports whether the flag has been raised.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
