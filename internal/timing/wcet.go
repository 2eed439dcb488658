package timing

import "sync/atomic"

// WCET is the worst-case execution time observed so far for one service.
//
// Only the owning service thread updates it, but telemetry readers may load
// it at any time, so the record is a single atomic nanosecond count.
type WCET struct {
	nanos atomic.Int64
}

// UpdateIfWorse replaces the record with d when d is strictly longer and
// reports whether it did. The record never decreases.
func (w *WCET) UpdateIfWorse(d Stamp) bool {
	n := d.Nanoseconds()
	for {
		cur := w.nanos.Load()
		if n <= cur {
			return false
		}
		if w.nanos.CompareAndSwap(cur, n) {
			return true
		}
	}
}

// Load returns the current worst case as a normalised Stamp.
func (w *WCET) Load() Stamp {
	return Delta(Stamp{Nsec: w.nanos.Load()}, Stamp{})
}
