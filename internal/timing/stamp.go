// Package timing measures service execution time and keeps the worst case
// observed per service.
//
// Timestamps are kept as seconds plus nanoseconds, the same split the kernel
// uses for timespec values, so a delta can be computed without ever going
// through floating point.
package timing

import (
	"fmt"
	"time"
)

const (
	NsecPerSec  int64 = 1_000_000_000
	NsecPerMsec int64 = 1_000_000
	NsecPerUsec int64 = 1_000
	MsecPerSec  int64 = 1_000
)

// Stamp is a point in time, or a duration, split into whole seconds and a
// nanosecond remainder. Normalised stamps keep Nsec in [0, 1e9).
type Stamp struct {
	Sec  int64
	Nsec int64
}

// FromDuration converts d into a normalised Stamp.
func FromDuration(d time.Duration) Stamp {
	return Delta(Stamp{Nsec: int64(d)}, Stamp{})
}

// Delta returns stop - start normalised so that Nsec lies in [0, 1e9).
// Seconds absorb the borrow, so a negative interval yields a negative Sec
// with a positive Nsec (-1.5s is {-2, 5e8}).
func Delta(stop, start Stamp) Stamp {
	sec := stop.Sec - start.Sec
	nsec := stop.Nsec - start.Nsec

	sec += nsec / NsecPerSec
	nsec %= NsecPerSec
	if nsec < 0 {
		sec--
		nsec += NsecPerSec
	}

	return Stamp{Sec: sec, Nsec: nsec}
}

// Nanoseconds returns the stamp as a single nanosecond count.
func (s Stamp) Nanoseconds() int64 {
	return s.Sec*NsecPerSec + s.Nsec
}

// Duration converts the stamp to a time.Duration.
func (s Stamp) Duration() time.Duration {
	return time.Duration(s.Nanoseconds())
}

// Milliseconds returns the stamp in milliseconds as a real number.
func (s Stamp) Milliseconds() float64 {
	return float64(s.Sec*MsecPerSec) + float64(s.Nsec)/float64(NsecPerMsec)
}

// Parts splits the stamp the way timing records report it: whole seconds,
// and the sub-second part expressed in milli-, micro- and nanoseconds.
func (s Stamp) Parts() (sec, msec, usec, nsec int64) {
	return s.Sec, s.Nsec / NsecPerMsec, s.Nsec / NsecPerUsec, s.Nsec
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%09ds", s.Sec, s.Nsec)
}
