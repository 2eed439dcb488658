//go:build !linux

package timing

import "time"

var processStart = time.Now()

// SystemClock measures elapsed monotonic time since process start.
type SystemClock struct{}

func (SystemClock) Now() Stamp {
	return FromDuration(time.Since(processStart))
}
