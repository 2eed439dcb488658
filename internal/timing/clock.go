package timing

import "time"

// Clock supplies the timestamps bracketing each unit of service work.
type Clock interface {
	Now() Stamp
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() Stamp

func (f ClockFunc) Now() Stamp { return f() }

// FromTime converts a wall-clock time into a Stamp.
func FromTime(t time.Time) Stamp {
	return Stamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}
