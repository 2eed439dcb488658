// Package camera implements the rear camera service: while the vehicle
// reverses it shows the latest captured frame, otherwise a black frame.
package camera

import (
	"sync"
	"time"
)

// Frame is one RGB image.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte // packed RGB, Width*Height*3 bytes
	TraceID   string
}

// BlackFrame returns an all-zero RGB frame of the given size.
func BlackFrame(width, height int) Frame {
	return Frame{
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height*3),
	}
}

// SlotStats describes how the capture side and the camera service kept up
// with each other.
type SlotStats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64 // frames overwritten before the service took them
	LastSeq   uint64
}

// latestSlot is a single-frame mailbox. The capture callback overwrites
// it, the camera service takes the newest frame without ever blocking.
type latestSlot struct {
	mu     sync.Mutex
	frame  *Frame
	fresh  bool // frame not yet taken
	closed bool
	stats  SlotStats
}

func (s *latestSlot) publish(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.fresh {
		s.stats.Dropped++
	}
	s.frame = f
	s.fresh = true
	s.stats.Published++
	s.stats.LastSeq = f.Seq
}

// take returns the newest frame, fresh or not, and false when nothing has
// been captured yet.
func (s *latestSlot) take() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return Frame{}, false
	}
	if s.fresh {
		s.stats.Consumed++
		s.fresh = false
	}
	return *s.frame, true
}

func (s *latestSlot) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *latestSlot) snapshot() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
