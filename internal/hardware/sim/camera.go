package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unph4914/RTES-Final-Project/internal/hardware/camera"
)

// FrameSource renders a moving gradient on demand.
type FrameSource struct {
	width, height int
	seq           atomic.Uint64
}

func NewFrameSource(width, height int) *FrameSource {
	return &FrameSource{width: width, height: height}
}

// Latest implements camera.Source. Every call renders a new frame.
func (s *FrameSource) Latest() (camera.Frame, bool) {
	seq := s.seq.Add(1)
	data := make([]byte, s.width*s.height*3)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			i := (y*s.width + x) * 3
			data[i] = byte(x + int(seq))
			data[i+1] = byte(y)
			data[i+2] = 0x80
		}
	}
	return camera.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}, true
}

// Display counts frames instead of showing them.
type Display struct {
	mu      sync.Mutex
	shown   uint64
	black   uint64
	lastSeq uint64
}

func NewDisplay() *Display { return &Display{} }

// Show implements camera.Display.
func (d *Display) Show(f camera.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.shown++
	if f.Seq == 0 {
		d.black++
	}
	d.lastSeq = f.Seq
	return nil
}

// Counts returns total frames shown, how many were black, and the last
// live sequence number shown (0 if the last frame was black).
func (d *Display) Counts() (shown, black, lastSeq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown, d.black, d.lastSeq
}
