package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/unph4914/RTES-Final-Project/internal/shared"
)

// Source yields the most recently captured frame without blocking.
type Source interface {
	Latest() (Frame, bool)
}

// Display shows one frame.
type Display interface {
	Show(f Frame) error
}

// Camera is the camera service's Work.
type Camera struct {
	src    Source
	disp   Display
	state  *shared.State
	black  Frame
	logger *slog.Logger

	shown   atomic.Uint64
	blanked atomic.Uint64
	misses  atomic.Uint64
}

// New builds the camera work. Width and height size the black frame.
func New(src Source, disp Display, state *shared.State, width, height int, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{
		src:    src,
		disp:   disp,
		state:  state,
		black:  BlackFrame(width, height),
		logger: logger.With("component", "camera"),
	}
}

// Perform shows the live view while reversing and black otherwise.
func (c *Camera) Perform(context.Context) error {
	if c.state.Direction() != shared.Reverse {
		c.blanked.Add(1)
		return c.show(c.black)
	}

	f, ok := c.src.Latest()
	if !ok {
		c.misses.Add(1)
		c.logger.Debug("no frame captured yet, showing black")
		return c.show(c.black)
	}

	c.shown.Add(1)
	return c.show(f)
}

// Quiesce leaves the display black.
func (c *Camera) Quiesce(context.Context) error {
	return c.show(c.black)
}

func (c *Camera) show(f Frame) error {
	if err := c.disp.Show(f); err != nil {
		return fmt.Errorf("camera: show frame %d: %w", f.Seq, err)
	}
	return nil
}

// Stats reports how many live, black and missing frames were displayed.
func (c *Camera) Stats() (shown, blanked, misses uint64) {
	return c.shown.Load(), c.blanked.Load(), c.misses.Load()
}
