package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// CaptureConfig describes the V4L2 device to capture from.
type CaptureConfig struct {
	Device string
	Width  int
	Height int
}

func rgbCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}

// GstSource captures RGB frames from a V4L2 camera.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// The appsink keeps one buffer and drops older ones; the sample callback
// copies each frame into a single slot the camera service reads from.
type GstSource struct {
	cfg      CaptureConfig
	pipeline *gst.Pipeline
	sink     *app.Sink
	logger   *slog.Logger

	slot  latestSlot
	seq   atomic.Uint64
	bytes atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGstSource builds and starts the capture pipeline.
func NewGstSource(cfg CaptureConfig, logger *slog.Logger) (*GstSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rgbCaps(cfg.Width, cfg.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, scale, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("camera: failed to link capture pipeline: %w", err)
	}

	s := &GstSource{
		cfg:      cfg,
		pipeline: pipeline,
		sink:     sink,
		logger:   logger.With("component", "camera-capture", "device", cfg.Device),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("camera: failed to start capture pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitorBus(ctx)

	s.logger.Info("camera capture started", "width", cfg.Width, "height", cfg.Height)
	return s, nil
}

// onNewSample runs on a GStreamer streaming thread.
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		s.logger.Warn("failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.logger.Warn("failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	s.bytes.Add(uint64(len(frameData)))
	s.slot.publish(&Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	})
	return gst.FlowOK
}

func (s *GstSource) monitorBus(ctx context.Context) {
	defer s.wg.Done()
	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Warn("camera stream ended", "frames", s.seq.Load())
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("camera pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
		}
	}
}

// Latest implements Source.
func (s *GstSource) Latest() (Frame, bool) { return s.slot.take() }

// Stats returns the capture slot counters.
func (s *GstSource) Stats() SlotStats { return s.slot.snapshot() }

// Close stops the pipeline.
func (s *GstSource) Close() error {
	s.slot.close()
	s.cancel()
	s.wg.Wait()

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("camera: failed to stop capture pipeline: %w", err)
	}
	st := s.slot.snapshot()
	s.logger.Info("camera capture stopped",
		"published", st.Published,
		"consumed", st.Consumed,
		"dropped", st.Dropped,
		"bytes", s.bytes.Load(),
	)
	return nil
}

// GstDisplay pushes frames to a video window.
//
//	appsrc(RGB) → videoconvert → autovideosink
type GstDisplay struct {
	pipeline *gst.Pipeline
	src      *app.Source
	width    int
	height   int
}

// NewGstDisplay builds and starts the display pipeline.
func NewGstDisplay(width, height int) (*GstDisplay, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create display pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(rgbCaps(width, height) + ",framerate=0/1"))
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create videoconvert: %w", err)
	}
	out, err := gst.NewElement("autovideosink")
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create autovideosink: %w", err)
	}
	out.SetProperty("sync", false)

	pipeline.AddMany(src.Element, convert, out)
	if err := gst.ElementLinkMany(src.Element, convert, out); err != nil {
		return nil, fmt.Errorf("camera: failed to link display pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("camera: failed to start display pipeline: %w", err)
	}

	return &GstDisplay{pipeline: pipeline, src: src, width: width, height: height}, nil
}

// Show implements Display.
func (d *GstDisplay) Show(f Frame) error {
	if f.Width != d.width || f.Height != d.height {
		return fmt.Errorf("frame is %dx%d, display expects %dx%d", f.Width, f.Height, d.width, d.height)
	}
	if ret := d.src.PushBuffer(gst.NewBufferFromBytes(f.Data)); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %v", ret)
	}
	return nil
}

// Close stops the display pipeline.
func (d *GstDisplay) Close() error {
	d.src.EndStream()
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("camera: failed to stop display pipeline: %w", err)
	}
	return nil
}
