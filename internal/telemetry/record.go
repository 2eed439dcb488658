// Package telemetry carries the timing records produced by the service
// threads out of the real-time path: to the log, to an MQTT broker and to
// Prometheus.
//
// Recorders are called from SCHED_FIFO threads. Implementations must not
// block on I/O; anything slow belongs behind a queue. LogRecorder writes
// synchronously and is wrapped in a Queue by the daemon; MQTTRecorder
// carries its own.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

// Record is one service invocation as reported by the service loop.
type Record struct {
	RunID      string    `msgpack:"run_id" json:"run_id"`
	Service    string    `msgpack:"service" json:"service"`
	Priority   int       `msgpack:"priority" json:"priority"`
	Invocation uint64    `msgpack:"invocation" json:"invocation"`
	Release    uint64    `msgpack:"release" json:"release"`
	Timestamp  time.Time `msgpack:"timestamp" json:"timestamp"`

	Elapsed     timing.Stamp `msgpack:"-" json:"-"`
	ElapsedNsec int64        `msgpack:"elapsed_ns" json:"elapsed_ns"`

	// WCET fields mirror the worst case after this invocation.
	WCETChanged bool  `msgpack:"wcet_changed" json:"wcet_changed"`
	WCETSec     int64 `msgpack:"wcet_sec" json:"wcet_sec"`
	WCETMsec    int64 `msgpack:"wcet_msec" json:"wcet_msec"`
	WCETUsec    int64 `msgpack:"wcet_usec" json:"wcet_usec"`
	WCETNsec    int64 `msgpack:"wcet_nsec" json:"wcet_nsec"`
}

// SetWCET fills the WCET fields from w.
func (r *Record) SetWCET(w timing.Stamp, changed bool) {
	r.WCETChanged = changed
	r.WCETSec, r.WCETMsec, r.WCETUsec, r.WCETNsec = w.Parts()
}

// WCET reassembles the worst case carried by the record.
func (r Record) WCET() timing.Stamp {
	return timing.Stamp{Sec: r.WCETSec, Nsec: r.WCETNsec}
}

// Recorder receives service records.
type Recorder interface {
	Record(rec Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Record)

func (f RecorderFunc) Record(rec Record) { f(rec) }

// Nop discards every record.
var Nop Recorder = RecorderFunc(func(Record) {})

// Fanout forwards each record to every recorder in order.
type Fanout []Recorder

func (f Fanout) Record(rec Record) {
	for _, r := range f {
		r.Record(rec)
	}
}

// LogRecorder writes records through slog. Every invocation is logged at
// Info; a WCET change adds a second line with the split worst case. It
// writes on the calling goroutine; wrap it in a Queue on real-time threads.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (l *LogRecorder) Record(rec Record) {
	if rec.WCETChanged {
		l.logger.Info("wcet updated",
			"service", rec.Service,
			"invocation", rec.Invocation,
			"wcet_sec", rec.WCETSec,
			"wcet_msec", rec.WCETMsec,
			"wcet_usec", rec.WCETUsec,
			"wcet_nsec", rec.WCETNsec,
		)
	}

	l.logger.Info("service invocation",
		"service", rec.Service,
		"priority", rec.Priority,
		"invocation", rec.Invocation,
		"release", rec.Release,
		"elapsed_ms", rec.Elapsed.Milliseconds(),
		"wcet_ms", rec.WCET().Milliseconds(),
	)
}
