package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Queue hands records to another recorder on its own goroutine. Record
// never blocks: a full queue drops the record and counts it.
type Queue struct {
	next   Recorder
	logger *slog.Logger

	queue chan Record
	quit  chan struct{}
	done  chan struct{}
	start sync.Once
	once  sync.Once

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue wraps next with a queue of size records (default 256). Call
// Start before recording.
func NewQueue(next Recorder, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		next:   next,
		logger: logger.With("component", "record-queue"),
		queue:  make(chan Record, size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Record enqueues rec, dropping it if the queue is full.
func (q *Queue) Record(rec Record) {
	select {
	case q.queue <- rec:
	default:
		q.dropped.Add(1)
	}
}

// Start launches the forwarding goroutine.
func (q *Queue) Start() {
	q.start.Do(func() { go q.drain() })
}

// Close forwards what is already queued and stops, or gives up when ctx
// expires.
func (q *Queue) Close(ctx context.Context) error {
	q.once.Do(func() { close(q.quit) })

	select {
	case <-q.done:
		if n := q.dropped.Load(); n > 0 {
			q.logger.Warn("records dropped on full queue", "dropped", n, "forwarded", q.forwarded.Load())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("record queue close: %w", ctx.Err())
	}
}

// Forwarded returns the number of records handed to the wrapped recorder.
func (q *Queue) Forwarded() uint64 { return q.forwarded.Load() }

// Dropped returns the number of records lost to a full queue.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) drain() {
	defer close(q.done)
	for {
		select {
		case rec := <-q.queue:
			q.forward(rec)
		case <-q.quit:
			for {
				select {
				case rec := <-q.queue:
					q.forward(rec)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) forward(rec Record) {
	q.next.Record(rec)
	q.forwarded.Add(1)
}
