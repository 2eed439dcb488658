package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "parking"

// Metrics exposes service and sequencer timing as Prometheus collectors.
// It is both a Recorder for the service loops and an observer for the
// sequencer. All updates are lock-free atomics inside client_golang.
type Metrics struct {
	registry *prometheus.Registry

	wcet        *prometheus.GaugeVec
	elapsed     *prometheus.HistogramVec
	invocations *prometheus.CounterVec
	releases    *prometheus.CounterVec

	cycles        prometheus.Counter
	interruptions prometheus.Counter
	exhaustions   prometheus.Counter
	lateness      prometheus.Gauge
	maxLateness   prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wcet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "wcet_seconds",
			Help:      "Worst-case execution time observed per service.",
		}, []string{"service"}),
		elapsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "execution_seconds",
			Help:      "Execution time of each service invocation.",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 14),
		}, []string{"service"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "invocations_total",
			Help:      "Completed service invocations.",
		}, []string{"service"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "releases_total",
			Help:      "Releases posted by the sequencer per service.",
		}, []string{"service"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "cycles_total",
			Help:      "Completed sequencer cycles.",
		}),
		interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "sleep_interruptions_total",
			Help:      "Base period sleeps interrupted by a signal.",
		}),
		exhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "sleep_retry_exhaustions_total",
			Help:      "Cycles that gave up re-sleeping after the retry bound.",
		}),
		lateness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "cycle_lateness_seconds",
			Help:      "Lateness of the last cycle relative to the base period.",
		}),
		maxLateness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "cycle_lateness_max_seconds",
			Help:      "Largest cycle lateness observed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.wcet, m.elapsed, m.invocations, m.releases,
		m.cycles, m.interruptions, m.exhaustions, m.lateness, m.maxLateness,
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record implements Recorder.
func (m *Metrics) Record(rec Record) {
	m.invocations.WithLabelValues(rec.Service).Inc()
	m.elapsed.WithLabelValues(rec.Service).Observe(rec.Elapsed.Duration().Seconds())
	if rec.WCETChanged {
		m.wcet.WithLabelValues(rec.Service).Set(rec.WCET().Duration().Seconds())
	}
}

// Released counts one release posted to service.
func (m *Metrics) Released(service string) {
	m.releases.WithLabelValues(service).Inc()
}

// CycleCompleted records a finished cycle and how late it ran.
func (m *Metrics) CycleCompleted(_ uint64, lateness, maxLateness time.Duration) {
	m.cycles.Inc()
	m.lateness.Set(lateness.Seconds())
	m.maxLateness.Set(maxLateness.Seconds())
}

// SleepInterrupted counts one interrupted base period sleep.
func (m *Metrics) SleepInterrupted(time.Duration) {
	m.interruptions.Inc()
}

// RetryBoundReached counts one exhausted retry loop.
func (m *Metrics) RetryBoundReached() {
	m.exhaustions.Inc()
}
