package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the body of /readiness.
type HealthStatus struct {
	Status        string `json:"status"` // "ready", "starting", "stopping"
	RunID         string `json:"run_id"`
	InstanceID    string `json:"instance_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Server serves /health, /readiness and /metrics.
type Server struct {
	instanceID string
	runID      string
	started    time.Time
	logger     *slog.Logger

	ready    atomic.Bool
	stopping atomic.Bool

	srv *http.Server
}

// NewServer builds the HTTP server. A nil gatherer serves an empty
// /metrics page.
func NewServer(addr, instanceID, runID string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}

	s := &Server{
		instanceID: instanceID,
		runID:      runID,
		started:    time.Now(),
		logger:     logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// SetReady marks the sequencer as running.
func (s *Server) SetReady() { s.ready.Store(true) }

// SetStopping marks shutdown in progress.
func (s *Server) SetStopping() { s.stopping.Store(true) }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health server listen %s: %w", s.srv.Addr, err)
	}

	s.logger.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) status() HealthStatus {
	st := HealthStatus{
		Status:        "starting",
		RunID:         s.runID,
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	switch {
	case s.stopping.Load():
		st.Status = "stopping"
	case s.ready.Load():
		st.Status = "ready"
	}
	return st
}

func (s *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.status()

	code := http.StatusOK
	if st.Status != "ready" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}
