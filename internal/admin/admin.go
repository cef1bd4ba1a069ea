// Package admin serves the process-wide operational endpoints: Prometheus
// metrics, bucket health and runtime trace snapshots. It listens on its own
// address, separate from every bucket listener.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ftsync/ftsync/internal/metrics"
	"github.com/ftsync/ftsync/internal/tracing"
)

// Health reports the state of each running bucket.
type Health interface {
	Status() map[string]string
	Healthy() bool
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Healthy bool              `json:"healthy"`
	Buckets map[string]string `json:"buckets"`
}

// AdminServer is the operational HTTP listener.
type AdminServer struct {
	mux    *http.ServeMux
	health Health
	tracer *tracing.Recorder

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates the admin server. health and tracer may be nil.
func NewAdminServer(health Health, tracer *tracing.Recorder) *AdminServer {
	s := &AdminServer{
		mux:    http.NewServeMux(),
		health: health,
		tracer: tracer,
	}
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /debug/trace", s.traceHandler)
	return s
}

// Handler returns the admin routes.
func (s *AdminServer) Handler() http.Handler { return s.mux }

// Start binds addr and serves in the background.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *AdminServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// healthHandler reports 200 when every bucket is up and 503 otherwise.
func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true, Buckets: map[string]string{}}
	if s.health != nil {
		resp.Healthy = s.health.Healthy()
		resp.Buckets = s.health.Status()
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// traceHandler returns a runtime trace snapshot for `go tool trace`.
func (s *AdminServer) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.tracer.Enabled() {
		http.Error(w, "tracing not enabled (set metrics.trace)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := s.tracer.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
