// Package api exposes the detector over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyunomas/arpwarden/internal/detector"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Monitor is the part of the detector engine the API drives.
type Monitor interface {
	ListDevices() []detector.Device
	ListEvents() []detector.SpoofEvent
	Status() detector.Status
	StartMonitoring() error
	StopMonitoring(ctx context.Context) error
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	monitor Monitor
	router  *mux.Router
	logger  logr.Logger
	metrics bool
}

type Option func(*Server)

func WithLogger(logger logr.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

func NewServer(m Monitor, opts ...Option) *Server {
	s := &Server{
		monitor: m,
		router:  mux.NewRouter(),
		logger:  stdr.New(log.Default()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("api")

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Full paths on the root router; under a PathPrefix subrouter a method
	// mismatch comes back as 404 instead of 405.
	s.router.HandleFunc("/api/devices", s.getDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.getEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.getStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/start", s.startMonitoring).Methods(http.MethodPost)
	s.router.HandleFunc("/api/stop", s.stopMonitoring).Methods(http.MethodPost)

	if s.metrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getDevices(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, http.StatusOK, s.monitor.ListDevices())
}

func (s *Server) getEvents(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, http.StatusOK, s.monitor.ListEvents())
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) startMonitoring(w http.ResponseWriter, _ *http.Request) {
	if err := s.monitor.StartMonitoring(); err != nil {
		s.logger.Error(err, "start monitoring failed")
		s.encodeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.encodeJSONResponse(w, http.StatusOK, statusResponse{Status: "started"})
}

// stopMonitoring reports "stopped" even when the capture loop had to be
// abandoned: detection is off either way. A client hanging up does not cut
// the join short.
func (s *Server) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.StopMonitoring(context.WithoutCancel(r.Context())); err != nil && !errors.Is(err, detector.ErrStopTimeout) {
		s.logger.Error(err, "stop monitoring failed")
		s.encodeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.encodeJSONResponse(w, http.StatusOK, statusResponse{Status: "stopped"})
}

func (s *Server) encodeJSONResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(err, "encoding response")
	}
}
