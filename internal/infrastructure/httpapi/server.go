// Package httpapi exposes the ops surface: monitor status, manual
// triggers, health and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"stockwatch/internal/application/usecase/watch"
)

// Monitor is the slice of the watch service the API needs.
type Monitor interface {
	Health() watch.Status
	ForcePoll(ctx context.Context) error
	ForceCheck(ctx context.Context) error
}

type Server struct {
	addr    string
	monitor Monitor
	log     zerolog.Logger
	srv     *http.Server
}

func NewServer(addr string, monitor Monitor, log zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		monitor: monitor,
		log:     log.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/monitor", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/poll", s.handlePoll)
		r.Post("/check", s.handleCheck)
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.addr).Msg("http api listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Health())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ForcePoll(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("manual poll failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "polled"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ForceCheck(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("manual check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "checked"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
