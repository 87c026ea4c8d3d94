// Package ops serves the local operator API: health SSOT, risk status,
// Prometheus metrics, and the admin actions for resuming trading and
// running playbooks. The server binds to loopback by default.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantops/guardian/internal/health"
	"github.com/quantops/guardian/internal/metrics"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/playbook"
	"github.com/quantops/guardian/internal/risk"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the operator HTTP server.
type Server struct {
	router     *mux.Router
	server     *http.Server
	config     ServerConfig
	aggregator *health.Aggregator
	manager    *risk.Manager
	engine     *playbook.Engine
	registry   *metrics.Registry
	prices     *oracle.PriceOracle
}

func NewServer(cfg ServerConfig, agg *health.Aggregator, mgr *risk.Manager, eng *playbook.Engine, reg *metrics.Registry) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		config:     cfg,
		aggregator: agg,
		manager:    mgr,
		engine:     eng,
		registry:   reg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// WithPriceOracle enables the /price endpoint. Call before Start.
func (s *Server) WithPriceOracle(o *oracle.PriceOracle) *Server {
	s.prices = o
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/playbooks", s.handlePlaybookHistory).Methods("GET")
	s.router.HandleFunc("/price/{symbol}", s.handlePrice).Methods("GET")
	s.router.HandleFunc("/admin/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/admin/playbooks/{id}/run", s.handlePlaybookRun).Methods("POST")
	if s.registry != nil {
		s.router.Handle("/metrics", s.registry.Handler()).Methods("GET")
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc, err := s.aggregator.ReadCurrent()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "health document unavailable")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlaybookHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": s.engine.IDs(),
		"history":    s.engine.History(),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price oracle not configured")
		return
	}
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	pd, err := s.prices.LastPrice(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	resumed, err := s.manager.ResumeAggressive(false)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
}

func (s *Server) handlePlaybookRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Body is optional; a decode failure means malformed input.
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed parameters")
		return
	}

	result, err := s.engine.Run(r.Context(), id, params)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "unknown endpoint")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("ops request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
