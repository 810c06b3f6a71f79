// Package api serves the read-only stats and metrics HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgfunnel/pgfunnel/internal/config"
	"github.com/pgfunnel/pgfunnel/internal/health"
	"github.com/pgfunnel/pgfunnel/internal/metrics"
	"github.com/pgfunnel/pgfunnel/internal/pool"
)

// Server is the stats and metrics HTTP server.
type Server struct {
	pool       *pool.Pool
	checker    *health.Checker
	metrics    *metrics.Collector
	getConfig  func() config.Config
	sessions   func() int
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an API server. getConfig returns the current (possibly
// hot-reloaded) configuration; sessions reports the live session count.
func NewServer(p *pool.Pool, hc *health.Checker, m *metrics.Collector, getConfig func() config.Config, sessions func() int) *Server {
	return &Server{
		pool:      p,
		checker:   hc,
		metrics:   m,
		getConfig: getConfig,
		sessions:  sessions,
		startTime: time.Now(),
	}
}

// Start starts the HTTP server.
func (s *Server) Start(bind string, port int) error {
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[api] listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown error: %v", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.status).Methods("GET")
	r.HandleFunc("/pools", s.pools).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Uptime     string        `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	Sessions   int           `json:"client_sessions"`
	Pool       pool.Stats    `json:"pool"`
	Backend    health.Report `json:"backend"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Uptime:     time.Since(s.startTime).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Pool:       s.pool.Stats(),
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions()
	}
	if s.checker != nil {
		resp.Backend = s.checker.Report()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) configHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.getConfig())
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.checker != nil && !s.checker.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "backend " + strconv.Quote(s.checker.Report().LastError),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
