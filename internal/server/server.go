// Package server exposes bot health, pipeline stats and Prometheus metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/petroleumjelliffe/skybot/internal/bot"
	"github.com/petroleumjelliffe/skybot/internal/database"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource reports per-pipeline stats.
type StatsSource interface {
	Name() string
	Stats() []bot.PipelineStats
}

// HandledLister lists recently handled items. Optional.
type HandledLister interface {
	RecentHandled(ctx context.Context, limit int) ([]database.HandledItem, error)
}

// Options configures a Server
type Options struct {
	Addr     string
	Bot      StatsSource
	Gatherer prom.Gatherer // nil uses the default registry
	Handled  HandledLister
}

// Server wraps the HTTP server
type Server struct {
	bot     StatsSource
	handled HandledLister
	router  *chi.Mux
	http    *http.Server
}

// PipelineResponse is one pipeline in the /stats response
type PipelineResponse struct {
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Restarts  int64  `json:"restarts"`
	PoolState string `json:"pool_state"`
	Workers   int    `json:"workers"`
	Alive     int    `json:"alive"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Submitted int64  `json:"submitted"`
	Handled   int64  `json:"handled"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

// StatsResponse is the /stats response
type StatsResponse struct {
	Bot       string             `json:"bot"`
	Pipelines []PipelineResponse `json:"pipelines"`
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prom.DefaultGatherer
	}

	s := &Server{
		bot:     opts.Bot,
		handled: opts.Handled,
		router:  chi.NewRouter(),
	}
	s.setupRoutes(opts.Gatherer)
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] Starting HTTP server on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) setupRoutes(gatherer prom.Gatherer) {
	// Middleware stack (order matters)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeadersMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/api/handled", s.handleRecent)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// handleHealth is 200 while any pipeline is listening or backing off and
// 503 once every pipeline has stopped.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	stats := s.bot.Stats()
	stopped := 0
	for _, p := range stats {
		switch p.State {
		case "backoff":
			status = "degraded"
		case "stopped":
			stopped++
		}
	}
	if len(stats) > 0 && stopped == len(stats) {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": status, "bot": s.bot.Name()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Bot: s.bot.Name()}
	for _, p := range s.bot.Stats() {
		resp.Pipelines = append(resp.Pipelines, PipelineResponse{
			Kind:      string(p.Kind),
			State:     p.State,
			Restarts:  p.Restarts,
			PoolState: p.Pool.State.String(),
			Workers:   p.Pool.Workers,
			Alive:     p.Pool.Alive,
			Queued:    p.Pool.Queued,
			Capacity:  p.Pool.Capacity,
			Submitted: p.Pool.Submitted,
			Handled:   p.Pool.Handled,
			Failed:    p.Pool.Failed,
			Dropped:   p.Pool.Dropped,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.handled == nil {
		http.Error(w, "Ledger not available", http.StatusNotFound)
		return
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 500 {
		http.Error(w, "Invalid limit parameter (1-500)", http.StatusBadRequest)
		return
	}

	items, err := s.handled.RecentHandled(r.Context(), limit)
	if err != nil {
		log.Printf("[ERROR] Listing handled items: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// securityHeadersMiddleware adds security headers to all responses
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
