// Package api exposes the pipeline over HTTP: run triggers, scored output and
// graph statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/api/gateway"
	"github.com/lvonguyen/intelforge/internal/graph"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/pipeline"
	"github.com/lvonguyen/intelforge/internal/scoring"
)

const (
	defaultScoredLimit = 100
	defaultTopN        = 10
)

// Options configures a Server.
type Options struct {
	Version        string
	MetricsEnabled bool
	RequestTimeout time.Duration
	// Redis backs the rate limiter and readiness check; nil disables both.
	Redis     *redis.Client
	RateLimit gateway.RateLimitConfig
}

// Server serves the HTTP API.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	tel      *observability.Telemetry
	logger   *zap.Logger
	opts     Options
	runMu    sync.Mutex
}

// NewServer wires the router.
func NewServer(p *pipeline.Pipeline, tel *observability.Telemetry, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	s := &Server{
		pipeline: p,
		tel:      tel,
		logger:   tel.Logger().Named("api"),
		opts:     opts,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", tel.MetricsHandler())
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if opts.Redis != nil {
			limiter := gateway.NewRateLimiter(opts.Redis, opts.RateLimit, s.logger).
				WithRejectCounter(tel.Metrics().RateLimited)
			r.Use(limiter.Middleware())
		}

		r.Post("/runs/{date}", s.handleRun)
		r.Post("/runs/{date}/{stage}", s.handleRunStage)
		r.Get("/scored/{date}", s.handleScored)
		r.Get("/graph/{date}/stats", s.handleGraphStats)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and records HTTP metrics by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		metrics := s.tel.Metrics()
		metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Redis.Ping(ctx).Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Run handlers

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	res, err := s.pipeline.Run(r.Context(), chi.URLParam(r, "date"))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	manifest, err := s.pipeline.RunStage(r.Context(), chi.URLParam(r, "stage"), chi.URLParam(r, "date"))
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// Query handlers

type scoredResponse struct {
	Date    string                 `json:"date"`
	Band    string                 `json:"band,omitempty"`
	Total   int                    `json:"total"`
	Count   int                    `json:"count"`
	Records []scoring.ScoredRecord `json:"records"`
}

func (s *Server) handleScored(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")

	band := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("band")))
	if band != "" && !validBand(band) {
		writeError(w, http.StatusBadRequest, "band must be one of "+strings.Join(scoring.AllBands, ", "))
		return
	}
	limit, err := intParam(r, "limit", defaultScoredLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.pipeline.LoadScored(date)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	out := make([]scoring.ScoredRecord, 0, min(limit, len(rows)))
	total := 0
	for _, row := range rows {
		if band != "" && row.Band != band {
			continue
		}
		total++
		if len(out) < limit {
			out = append(out, row)
		}
	}

	writeJSON(w, http.StatusOK, scoredResponse{
		Date:    date,
		Band:    band,
		Total:   total,
		Count:   len(out),
		Records: out,
	})
}

type graphStatsResponse struct {
	Date  string                         `json:"date"`
	Stats graph.Stats                    `json:"stats"`
	Top   map[string][]graph.DegreeEntry `json:"top"`
}

// topKinds are the node kinds ranked in graph stats responses.
var topKinds = []string{graph.KindTechnique, graph.KindVulnerability, graph.KindMalware, graph.KindASN}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	n, err := intParam(r, "top", defaultTopN)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.pipeline.LoadGraph(date)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	resp := graphStatsResponse{
		Date:  date,
		Stats: graph.ComputeStats(snap),
		Top:   make(map[string][]graph.DegreeEntry, len(topKinds)),
	}
	for _, kind := range topKinds {
		resp.Top[kind] = graph.TopByDegree(snap, kind, n)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helpers

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrMissingInput):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrInvalidDate), errors.Is(err, pipeline.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Pipeline request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func validBand(band string) bool {
	for _, b := range scoring.AllBands {
		if b == band {
			return true
		}
	}
	return false
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
