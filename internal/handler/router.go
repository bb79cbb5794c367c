package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-ops-approvals/internal/logger"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	// Validator enables bearer token auth; nil falls back to DevUserHeader.
	Validator      *TokenValidator
	DevUserHeader  string
	RequestTimeout time.Duration
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// Ready backs /ready when set, e.g. a database ping.
	Ready func(ctx context.Context) error
}

// NewRouter wires the approval API.
func NewRouter(h *HTTPHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Validator, cfg.DevUserHeader, log))

		r.Route("/work-requests/{id}", func(r chi.Router) {
			r.Post("/approval-workflow", h.InitializeWorkflow)
			r.Get("/approvals", h.GetChain)
			r.Post("/decisions", h.SubmitDecision)
			r.Post("/recall", h.RecallWorkflow)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPending)
			r.Get("/statistics", h.GetStatistics)
			r.Post("/escalations", h.RunEscalation)
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
