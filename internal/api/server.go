// Package api exposes the HTTP interface for the tracker service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clever-search/tracker/internal/config"
	"github.com/clever-search/tracker/internal/id/uuid"
	"github.com/clever-search/tracker/internal/logging"
	"github.com/clever-search/tracker/internal/metrics"
	"github.com/clever-search/tracker/internal/processor"
	"github.com/clever-search/tracker/internal/ratelimit"
	"github.com/clever-search/tracker/internal/tracking"
	"github.com/clever-search/tracker/internal/visitor"
)

// Drainer is the processor surface used by the admin routes.
type Drainer interface {
	RunCycle(ctx context.Context) (processor.CycleReport, error)
	Trigger(ctx context.Context) bool
	Status() processor.Status
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies groups the collaborators the handlers call. Limiter may be nil,
// which disables rate limiting.
type Dependencies struct {
	Sites     tracking.SiteResolver
	Pages     tracking.PageStore
	Content   tracking.ContentReader
	Buffer    tracking.EventBuffer
	Analytics tracking.AnalyticsReader
	Processor Drainer
	Limiter   *ratelimit.Limiter
	Policies  ratelimit.Policies
	Visitors  *visitor.Fingerprinter
	Clock     tracking.Clock
	// Checks are pinged by /readyz, keyed by name.
	Checks map[string]Pinger
}

// Server wires HTTP handlers to the buffer, stores and processor.
type Server struct {
	router   chi.Router
	deps     Dependencies
	cfg      config.Config
	logger   *zap.Logger
	validate *validator.Validate

	appendTimeout time.Duration
	touchTimeout  time.Duration
	appendLog     rate.Sometimes
	touchLog      rate.Sometimes
}

const readyTimeout = 2 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, cfg config.Config, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("api")
	metrics.Init()
	if deps.Visitors == nil {
		deps.Visitors = visitor.New(cfg.Tracker.VisitorSalt)
	}
	s := &Server{
		deps:          deps,
		cfg:           cfg,
		logger:        logger,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		appendTimeout: millisOr(cfg.Tracker.AppendTimeoutMs, 50*time.Millisecond),
		touchTimeout:  millisOr(cfg.Tracker.PageTouchTimeoutMs, 50*time.Millisecond),
		appendLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		touchLog:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	r := chi.NewRouter()
	if cfg.Server.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	policies := deps.Policies

	// Public tracker routes answering with JSON, script or an empty body.
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.Use(s.limit(policies.Tracker), s.limit(policies.TrackerID))
		r.Post("/tracker/{trackerId}/data", s.recordV1)
		r.Get("/tracker/{trackerId}/content", s.contentV1)
		r.Get("/{trackerId}/content", s.contentV2)
		r.Get("/{trackerId}/tracker.js", s.script)
	})

	// Pixel routes answer with the GIF even when limited.
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.Use(
			s.limit(policies.Tracker.WithOnLimit(s.limitedPixel)),
			s.limit(policies.TrackerID.WithOnLimit(s.limitedPixel)),
		)
		r.Post("/{trackerId}/track", s.trackV2)
		r.Get("/{trackerId}/pixel.gif", s.pixel)
	})

	// Dashboard read path.
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		s.protect(r)
		r.Get("/api/sites/{siteId}/analytics", s.siteAnalytics)
	})

	// Operator routes. A synchronous drain can outlast the request budget, so
	// no timeout here.
	r.Route("/admin", func(r chi.Router) {
		s.protect(r)
		r.With(s.limit(policies.Analysis)).Post("/processor/drain", s.drain)
		r.Get("/processor/status", s.processorStatus)
		r.Get("/buffer/{siteId}", s.bufferLength)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// protect installs the brute-force guard, the API key check and the dashboard
// budget, in that order.
func (s *Server) protect(r chi.Router) {
	if s.cfg.Auth.Enabled {
		r.Use(s.limit(s.deps.Policies.Auth))
		r.Use(apiKeyMiddleware(s.cfg.Auth.APIKey))
	}
	r.Use(s.limit(s.deps.Policies.Dashboard))
}

func (s *Server) limit(policy ratelimit.Policy) func(http.Handler) http.Handler {
	if s.deps.Limiter == nil || policy.KeyFunc == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Limiter.Middleware(policy)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Checks))
	ready := true
	for name, p := range s.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("error", rec),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
