// Package httpserver exposes the speech service and its administration over HTTP.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ineyio/speechquota"
)

const maxBodyBytes = 1 << 20

// Server serves the public synthesis API, user usage and the admin API.
type Server struct {
	svc         *speechquota.Service
	admin       *speechquota.Admin
	purger      *speechquota.Purger
	logger      *zap.Logger
	metrics     http.Handler
	metricsPath string
	retryAfter  time.Duration
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts h (typically promhttp.Handler()) at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// WithPurger enables POST /admin/maintenance/purge.
func WithPurger(p *speechquota.Purger) Option {
	return func(s *Server) { s.purger = p }
}

// WithRetryAfter sets the Retry-After hint sent when no key has quota.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) { s.retryAfter = d }
}

// New creates a Server.
func New(svc *speechquota.Service, admin *speechquota.Admin, opts ...Option) *Server {
	s := &Server{
		svc:        svc,
		admin:      admin,
		logger:     zap.NewNop(),
		retryAfter: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/synthesize", s.handleSynthesize)
		api.Get("/users/{userID}/usage", s.handleUserUsage)
		api.Get("/plans", s.handlePlans)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Route("/keys", func(keys chi.Router) {
			keys.Get("/", s.handleListKeys)
			keys.Post("/", s.handleCreateKey)
			keys.Patch("/{id}", s.handleUpdateKey)
			keys.Delete("/{id}", s.handleDeleteKey)
			keys.Post("/{id}/reset", s.handleResetKey)
		})
		admin.Post("/users/{userID}/membership", s.handleUpgrade)
		admin.Delete("/users/{userID}/membership", s.handleDowngrade)
		admin.Post("/maintenance/purge", s.handlePurge)
	})

	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
