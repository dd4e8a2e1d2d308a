package api

import (
	"log/slog"
	"net/http"

	mw "github.com/flowpbx/ringwatch/internal/api/middleware"
	"github.com/flowpbx/ringwatch/internal/database"
	"github.com/flowpbx/ringwatch/internal/media"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	manager   *media.Manager
	verdicts  database.VerdictRepository
	users     database.OperatorUserRepository
	jwtSecret []byte
	metrics   http.Handler

	// hangupDefault is reported with verdicts when a start request does
	// not set the policy explicitly.
	hangupDefault bool

	apiLimiter  *mw.IPRateLimiter
	authLimiter *mw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
// metricsHandler may be nil to disable the /metrics endpoint.
func NewServer(
	manager *media.Manager,
	verdicts database.VerdictRepository,
	users database.OperatorUserRepository,
	jwtSecret []byte,
	metricsHandler http.Handler,
	hangupDefault bool,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		manager:       manager,
		verdicts:      verdicts,
		users:         users,
		jwtSecret:     jwtSecret,
		metrics:       metricsHandler,
		hangupDefault: hangupDefault,
		apiLimiter:    mw.NewIPRateLimiter(mw.DefaultRateLimitConfig()),
		authLimiter:   mw.NewIPRateLimiter(mw.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.StructuredLogger)
	r.Use(mw.Recoverer)

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit(s.apiLimiter))

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(mw.RateLimit(s.authLimiter)).Post("/auth/login", s.handleLogin)

		// Protected routes.
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireAuth(s.jwtSecret))

			r.Route("/detections", func(r chi.Router) {
				r.Get("/", s.handleListDetections)
				r.Post("/", s.handleStartDetection)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDetection)
					r.Delete("/", s.handleStopDetection)
				})
			})

			r.Route("/verdicts", func(r chi.Router) {
				r.Get("/", s.handleListVerdicts)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetVerdict)
					r.Delete("/", s.handleDeleteVerdict)
				})
			})
		})
	})

	// Prometheus scrape endpoint.
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_detections": s.manager.Count(),
	})
}
