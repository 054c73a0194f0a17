package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/progress-engine/internal/catalog"
	"github.com/terra-clan/progress-engine/internal/config"
	"github.com/terra-clan/progress-engine/internal/health"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
	"github.com/terra-clan/progress-engine/internal/tracker"
)

// Dependencies are the components the API serves
type Dependencies struct {
	Repo        storage.Repository
	Catalog     *catalog.Loader
	CatalogDir  string
	Registry    *tracker.Registry
	Broadcaster *tracker.Broadcaster
	Feed        realtime.Feed
	Tokens      TokenParser
	// Health holds extra readiness checks; the store is always checked
	Health *health.Registry
	// ViewLimiter is optional
	ViewLimiter *RateLimiter
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	repo           storage.Repository
	catalog        *catalog.Loader
	catalogDir     string
	registry       *tracker.Registry
	broadcaster    *tracker.Broadcaster
	feed           realtime.Feed
	viewLimiter    *RateLimiter
	checks         *health.Registry
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	checks := deps.Health
	if checks == nil {
		checks = health.NewRegistry()
	}
	checks.Register("store", health.CheckerFunc(deps.Repo.Ping))

	s := &Server{
		config:         cfg,
		repo:           deps.Repo,
		catalog:        deps.Catalog,
		catalogDir:     deps.CatalogDir,
		registry:       deps.Registry,
		broadcaster:    deps.Broadcaster,
		feed:           deps.Feed,
		viewLimiter:    deps.ViewLimiter,
		checks:         checks,
		authMiddleware: NewAuthMiddleware(deps.Tokens),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived websocket, no request timeout
		r.With(s.authMiddleware.Authenticate).Get("/realtime", s.handleRealtimeWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			// Public reads; a token is used when present
			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware.Identify)

				r.Get("/challenges", s.handleListChallenges)
				r.Get("/challenges/{id}", s.handleGetChallenge)
				r.Get("/projects/public", s.handleListPublicProjects)

				if s.viewLimiter != nil {
					r.With(s.viewLimiter.Middleware).Post("/projects/{id}/view", s.handleRecordView)
				} else {
					r.Post("/projects/{id}/view", s.handleRecordView)
				}
			})

			// Signed-in user
			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware.Authenticate)

				r.Post("/challenges/{id}/start", s.handleStartChallenge)
				r.Put("/challenges/{id}/notes", s.handleUpdateNotes)
				r.Put("/challenges/{id}/steps/{step}/submission", s.handleAttachSubmission)
				r.Post("/challenges/{id}/steps/{step}/complete", s.handleCompleteStep)
				r.Delete("/challenges/{id}/steps/{step}/complete", s.handleUncompleteStep)

				r.Post("/projects", s.handleCreateProject)
				r.Put("/projects/{id}", s.handleUpdateProject)
				r.Delete("/projects/{id}", s.handleDeleteProject)
				r.Post("/projects/{id}/like", s.handleToggleLike)

				r.Get("/me/challenges", s.handleListMyProgress)
				r.Get("/me/challenges/{id}", s.handleGetMyProgress)
				r.Get("/me/projects", s.handleListMyProjects)
				r.Get("/me/likes", s.handleListMyLikes)
				r.Get("/me/portfolio/stats", s.handleGetPortfolioStats)
				r.Delete("/me/session", s.handleReleaseSession)

				r.With(s.authMiddleware.RequireRole("admin")).Post("/catalog/reload", s.handleReloadCatalog)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
