package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tiace/internal/api/handlers"
	apimiddleware "tiace/internal/api/middleware"
	"tiace/internal/config"
	"tiace/pkg/logger"
)

// Router holds dependencies for the API router
type Router struct {
	config   config.Config
	handlers *handlers.Handlers
	keys     *apimiddleware.KeyRing
	limiter  apimiddleware.Limiter
	logger   *logger.Logger
}

// NewRouter creates a new Router instance. A nil limiter selects the
// in-process token bucket.
func NewRouter(cfg config.Config, h *handlers.Handlers, limiter apimiddleware.Limiter, log *logger.Logger) *Router {
	if limiter == nil {
		limiter = apimiddleware.NewLocalLimiter()
	}
	return &Router{
		config:   cfg,
		handlers: h,
		keys:     apimiddleware.NewKeyRing(cfg.APIKeys),
		limiter:  limiter,
		logger:   log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Core middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	// Public routes
	router.Get("/healthz", r.handlers.Health.Check)
	router.Get("/readyz", r.handlers.Health.Ready)

	router.Route("/api/v1", func(api chi.Router) {
		api.Use(apimiddleware.TenantAuth(r.keys))
		if r.config.RateLimit.Enabled {
			api.Use(apimiddleware.RateLimiter(r.limiter, r.config.RateLimit, r.logger))
		}

		// long-lived, no request timeout
		api.Get("/changes", r.handlers.Streaming.Changes)

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(60 * time.Second))

			api.Route("/indicators", func(ind chi.Router) {
				ind.Get("/", r.handlers.Indicators.List)
				ind.Get("/{id}", r.handlers.Indicators.Get)
				ind.Delete("/{id}", r.handlers.Indicators.Delete)
			})
			api.Post("/hunt", r.handlers.Indicators.Hunt)
			api.Get("/clusters/{id}", r.handlers.Indicators.Cluster)
			api.Get("/aggregates", r.handlers.Indicators.Aggregates)
			api.Get("/export/{format}", r.handlers.Export.Export)

			api.Route("/feeds", func(feeds chi.Router) {
				feeds.Get("/", r.handlers.Feeds.List)
				feeds.Post("/{id}/sync", r.handlers.Feeds.Sync)
				feeds.Post("/{id}/reenable", r.handlers.Feeds.Reenable)
			})
			api.Get("/sync-jobs", r.handlers.Feeds.SyncJobs)
		})
	})

	return router
}
