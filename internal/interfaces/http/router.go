package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lattice-backend/internal/middleware"
	"lattice-backend/internal/observability"
	"lattice-backend/internal/tenant"
)

// RouterConfig tunes the middleware chain.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter assembles the chi router. Health and metrics sit outside the
// auth chain; ingest additionally carries the route breaker and skips
// the request timeout so synchronous ingestion can use its own budget.
func NewRouter(cfg RouterConfig, handler *Handler, resolver *tenant.Resolver,
	collector *observability.Collector, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", handler.Health)
	if collector != nil {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(resolver, logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			if collector != nil {
				r.Use(middleware.Metrics(collector, "/query"))
			}
			r.Post("/query", handler.Query)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("ingest"), logger))
			if collector != nil {
				r.Use(middleware.Metrics(collector, "/ingest"))
			}
			r.Post("/ingest", handler.Ingest)
			r.Get("/ingest/{job_id}", handler.IngestJob)
		})
	})

	return r
}
