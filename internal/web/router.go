package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/znz-systems/mailslot/internal/health"
	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/ratelimit"
	"github.com/znz-systems/mailslot/internal/web/handlers"
	"github.com/znz-systems/mailslot/internal/web/middleware"
	"go.uber.org/zap"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	IngestHandler     *handlers.IngestHandler
	DeliveriesHandler *handlers.DeliveriesHandler
	Health            *health.Checker
	Metrics           *metrics.Metrics
	Limiter           *ratelimit.Limiter
	InternalAPIKey    string
	OperatorAPIKey    string
	Logger            *zap.Logger
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Observe(logger, deps.Metrics))
	r.Use(chiMiddleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz/live", deps.Health.Live)
		r.Get("/healthz/ready", deps.Health.Ready)
	}
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// Relay ingest (shared secret, rate limited)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAPIKey(deps.InternalAPIKey))
		if deps.Limiter != nil {
			r.Use(middleware.RateLimit(deps.Limiter, deps.Metrics))
		}

		r.Post("/api/email/ingest", deps.IngestHandler.HandleIngest)
	})

	// Operator API (bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.OperatorToken(deps.OperatorAPIKey))

		r.Get("/api/deliveries", deps.DeliveriesHandler.HandleList)
		r.Get("/api/deliveries/stats", deps.DeliveriesHandler.HandleStats)
		r.Get("/api/deliveries/anomalies", deps.DeliveriesHandler.HandleAnomalies)
		r.Get("/api/deliveries/{id}", deps.DeliveriesHandler.HandleGet)
		r.Post("/api/deliveries/{id}/acknowledge", deps.DeliveriesHandler.HandleAcknowledge)
	})

	return r
}
