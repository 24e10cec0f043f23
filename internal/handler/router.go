package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/streamturn/internal/middleware"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

// RouterConfig holds the handlers and settings of the API router.
type RouterConfig struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Turns         *TurnHandler
	Accounts      *AccountHandler
	Logger        *logger.Logger

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/account", cfg.Accounts.Me)
		r.Get("/features", cfg.Accounts.Costs)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", cfg.Conversations.Create)
			r.Get("/", cfg.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Delete("/", cfg.Conversations.Delete)

				// Streaming turns
				r.Post("/turns", cfg.Turns.Start)
			})
		})

		// Turns
		r.Get("/turns", cfg.Turns.Recent)
		r.Get("/turns/{id}", cfg.Turns.Get)
		r.Delete("/turns/{id}", cfg.Turns.Cancel)

		// Account administration
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Post("/accounts/{userID}/grants", cfg.Accounts.Grant)
			r.Post("/accounts/{userID}/allowance", cfg.Accounts.RaiseAllowance)
		})
	})

	return r
}
