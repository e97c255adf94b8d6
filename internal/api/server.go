package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/opensource-finance/cambio/internal/policy"
)

// Deps are the collaborators the HTTP layer calls into. Only Manager is
// required; the others switch their endpoints off when nil.
type Deps struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Manager *lifecycle.Manager
	Limits  *limits.Validator
	Policy  *policy.Engine
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Post("/quotes", handler.Quote)

	router.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.CreateTransaction)
		r.Post("/expire", handler.ExpireOverdue)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetTransaction)
			r.Post("/confirm", handler.Confirm)
			r.Post("/cancel", handler.Cancel)
			r.Post("/complete", handler.Complete)
			r.Post("/expire", handler.Expire)
			r.Get("/staleness", handler.Staleness)
		})
	})

	router.Post("/gateway/notifications", handler.GatewayNotification)
	router.Post("/gateway/payments/{id}/reconcile", handler.Reconcile)

	router.Get("/terminals/{id}/stock", handler.Stock)
	router.Get("/clients/{id}/limits", handler.LimitUsage)

	router.Get("/policies", handler.ListPolicies)
	router.Post("/policies", handler.CreatePolicy)
	router.Post("/policies/reload", handler.ReloadPolicies)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
