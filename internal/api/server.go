package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/dryrun"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, validator *rules.Validator, gate *policy.Gate, engine *dryrun.Engine, gov *governance.Service, generator domain.RuleGenerator, simCfg domain.SimulationConfig, version string) *Server {
	handler := NewHandler(repo, cache, bus, validator, gate, engine, gov, generator, simCfg, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Historical transaction population
		r.Post("/transactions", handler.IngestTransaction)

		// Rule validation and policy checks
		r.Post("/rules/validate", handler.ValidateRule)
		r.Post("/policy/check", handler.CheckPolicy)

		// Dry-run simulation
		r.Post("/simulate", handler.Simulate)

		// Suggestion lifecycle
		r.Post("/suggestions", handler.CreateSuggestion)
		r.Get("/suggestions", handler.ListSuggestions)
		r.Get("/suggestions/{id}", handler.GetSuggestion)
		r.Post("/suggestions/{id}/approve", handler.ApproveSuggestion)
		r.Post("/suggestions/{id}/reject", handler.RejectSuggestion)

		// Promoted rules
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)

		// Audit trail
		r.Get("/audit/{id}", handler.ListAudit)
	})

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
