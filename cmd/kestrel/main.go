// Kestrel - Fraud rule authoring with humans in the loop.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/dryrun"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if key := os.Getenv("KESTREL_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if endpoint := os.Getenv("KESTREL_LLM_ENDPOINT"); endpoint != "" {
		cfg.LLM.Endpoint = endpoint
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Feature catalog, validator and policy gate
	cat := catalog.Default()
	validator := rules.NewValidator(cat)
	gate := policy.NewGate()
	slog.Info("feature catalog loaded", "field_count", len(cat.FieldNames()))

	// Dry-run simulation engine
	engine := dryrun.NewEngine(cat, cfg.Simulation)
	slog.Info("simulation engine initialized",
		"max_sample_size", cfg.Simulation.MaxSampleSize,
		"default_sample_size", cfg.Simulation.DefaultSampleSize,
	)

	// LLM rule generator
	generator := llm.NewClient(cfg.LLM, cat.FieldNames(), cacheImpl, logger)
	slog.Info("rule generator initialized",
		"model", cfg.LLM.Model,
		"rate_limit", cfg.LLM.RateLimit,
		"shared_limiter", cfg.LLM.SharedLimiter,
	)

	// Governance service
	gov := governance.NewService(repo, busImpl, cfg.Governance, logger)
	slog.Info("governance service initialized",
		"suggestion_ttl_hours", cfg.Governance.SuggestionTTLHours,
	)

	// Tenants to audit and sweep (comma-separated)
	var tenantIDs []string
	if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
		for _, id := range strings.Split(envTenants, ",") {
			if id = strings.TrimSpace(id); id != "" {
				tenantIDs = append(tenantIDs, id)
			}
		}
	}

	// Audit worker: lifecycle events to the audit trail
	auditWorker := worker.NewAuditWorker(busImpl, repo)
	if err := auditWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
		slog.Error("failed to start audit worker", "error", err)
	}

	// Expiry sweep: stale pending suggestions transition to expired
	go runExpirySweep(ctx, gov, tenantIDs, cfg.Governance)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, validator, gate, engine, gov, generator, cfg.Simulation, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop audit worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// runExpirySweep periodically expires stale pending suggestions for each
// configured tenant.
func runExpirySweep(ctx context.Context, gov *governance.Service, tenantIDs []string, cfg domain.GovernanceConfig) {
	sweepMins := cfg.ExpirySweepMins
	if sweepMins <= 0 {
		sweepMins = 15
	}

	ticker := time.NewTicker(time.Duration(sweepMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				expired, err := gov.ExpireStale(ctx, tenantID)
				if err != nil {
					slog.Error("expiry sweep failed",
						"tenant_id", tenantID,
						"error", err,
					)
					continue
				}
				if expired > 0 {
					slog.Info("expired stale suggestions",
						"tenant_id", tenantID,
						"count", expired,
					)
				}
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Fraud Rule Authoring Engine          ║")
	fmt.Println("  ║   Every rule reviewed before it ships.    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions              - Ingest a historical transaction")
	fmt.Println("    POST /rules/validate            - Validate a candidate rule")
	fmt.Println("    POST /policy/check              - Check content policy")
	fmt.Println("    POST /simulate                  - Dry-run a rule against history")
	fmt.Println("    POST /suggestions               - Generate a rule suggestion")
	fmt.Println("    GET  /suggestions               - List suggestions")
	fmt.Println("    POST /suggestions/{id}/approve  - Approve a suggestion")
	fmt.Println("    POST /suggestions/{id}/reject   - Reject a suggestion")
	fmt.Println("    GET  /rules                     - List active rules")
	fmt.Println("    GET  /audit/{id}                - Audit trail for an entity")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
