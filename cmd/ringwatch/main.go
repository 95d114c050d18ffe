// Ringwatch - Money-muling ring detection over transaction ledgers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/ringwatch/internal/api"
	"github.com/opensource-finance/ringwatch/internal/bus"
	"github.com/opensource-finance/ringwatch/internal/cache"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/export"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/pipeline"
	"github.com/opensource-finance/ringwatch/internal/repository"
	"github.com/opensource-finance/ringwatch/internal/rules"
	"github.com/opensource-finance/ringwatch/internal/tracing"
	"github.com/opensource-finance/ringwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting ringwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph_export", cfg.GraphExport.Enabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("ringwatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ringwatch shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer flush(shutdownTracing, "tracing")

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Suppression rules
	engine, err := rules.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		return err
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	m := metrics.New()
	m.RegisterBuildInfo(Version)
	if local, ok := cacheImpl.(interface{ Stats() domain.CacheStats }); ok {
		m.RegisterCacheStats(local.Stats)
	}

	var (
		sink  domain.GraphSink
		rings api.RingReader
	)
	if cfg.GraphExport.Enabled() {
		neo4jSink, err := newGraphSink(ctx, cfg.GraphExport, logger)
		if err != nil {
			return err
		}
		defer flush(neo4jSink.Close, "graph sink")
		sink, rings = neo4jSink, neo4jSink
	}

	hub := api.NewEventHub(logger)
	svc := pipeline.New(pipeline.Options{
		Detection:  cfg.Detection,
		Repository: repo,
		Cache:      cacheImpl,
		ResultTTL:  cfg.Cache.ResultTTL,
		Sink:       sink,
		Suppressor: engine,
		Metrics:    m,
		Notifier:   hub,
		Logger:     logger,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		workerCfg := worker.Config{
			TenantIDs:   tenantsFromEnv(),
			WorkerCount: cfg.Worker.WorkerCount,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started",
			"worker_count", workerCfg.WorkerCount,
			"tenant_count", len(workerCfg.TenantIDs),
		)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:   svc,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Rules:      engine,
		Hub:        hub,
		Rings:      rings,
		Version:    Version,
		RateLimit:  cfg.RateLimit,
		// NATS workers may run in other replicas
		AsyncJobs:  cfg.Worker.Enabled || cfg.EventBus.Type == "nats",
	}, m)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("ringwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop taking jobs first so in-flight detections finish before storage closes
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newGraphSink connects to Neo4j and makes sure the account constraint exists.
func newGraphSink(ctx context.Context, cfg domain.GraphExportConfig, logger *slog.Logger) (*export.Neo4jSink, error) {
	graph, err := export.OpenBolt(ctx, export.BoltOptions{
		URI:      cfg.URI,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
		PoolSize: cfg.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to graph database: %w", err)
	}

	sink := export.NewNeo4jSink(graph, cfg.BatchSize, logger)
	if err := sink.EnsureSchema(ctx); err != nil {
		_ = sink.Close(ctx)
		return nil, fmt.Errorf("failed to prepare graph schema: %w", err)
	}
	slog.Info("graph export enabled", "uri", cfg.URI, "batch_size", cfg.BatchSize)
	return sink, nil
}

// loadRulesFromDatabase loads the global suppression rules into the engine.
// Rules are managed through the /rules API; none are built in.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListSuppressionRules(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(stored) == 0 {
		slog.Info("no suppression rules in database - configure via POST /rules API")
		return nil
	}

	slog.Info("loading rules from database", "count", len(stored))
	if err := engine.LoadRules(stored); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	return nil
}

// tenantsFromEnv reads RINGWATCH_TENANTS, a comma-separated list of tenants
// that get dedicated worker subscriptions.
func tenantsFromEnv() []string {
	var tenants []string
	for t := range strings.SplitSeq(os.Getenv(domain.EnvPrefix+"TENANTS"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func flush(fn func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Error("failed to close "+name, "error", err)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  RINGWATCH")
	fmt.Println("  Money-muling ring detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect                - Upload a CSV ledger (?async=true to queue)")
	fmt.Println("    GET  /results               - Recent detection sessions")
	fmt.Println("    GET  /results/{id}          - Full detection result")
	fmt.Println("    GET  /results/{id}/download - Result report as JSON attachment")
	fmt.Println("    GET  /results/{id}/graph    - Graph visualisation data")
	fmt.Println("    GET  /results/{id}/analysis - Per-account score breakdown")
	fmt.Println("    POST /results/{id}/rerun    - Re-run a stored session")
	fmt.Println("    GET  /results/{id}/rings    - Rings as stored in the graph database")
	fmt.Println("    GET  /stats                 - Tenant statistics")
	fmt.Println("    GET  /rules                 - List suppression rules")
	fmt.Println("    POST /rules                 - Create a suppression rule")
	fmt.Println("    POST /rules/reload          - Hot-reload rules from database")
	fmt.Println("    GET  /ws                    - Detection event stream")
	fmt.Println("    GET  /metrics               - Prometheus metrics")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println("    GET  /ready                 - Readiness of database, cache and bus")
	fmt.Println("    GET  /workers               - Counters from a live worker")
	fmt.Println()
}
