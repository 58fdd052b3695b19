// Command server runs the deep-research orchestration service.
//
// # Configuration
//
// Environment variables (see internal/config for defaults):
//
//	PROVIDER_API_KEY_TEXT        - text-completion credentials (absent: mock mode)
//	PROVIDER_API_KEY_SEARCH      - web-search credentials (absent: mock mode)
//	PROVIDER_BASE_URL_TEXT       - text provider endpoint override
//	PROVIDER_BASE_URL_SEARCH     - search provider endpoint
//	PROVIDER_CONNECT_TIMEOUT_SEC - provider connect timeout (default: 30)
//	PROVIDER_READ_TIMEOUT_SEC    - provider read timeout (default: 120)
//	PROVIDER_MAX_RETRIES         - provider retry budget (default: 3)
//	PERSISTENCE_URL              - MongoDB URL; absent selects the in-memory store
//	PERSISTENCE_DB_NAME          - logical database (default: "deepresearch")
//	RESEARCH_MAX_CONCURRENT_TASKS - worker pool size (default: 10)
//	RESEARCH_DEFAULT_TIMEOUT_SEC  - per-task deadline (default: 300)
//	RESEARCH_QUALITY_THRESHOLD    - minimum completion score (default: 0.75)
//	RATE_LIMIT_PER_MINUTE        - provider request budget (default: 100)
//	RATE_LIMIT_BURST             - provider burst allowance (default: 20)
//	HTTP_ADDR                    - listen address (default: ":8080")
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/deepresearch-engine/core/internal/api"
	"github.com/deepresearch-engine/core/internal/config"
	"github.com/deepresearch-engine/core/internal/evidence"
	"github.com/deepresearch-engine/core/internal/gateway"
	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/persistence/memory"
	"github.com/deepresearch-engine/core/internal/persistence/mongostore"
	"github.com/deepresearch-engine/core/internal/progress"
	"github.com/deepresearch-engine/core/internal/research/evaluator"
	"github.com/deepresearch-engine/core/internal/research/orchestrator"
	"github.com/deepresearch-engine/core/internal/research/planner"
	"github.com/deepresearch-engine/core/internal/research/researcher"
	"github.com/deepresearch-engine/core/internal/research/writer"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg := config.FromEnv()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	store := buildStore(ctx, cfg, logger)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}

	buses := progress.NewRegistry()
	scorer := evidence.NewDefaultScorer()

	orch := orchestrator.New(
		planner.New(gw, logger),
		researcher.New(gw, researcher.Options{MaxResultsPerQuery: cfg.MaxEvidencePerSubtask}, logger),
		evaluator.New(gw, logger),
		writer.New(gw, logger),
		store, buses, scorer,
		orchestrator.Options{Logger: logger, Metrics: metrics},
	)
	mgr := orchestrator.NewManager(orch, cfg.MaxConcurrentTasks, cfg.DefaultTimeout, logger)

	srv := api.New(store, mgr, buses, cfg, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           log.HTTP(ctx)(srv.Router()),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", cfg.HTTPAddr,
			"persistence", store.Backend(),
			"text_mock", cfg.MockModeText(), "search_mock", cfg.MockModeSearch())
		errc <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown failed", "error", err.Error())
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "task manager shutdown incomplete", "error", err.Error())
	}
	return nil
}

// buildStore selects the persistence backend. A configured but unreachable
// durable backend falls back to the in-memory store with a warning; startup
// never fails on persistence. A reachable durable backend is
// additionally wrapped so a mid-process outage degrades the same way.
func buildStore(ctx context.Context, cfg config.Config, logger telemetry.Logger) persistence.Store {
	mem := memory.New()
	if !cfg.Durable() {
		logger.Info(ctx, "using in-memory persistence (PERSISTENCE_URL not set); task state will not survive restarts")
		return mem
	}

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.PersistenceURL))
	if err != nil {
		logger.Warn(ctx, "durable persistence unavailable at startup, falling back to in-memory store", "error", err.Error())
		return mem
	}

	client, err := mongostore.New(ctx, mongostore.Options{
		Client:   mongoClient,
		Database: cfg.PersistenceDBName,
	})
	if err != nil {
		logger.Warn(ctx, "durable persistence unavailable at startup, falling back to in-memory store", "error", err.Error())
		return mem
	}

	durable, err := mongostore.NewStore(client)
	if err != nil {
		logger.Warn(ctx, "durable persistence unavailable at startup, falling back to in-memory store", "error", err.Error())
		return mem
	}
	return persistence.NewFallback(durable, mem, logger)
}
