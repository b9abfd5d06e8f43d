// Command agentgrid runs the coordinator: it watches a GitHub (or
// filesystem, for local dev) issue tracker, classifies and dispatches
// issues to coding agents, tracks their pull requests through review, and
// advances each issue through its label lifecycle until merged, skipped,
// escalated, or failed.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/dragonflyic/agent-grid/pkg/api"
	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/compute"
	"github.com/dragonflyic/agent-grid/pkg/config"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/orchestrator"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
	"github.com/dragonflyic/agent-grid/pkg/webhook"
)

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("could not load env file, continuing with process environment", "path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting agentgrid", "repo", cfg.TargetRepo, "tracker", cfg.IssueTrackerType, "backend", cfg.ExecutionBackend)

	s, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	bus := eventbus.New(cfg.EventBusMaxSize)

	trackerClient, err := buildTrackerClient(cfg)
	if err != nil {
		slog.Error("build tracker client", "error", err)
		os.Exit(1)
	}

	var dryRunLog *tracker.DryRunLogger
	if cfg.DryRun {
		dryRunLog, err = tracker.NewDryRunLogger(cfg.DryRunOutputFile)
		if err != nil {
			slog.Error("init dry-run logger", "error", err)
			os.Exit(1)
		}
		trackerClient = tracker.WithDryRun(trackerClient, dryRunLog)
	}

	computeBackend := buildComputeBackend(cfg, dryRunLog)

	classify := classifier.New(cfg.AnthropicAPIKey, cfg.ClassificationModel)
	budget := orchestrator.NewBudgetManager(s, cfg.MaxConcurrentExecutions, cfg.MaxTokensPerRun, cfg.MaxCostPerDayUSD)

	orch := orchestrator.New(orchestrator.Deps{
		Store:              s,
		Bus:                bus,
		Tracker:            trackerClient,
		Compute:            computeBackend,
		Classifier:         classify,
		Budget:             budget,
		Repo:               cfg.TargetRepo,
		MaxRetriesPerIssue: cfg.MaxRetriesPerIssue,
		MaxCIFixRetries:    cfg.MaxCIFixRetries,
		ExecutionTimeout:   cfg.ExecutionTimeout(),
	})
	orch.Subscribe(bus)

	bus.Start(ctx)
	defer bus.Stop()

	poller := orchestrator.NewPoller(orch, 5*time.Second)
	go poller.Run(ctx)

	dedup := webhook.NewDeduplicator(s, bus, cfg.WebhookDedupQuietPeriod(), cfg.WebhookDedupPollInterval())
	go dedup.Run(ctx)

	acquiredLock, err := s.TryAcquireControlLoopLock(ctx)
	if err != nil {
		slog.Error("acquire control loop lock", "error", err)
		os.Exit(1)
	}
	if acquiredLock {
		loop := orchestrator.NewControlLoop(orch, cfg.ManagementLoopInterval())
		go loop.Run(ctx)
	} else {
		slog.Info("control loop lock held elsewhere, this process will only serve the event-driven scheduler and API")
	}

	inbox := webhook.NewInbox(s, cfg.GitHubWebhookSecret)
	server := api.NewServer(s, budget, orch, cfg.TargetRepo, inbox)

	addr := cfg.Host + ":" + portString(cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("admin API listening", "addr", addr)
		serverErr <- server.Start(addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("admin API server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin API shutdown", "error", err)
	}
	slog.Info("agentgrid stopped")
}

func buildTrackerClient(cfg *config.Config) (tracker.Client, error) {
	switch cfg.IssueTrackerType {
	case config.TrackerGitHub:
		return tracker.NewGitHubClient(cfg.GitHubToken), nil
	default:
		return tracker.NewFilesystemClient(cfg.IssuesDirectory)
	}
}

func buildComputeBackend(cfg *config.Config, dryRunLog *tracker.DryRunLogger) compute.Backend {
	if cfg.DryRun {
		return compute.WithDryRun(dryRunLog)
	}
	runFn := compute.NewProcessRunFunc(cfg.AgentCommand, nil, cfg.RepoBasePath)
	return compute.NewLocalBackend(cfg.MaxConcurrentExecutions, runFn)
}

func portString(port int) string {
	if port <= 0 {
		port = 8080
	}
	return strconv.Itoa(port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
