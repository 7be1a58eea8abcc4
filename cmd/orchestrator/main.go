// Command orchestrator runs the single consumer of the main event stream: it
// owns the backlog lifecycle, the clarification loop and dispatch.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/rediskv"
	"github.com/fairyhunter13/audit-orchestrator/internal/adapter/repo"
	"github.com/fairyhunter13/audit-orchestrator/internal/config"
	"github.com/fairyhunter13/audit-orchestrator/internal/observability"
	"github.com/fairyhunter13/audit-orchestrator/internal/schema"
	"github.com/fairyhunter13/audit-orchestrator/internal/stream"
	"github.com/fairyhunter13/audit-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := rediskv.Connect(ctx, cfg)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	registry, err := schema.Load(cfg.SchemasDir)
	if err != nil {
		slog.Error("schema registry load failed", slog.Any("error", err))
		os.Exit(1)
	}

	routing, err := usecase.LoadRoutingTable(cfg.RoutingFile)
	if err != nil {
		slog.Error("routing table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	recorder := observability.NewRedisRecorder(rdb, cfg.MetricsPrefix())

	orch := usecase.NewOrchestrator(
		cfg,
		repo.NewBacklogRepo(rdb, cfg.KeyPrefix),
		repo.NewQuestionRepo(rdb, cfg.KeyPrefix),
		repo.NewProjectRepo(rdb, cfg.KeyPrefix),
		rediskv.NewStream(rdb),
		rediskv.NewLocker(rdb),
		rediskv.NewApprovalMarker(rdb),
		routing,
		observability.NewTraceLogger(rdb, cfg.TracePrefix()),
		recorder,
		logger,
	)

	processor := stream.NewProcessor(
		cfg,
		rediskv.NewStream(rdb),
		rediskv.NewDeadLetter(rdb, cfg.DLQStream),
		rediskv.NewDeduper(rdb),
		rediskv.NewAttemptTracker(rdb),
		registry,
		orch.Handle,
		recorder,
		logger,
	)

	logger.Info("orchestrator starting",
		slog.String("stream", cfg.StreamName),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName))

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("orchestrator stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("orchestrator shut down")
}
