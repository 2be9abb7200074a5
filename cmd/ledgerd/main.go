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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/cmd/ledgerd/cli"
	"github.com/odyssey-erp/subledger/internal/app"
	"github.com/odyssey-erp/subledger/internal/batch"
	"github.com/odyssey-erp/subledger/internal/capture"
	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/observability"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/platform/cache"
	"github.com/odyssey-erp/subledger/internal/platform/db"
	"github.com/odyssey-erp/subledger/internal/posting"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/internal/vat"
	"github.com/odyssey-erp/subledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, logger, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.DBOptions("ledgerd"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	store := ledger.NewRepository(dbpool)
	periodRepo := periods.NewRepository(dbpool)
	controls := control.NewCachedLookup(control.NewRepository(dbpool), redisClient, cfg.CacheTTL, logger)
	rates := vat.NewResolver(vat.NewCachedRepository(vat.NewRepository(dbpool), redisClient, cfg.CacheTTL, logger))

	captureService := capture.NewService(capture.Config{
		Store:    store,
		Batches:  batch.NewService(periodRepo, store, logger),
		Engine:   posting.NewEngine(controls, logger),
		Rates:    rates,
		Periods:  periodRepo,
		Controls: controls,
		Audit:    shared.NewAuditLogger(dbpool),
		Metrics:  metrics,
		Logger:   logger,
	})
	registry := capture.NewRegistry()
	captureHandler := capture.NewHandler(logger, captureService, registry, shared.NewIdempotencyStore(dbpool))
	go registry.Reap(ctx, captureService, cfg.CaptureIdleTTL, cfg.CaptureIdleTTL/4)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		CaptureHandler: captureHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Health: map[string]app.HealthChecker{
			"postgres": func(r *http.Request) error { return dbpool.Ping(r.Context()) },
			"redis":    func(r *http.Request) error { return redisClient.Ping(r.Context()).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", slog.Int("open_sessions", registry.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	// open sessions hold pool connections; the deferred pool close waits for them
	if n := registry.CloseAll(shutdownCtx, captureService); n > 0 {
		logger.Info("closed capture sessions", slog.Int("count", n))
	}
}

func runJobs(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
