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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/subledger/internal/app"
	"github.com/odyssey-erp/subledger/internal/batch"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/platform/cache"
	"github.com/odyssey-erp/subledger/internal/platform/db"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.DBOptions("worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	store := ledger.NewRepository(pool)
	periodRepo := periods.NewRepository(pool)
	batches := batch.NewService(periodRepo, store, logger)
	reconcileJob := jobs.NewBatchReconcileJob(batches, periodRepo, redisClient, logger, jobmetrics.NewMetrics(nil))

	purgeJob := jobs.NewIdempotencyPurgeJob(shared.NewIdempotencyStore(pool), logger, jobmetrics.NewMetrics(nil))

	reconcileTask, err := jobs.NewBatchReconcileTask(jobs.BatchReconcilePayload{Close: cfg.ReconcileClose})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	purgeTask, err := jobs.NewIdempotencyPurgeTask(int(cfg.IdempotencyRetention.Hours()))
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBatchReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyPurge, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 0 * * *", Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			_ = metricsServer.Shutdown(context.WithoutCancel(ctx))
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
