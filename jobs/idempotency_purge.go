package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
)

const defaultRetentionHours = 7 * 24

// KeyPurger deletes idempotency keys older than a retention window.
type KeyPurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyPurgeJob keeps the idempotency_keys table bounded.
type IdempotencyPurgeJob struct {
	Store   KeyPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyPurgeJob constructs the job handler.
func NewIdempotencyPurgeJob(store KeyPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyPurgeJob {
	return &IdempotencyPurgeJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *IdempotencyPurgeJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency purge: store not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyPurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	var payload IdempotencyPurgePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency purge payload: %w", asynq.SkipRetry)
		}
	}
	hours := payload.RetentionHours
	if hours <= 0 {
		hours = defaultRetentionHours
	}
	removed, err := j.Store.Purge(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("purged idempotency keys", slog.String("job", TaskIdempotencyPurge), slog.Int64("removed", removed), slog.Int("retention_hours", hours))
	return nil
}
