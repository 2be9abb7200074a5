package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/subledger/internal/batch"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/shared"
)

const closeLockTTL = time.Minute

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BatchReconciler is the part of batch.Service the job drives.
type BatchReconciler interface {
	ReconcileOpen(ctx context.Context) ([]batch.Report, error)
	Close(ctx context.Context, key ledger.BatchKey) (batch.Report, error)
}

// BatchReconcileJob checks every open batch against its committed rows and
// closes clean batches of past periods when asked to.
type BatchReconcileJob struct {
	Service BatchReconciler
	Periods periods.Repository
	Locks   redis.Cmdable
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBatchReconcileJob constructs the job handler. locks may be nil, in which
// case closes run without the cross-worker lock.
func NewBatchReconcileJob(service BatchReconciler, periodRepo periods.Repository, locks redis.Cmdable, logger *slog.Logger, metrics *jobmetrics.Metrics) *BatchReconcileJob {
	return &BatchReconcileJob{
		Service: service,
		Periods: periodRepo,
		Locks:   locks,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ReconcileSummary reports one run.
type ReconcileSummary struct {
	Checked    int
	Unbalanced int
	Closed     int
}

// Handle executes the reconciliation job.
func (j *BatchReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload BatchReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run reconciles the batches selected by payload.
func (j *BatchReconcileJob) Run(ctx context.Context, payload BatchReconcilePayload) (summary ReconcileSummary, resultErr error) {
	if j == nil || j.Service == nil {
		return summary, errors.New("batch reconcile: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskBatchReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	reports, err := j.Service.ReconcileOpen(ctx)
	if err != nil {
		j.log().Error("reconcile open batches", slog.Any("error", err))
		return summary, err
	}
	for _, rep := range reports {
		if payload.Company > 0 && rep.Key.Company != payload.Company {
			continue
		}
		summary.Checked++
		if !rep.Balanced() {
			summary.Unbalanced++
			j.metrics().AddDiscrepancies(rep.Key.Company, string(rep.Key.Ledger), len(rep.Issues))
			j.log().Warn("batch does not reconcile",
				slog.String("batch", rep.Key.String()),
				slog.Any("issues", rep.Issues))
			continue
		}
		if !payload.Close {
			continue
		}
		closed, err := j.closeIfPast(ctx, rep.Key)
		if err != nil {
			j.log().Error("close batch", slog.String("batch", rep.Key.String()), slog.Any("error", err))
			return summary, err
		}
		if closed {
			summary.Closed++
			j.metrics().AddClosed(rep.Key.Company, 1)
		}
	}
	j.log().Info("reconciled open batches",
		slog.Int("checked", summary.Checked),
		slog.Int("unbalanced", summary.Unbalanced),
		slog.Int("closed", summary.Closed),
		slog.Duration("duration", time.Since(start)))
	return summary, nil
}

// closeIfPast closes key when its sub-period is before the company's current
// one. Batches of the current period stay open for further capture.
func (j *BatchReconcileJob) closeIfPast(ctx context.Context, key ledger.BatchKey) (bool, error) {
	if j.Periods == nil {
		return false, nil
	}
	period, err := j.Periods.Active(ctx, key.Company)
	if err != nil {
		return false, err
	}
	if !period.Current.Valid() || key.Curdt >= period.Current {
		return false, nil
	}
	release, ok, err := j.lock(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	defer release()
	if _, err := j.Service.Close(ctx, key); err != nil {
		if errors.Is(err, batch.ErrUnreconciled) || errors.Is(err, batch.ErrBatchClosed) {
			j.log().Warn("batch not closed", slog.String("batch", key.String()), slog.Any("error", err))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (j *BatchReconcileJob) lock(ctx context.Context, key ledger.BatchKey) (func(), bool, error) {
	if j.Locks == nil {
		return func() {}, true, nil
	}
	name := shared.BatchLockKey(key.String())
	ok, err := j.Locks.SetNX(ctx, name, TaskBatchReconcile, closeLockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		j.log().Info("batch locked by another worker", slog.String("batch", key.String()))
		return nil, false, nil
	}
	return func() {
		if err := j.Locks.Del(context.WithoutCancel(ctx), name).Err(); err != nil {
			j.log().Warn("release batch lock", slog.String("batch", key.String()), slog.Any("error", err))
		}
	}, true, nil
}

func (j *BatchReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BatchReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBatchReconcile))
	}
	return slog.Default().With(slog.String("job", TaskBatchReconcile))
}

func (j *BatchReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BatchReconcileJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
