package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBatchReconcile reconciles open batches and optionally closes them.
	TaskBatchReconcile = "ledger:batch_reconcile"
)

// BatchReconcilePayload scopes a reconciliation run. Company 0 means every
// company; Close marks balanced batches before the current period closed.
type BatchReconcilePayload struct {
	Company int64 `json:"company"`
	Close   bool  `json:"close"`
}

// NewBatchReconcileTask constructs an Asynq task for batch reconciliation.
func NewBatchReconcileTask(payload BatchReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchReconcile, body, asynq.Queue(QueueDefault)), nil
}

// TaskIdempotencyPurge removes expired submit keys.
const TaskIdempotencyPurge = "ledger:idempotency_purge"

// IdempotencyPurgePayload carries the retention window.
type IdempotencyPurgePayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyPurgeTask constructs the purge task.
func NewIdempotencyPurgeTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyPurgePayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyPurge, body, asynq.Queue(QueueDefault)), nil
}
