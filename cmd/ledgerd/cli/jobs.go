package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions narrows a manual reconciliation run.
type TriggerOptions struct {
	Company        int64
	Close          bool
	RetentionHours int
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	task, err := buildTask(name, opts)
	if err != nil {
		return nil, err
	}
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

func buildTask(name string, opts TriggerOptions) (*asynq.Task, error) {
	switch name {
	case jobs.TaskBatchReconcile:
		if opts.Company < 0 {
			return nil, fmt.Errorf("jobs cli: invalid company %d", opts.Company)
		}
		return jobs.NewBatchReconcileTask(jobs.BatchReconcilePayload{Company: opts.Company, Close: opts.Close})
	case jobs.TaskIdempotencyPurge:
		return jobs.NewIdempotencyPurgeTask(opts.RetentionHours)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// Run executes `jobs <command> [args]` and returns the process exit code.
//
//	jobs trigger [company] [--no-close]
//	jobs purge [retention-hours]
//	jobs stats
//	jobs scheduled
func (c *JobsCLI) Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: jobs trigger|purge|stats|scheduled")
		return 2
	}
	switch args[0] {
	case "trigger":
		opts, err := parseTrigger(args[1:])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		info, err := c.Trigger(ctx, jobs.TaskBatchReconcile, opts)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "purge":
		opts := TriggerOptions{}
		if len(args) > 1 {
			hours, err := strconv.Atoi(args[1])
			if err != nil || hours <= 0 {
				fmt.Fprintf(stderr, "jobs cli: invalid retention %q\n", args[1])
				return 2
			}
			opts.RetentionHours = hours
		}
		info, err := c.Trigger(ctx, jobs.TaskIdempotencyPurge, opts)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, 20)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		for _, t := range tasks {
			fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	default:
		fmt.Fprintf(stderr, "jobs cli: unknown command %s\n", args[0])
		return 2
	}
	return 0
}

func parseTrigger(args []string) (TriggerOptions, error) {
	opts := TriggerOptions{Close: true}
	for _, arg := range args {
		if arg == "--no-close" {
			opts.Close = false
			continue
		}
		company, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || company <= 0 {
			return TriggerOptions{}, fmt.Errorf("jobs cli: invalid company %q", arg)
		}
		opts.Company = company
	}
	return opts, nil
}
