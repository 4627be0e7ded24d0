package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vaxinv/vaxinv/internal/jobs"
)

// TaskIdempotencyPurge drops dose idempotency keys past their retention.
const TaskIdempotencyPurge = "idempotency:purge"

// KeyPurger removes stored idempotency keys older than a cutoff.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyPurgeJob keeps the idempotency_keys table bounded.
type IdempotencyPurgeJob struct {
	Keys      KeyPurger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyPurgeJob initialises the handler. A zero retention keeps a day.
func NewIdempotencyPurgeJob(keys KeyPurger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyPurgeJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyPurgeJob{Keys: keys, Retention: retention, Logger: logger, Metrics: metrics}
}

// NewIdempotencyPurgeTask constructs the purge task.
func NewIdempotencyPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyPurge, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// Handle runs one purge.
func (j *IdempotencyPurgeJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency purge: handler not configured")
	}
	tracker := j.Metrics.Track(TaskIdempotencyPurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err := j.Keys.Cleanup(ctx, j.Retention); err != nil {
		loggerOr(j.Logger).Error("idempotency purge failed", slog.Any("error", err))
		return err
	}
	return nil
}
