package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vaxinv/vaxinv/internal/inventory"
	jobmetrics "github.com/vaxinv/vaxinv/internal/jobs"
)

// InventoryPort is the slice of the inventory service the sweep jobs drive.
type InventoryPort interface {
	BulkExpire(ctx context.Context, locationID, actorID int64) (inventory.BulkExpireResult, error)
	LocationsWithExpiredStock(ctx context.Context) ([]int64, error)
	DiscardOpenVials(ctx context.Context, actorID int64) ([]inventory.AdjustmentResult, error)
}

// BulkExpireJob writes off expired stock per location.
type BulkExpireJob struct {
	Inventory InventoryPort
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewBulkExpireJob initialises the handler.
func NewBulkExpireJob(inv InventoryPort, logger *slog.Logger, metrics *jobmetrics.Metrics) *BulkExpireJob {
	return &BulkExpireJob{Inventory: inv, Logger: logger, Metrics: metrics}
}

// Handle runs one bulk expire sweep. Each location commits on its own, so a
// failure at one location leaves the others expired and is retried.
func (j *BulkExpireJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Inventory == nil {
		return errors.New("bulk expire: handler not configured")
	}
	var payload BulkExpirePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("bulk expire: decode payload: %w", asynq.SkipRetry)
		}
	}

	tracker := j.Metrics.Track(TaskInventoryBulkExpire)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := loggerOr(j.Logger).With(slog.String("task", TaskInventoryBulkExpire))

	locations := []int64{payload.LocationID}
	if payload.LocationID == 0 {
		var err error
		locations, err = j.Inventory.LocationsWithExpiredStock(ctx)
		if err != nil {
			logger.Error("list locations failed", slog.Any("error", err))
			return err
		}
	}

	var errs []error
	total := 0
	for _, loc := range locations {
		res, err := j.Inventory.BulkExpire(ctx, loc, SystemActorID)
		if err != nil {
			logger.Error("bulk expire failed", slog.Int64("location_id", loc), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("location %d: %w", loc, err))
			continue
		}
		doses := 0
		for _, l := range res.Lots {
			doses += l.Quantity
		}
		j.Metrics.AddWrittenOff(TaskInventoryBulkExpire, loc, doses)
		total += res.Count
		if res.Count > 0 {
			logger.Info("expired lots written off",
				slog.Int64("location_id", loc),
				slog.Int("lots", res.Count),
				slog.Int("doses", doses))
		}
	}
	logger.Info("bulk expire completed", slog.Int("locations", len(locations)), slog.Int("lots", total))
	return errors.Join(errs...)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
