package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vaxinv/vaxinv/internal/jobs"
)

// VialDiscardJob wastes the remaining doses of opened vials past their
// beyond-use time.
type VialDiscardJob struct {
	Inventory InventoryPort
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewVialDiscardJob initialises the handler.
func NewVialDiscardJob(inv InventoryPort, logger *slog.Logger, metrics *jobmetrics.Metrics) *VialDiscardJob {
	return &VialDiscardJob{Inventory: inv, Logger: logger, Metrics: metrics}
}

// Handle runs one sweep.
func (j *VialDiscardJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Inventory == nil {
		return errors.New("vial discard: handler not configured")
	}
	tracker := j.Metrics.Track(TaskInventoryVialDiscard)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := loggerOr(j.Logger).With(slog.String("task", TaskInventoryVialDiscard))

	wasted, err := j.Inventory.DiscardOpenVials(ctx, SystemActorID)
	for _, res := range wasted {
		j.Metrics.AddWrittenOff(TaskInventoryVialDiscard, res.Lot.LocationID, res.Adjustment.Quantity)
		logger.Info("opened vial discarded",
			slog.Int64("lot_id", res.Lot.ID),
			slog.String("lot_number", res.Lot.LotNumber),
			slog.Int("doses", res.Adjustment.Quantity))
	}
	if err != nil {
		logger.Error("vial discard failed", slog.Any("error", err))
		return err
	}
	return nil
}
