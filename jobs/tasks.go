package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryBulkExpire writes off expired lots. A zero location sweeps
	// every location holding expired stock.
	TaskInventoryBulkExpire = "inventory:bulk_expire"
	// TaskInventoryVialDiscard wastes opened vials past their beyond-use time.
	TaskInventoryVialDiscard = "inventory:vial_discard"
)

// SystemActorID is recorded as the actor on ledger entries written by jobs.
const SystemActorID int64 = 0

// BulkExpirePayload scopes a bulk expire run.
type BulkExpirePayload struct {
	LocationID   int64     `json:"location_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// VialDiscardPayload carries scheduling metadata.
type VialDiscardPayload struct {
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// NewBulkExpireTask constructs an Asynq task for bulk expiry.
func NewBulkExpireTask(payload BulkExpirePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryBulkExpire, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewVialDiscardTask constructs an Asynq task for the open-vial sweep.
func NewVialDiscardTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(VialDiscardPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryVialDiscard, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
