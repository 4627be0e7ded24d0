package inventory

import (
	"time"
)

// FundingSource partitions stock by who paid for it. VFC and private stock
// must never be mixed when choosing a lot for a patient.
type FundingSource string

const (
	// FundingVFC is publicly funded (Vaccines for Children) stock.
	FundingVFC FundingSource = "vfc"
	// FundingPrivate is privately purchased stock.
	FundingPrivate FundingSource = "private"
)

// Valid reports whether the funding source is known.
func (f FundingSource) Valid() bool {
	return f == FundingVFC || f == FundingPrivate
}

// Lot is a quantity of one vaccine lot held at one location.
type Lot struct {
	ID                int64         `json:"id"`
	VaccineID         int64         `json:"vaccine_id"`
	LocationID        int64         `json:"location_id"`
	LotNumber         string        `json:"lot_number"`
	Expiration        time.Time     `json:"expiration_date"`
	NDC               string        `json:"ndc,omitempty"`
	FundingSource     FundingSource `json:"funding_source"`
	QuantityReceived  int           `json:"quantity_received"`
	QuantityRemaining int           `json:"quantity_remaining"`
	Quarantined       bool          `json:"is_quarantined"`
	OpenedAt          *time.Time    `json:"opened_at,omitempty"`
	DiscardAfter      *time.Time    `json:"discard_after,omitempty"`
	SourceLotID       *int64        `json:"source_lot_id,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	ReceivedBy        int64         `json:"received_by"`
	ReceivedAt        time.Time     `json:"received_at"`
}

// ExpiredOn reports whether the lot is unusable on the given calendar day.
// A lot expiring today is already expired.
func (l Lot) ExpiredOn(today time.Time) bool {
	return !l.Expiration.After(today)
}

// Adjustment is an immutable ledger entry recording a non-administration
// quantity change or status change on a lot.
type Adjustment struct {
	ID                int64          `json:"id"`
	Seq               int64          `json:"seq"`
	LotID             int64          `json:"lot_id"`
	Type              AdjustmentType `json:"adjustment_type"`
	Quantity          int            `json:"quantity"`
	Reason            string         `json:"reason,omitempty"`
	ActorID           int64          `json:"actor_id"`
	RelatedLocationID *int64         `json:"related_location_id,omitempty"`
	TransferID        string         `json:"transfer_id,omitempty"`
	At                time.Time      `json:"adjusted_at"`
}

// Administration records one dose given to a patient from a lot.
type Administration struct {
	ID            int64         `json:"id"`
	Seq           int64         `json:"seq"`
	LotID         int64         `json:"lot_id"`
	LocationID    int64         `json:"location_id"`
	ActorID       int64         `json:"actor_id"`
	FundingSource FundingSource `json:"funding_source"`
	Quantity      int           `json:"quantity"`
	Notes         string        `json:"notes,omitempty"`
	At            time.Time     `json:"administered_at"`
}

// VaccinePolicy is the slice of vaccine reference data the ledger needs.
type VaccinePolicy struct {
	VaccineID     int64
	ShortName     string
	DosesPerVial  int
	BeyondUseDays *int
}

// LotFilter narrows lot listings. Zero values mean "any".
type LotFilter struct {
	LocationID    int64
	VaccineID     int64
	FundingSource FundingSource
	LotNumber     string
	IncludeEmpty  bool
}

// AdjustmentFilter narrows adjustment listings.
type AdjustmentFilter struct {
	LocationID int64
	LotID      int64
	Type       AdjustmentType
	Limit      int
}

// AdministrationFilter narrows administration listings.
type AdministrationFilter struct {
	LocationID int64
	LotID      int64
	VaccineID  int64
	From       time.Time
	To         time.Time
	Limit      int
}

// ReceiveInput captures a shipment being booked into stock.
type ReceiveInput struct {
	VaccineID     int64
	LocationID    int64
	LotNumber     string
	Expiration    time.Time
	NDC           string
	FundingSource FundingSource
	Quantity      int
	Notes         string
	ActorID       int64
}

// AdministerInput captures one dose being given. FundingSource is optional;
// when set it must match the lot's funding.
type AdministerInput struct {
	LotID          int64
	LocationID     int64
	ActorID        int64
	FundingSource  FundingSource
	Notes          string
	IdempotencyKey string
}

// AdministerResult is returned from AdministerDose. FEFOWarning is advisory.
type AdministerResult struct {
	Administration Administration `json:"administration"`
	Lot            Lot            `json:"lot"`
	FEFOWarning    string         `json:"fefo_warning,omitempty"`
}

// AdjustmentInput captures a manual adjustment request.
type AdjustmentInput struct {
	LotID             int64
	Type              string
	Quantity          int
	Reason            string
	RelatedLocationID *int64
	ActorID           int64
	LocationID        int64
}

// AdjustmentResult describes everything one adjustment touched.
type AdjustmentResult struct {
	Adjustment       *Adjustment `json:"adjustment,omitempty"`
	Lot              Lot         `json:"lot"`
	CreatedLot       *Lot        `json:"created_lot,omitempty"`
	LinkedAdjustment *Adjustment `json:"linked_adjustment,omitempty"`
	Quarantined      []Lot       `json:"quarantined,omitempty"`
}

// BulkExpireResult lists the lots written off by BulkExpire.
type BulkExpireResult struct {
	LocationID int64            `json:"location_id"`
	Count      int              `json:"count"`
	Lots       []BulkExpiredLot `json:"lots"`
}

// BulkExpiredLot is one written-off lot.
type BulkExpiredLot struct {
	LotID     int64  `json:"lot_id"`
	LotNumber string `json:"lot_number"`
	Quantity  int    `json:"quantity"`
}

// RecallResult lists lots placed on hold by a recall.
type RecallResult struct {
	LotNumber   string       `json:"lot_number"`
	Adjustments []Adjustment `json:"adjustments"`
	Lots        []Lot        `json:"lots"`
}

// DateOf returns the calendar day of t in loc, as midnight UTC. Expiration
// dates are stored the same way so they compare directly.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
