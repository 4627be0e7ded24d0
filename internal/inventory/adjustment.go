package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AdjustmentType is the closed set of ledger transitions.
type AdjustmentType string

const (
	AdjustmentWaste       AdjustmentType = "waste"
	AdjustmentTransferOut AdjustmentType = "transfer_out"
	AdjustmentTransferIn  AdjustmentType = "transfer_in"
	AdjustmentCorrection  AdjustmentType = "correction"
	AdjustmentExpired     AdjustmentType = "expired"
	AdjustmentRecall      AdjustmentType = "recall"
	AdjustmentBorrowing   AdjustmentType = "borrowing"
	AdjustmentReturned    AdjustmentType = "returned"
)

// AdjustmentTypes lists every known type.
func AdjustmentTypes() []AdjustmentType {
	return []AdjustmentType{
		AdjustmentWaste, AdjustmentTransferOut, AdjustmentTransferIn, AdjustmentCorrection,
		AdjustmentExpired, AdjustmentRecall, AdjustmentBorrowing, AdjustmentReturned,
	}
}

// ParseAdjustmentType rejects anything outside the closed set.
func ParseAdjustmentType(raw string) (AdjustmentType, error) {
	t := AdjustmentType(strings.TrimSpace(raw))
	if transitionFor(t) == nil {
		return "", invalid("adjustment_type", fmt.Sprintf("unknown type %q", raw))
	}
	return t, nil
}

// adjustmentRun carries the locked lot and request through one transition.
type adjustmentRun struct {
	in         AdjustmentInput
	lot        Lot
	now        time.Time
	transferID func() string
}

func (r adjustmentRun) entry(t AdjustmentType, lotID int64, qty int, reason string) Adjustment {
	return Adjustment{
		LotID:    lotID,
		Type:     t,
		Quantity: qty,
		Reason:   reason,
		ActorID:  r.in.ActorID,
		At:       r.now,
	}
}

// transition is implemented once per adjustment type. validate runs against
// the locked lot before any write; apply performs the writes inside the same
// transaction.
type transition interface {
	validate(lot Lot, in AdjustmentInput) error
	apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error)
}

func transitionFor(t AdjustmentType) transition {
	switch t {
	case AdjustmentWaste, AdjustmentBorrowing, AdjustmentReturned:
		return outbound{typ: t}
	case AdjustmentTransferOut:
		return transferOut{}
	case AdjustmentTransferIn:
		return transferIn{}
	case AdjustmentCorrection:
		return correction{}
	case AdjustmentExpired:
		return expiry{}
	case AdjustmentRecall:
		return recall{}
	}
	return nil
}

func checkOutbound(lot Lot, qty int, reason string, reasonRequired bool) error {
	if qty <= 0 {
		return invalid("quantity", "must be positive")
	}
	if qty > lot.QuantityRemaining {
		return &InsufficientStockError{LotID: lot.ID, Requested: qty, Remaining: lot.QuantityRemaining}
	}
	if reasonRequired && strings.TrimSpace(reason) == "" {
		return invalid("reason", "required")
	}
	return nil
}

// outbound covers waste, borrowing and returned.
type outbound struct {
	typ AdjustmentType
}

func (o outbound) validate(lot Lot, in AdjustmentInput) error {
	return checkOutbound(lot, in.Quantity, in.Reason, true)
}

func (o outbound) apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error) {
	updated, err := tx.DecrementLot(ctx, run.lot.ID, run.in.Quantity)
	if err != nil {
		return AdjustmentResult{}, err
	}
	adj, err := tx.InsertAdjustment(ctx, run.entry(o.typ, run.lot.ID, run.in.Quantity, run.in.Reason))
	if err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{Adjustment: &adj, Lot: updated}, nil
}

type transferOut struct{}

func (transferOut) validate(lot Lot, in AdjustmentInput) error {
	if err := checkOutbound(lot, in.Quantity, in.Reason, false); err != nil {
		return err
	}
	if in.RelatedLocationID == nil || *in.RelatedLocationID <= 0 {
		return invalid("related_location_id", "required for transfers")
	}
	if *in.RelatedLocationID == lot.LocationID {
		return invalid("related_location_id", "must differ from the lot's location")
	}
	return nil
}

// apply decrements the source, creates the destination lot and credits it
// through a linked transfer_in entry. Both entries share a transfer id. The
// destination lot is inserted first so an unknown location fails as not found.
func (transferOut) apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error) {
	src := run.lot
	dest := *run.in.RelatedLocationID
	transferID := run.transferID()

	updated, err := tx.DecrementLot(ctx, src.ID, run.in.Quantity)
	if err != nil {
		return AdjustmentResult{}, err
	}

	note := fmt.Sprintf("Transfer from location %d", src.LocationID)
	srcID := src.ID
	created, err := tx.InsertLot(ctx, Lot{
		VaccineID:        src.VaccineID,
		LocationID:       dest,
		LotNumber:        src.LotNumber,
		Expiration:       src.Expiration,
		NDC:              src.NDC,
		FundingSource:    src.FundingSource,
		QuantityReceived: run.in.Quantity,
		SourceLotID:      &srcID,
		Notes:            note,
		ReceivedBy:       run.in.ActorID,
		ReceivedAt:       run.now,
	})
	if err != nil {
		return AdjustmentResult{}, err
	}

	out := run.entry(AdjustmentTransferOut, src.ID, run.in.Quantity, run.in.Reason)
	out.RelatedLocationID = &dest
	out.TransferID = transferID
	out, err = tx.InsertAdjustment(ctx, out)
	if err != nil {
		return AdjustmentResult{}, err
	}
	linked, err := transferIn{}.credit(ctx, tx, run, created, src.LocationID, transferID, note)
	if err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{
		Adjustment:       &out,
		Lot:              updated,
		CreatedLot:       &linked.Lot,
		LinkedAdjustment: linked.Adjustment,
	}, nil
}

// transferIn is only ever produced by transferOut.
type transferIn struct{}

func (transferIn) validate(Lot, AdjustmentInput) error {
	return invalid("adjustment_type", "transfer_in is recorded automatically by transfer_out")
}

func (transferIn) apply(context.Context, TxRepository, adjustmentRun) (AdjustmentResult, error) {
	return AdjustmentResult{}, invalid("adjustment_type", "transfer_in is recorded automatically by transfer_out")
}

func (transferIn) credit(ctx context.Context, tx TxRepository, run adjustmentRun, lot Lot, from int64, transferID, reason string) (AdjustmentResult, error) {
	qty := lot.QuantityReceived
	updated, err := tx.IncrementLot(ctx, lot.ID, qty)
	if err != nil {
		return AdjustmentResult{}, err
	}
	entry := run.entry(AdjustmentTransferIn, lot.ID, qty, reason)
	entry.RelatedLocationID = &from
	entry.TransferID = transferID
	entry, err = tx.InsertAdjustment(ctx, entry)
	if err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{Adjustment: &entry, Lot: updated}, nil
}

// correction overrides the remaining count with an absolute value.
type correction struct{}

func (correction) validate(_ Lot, in AdjustmentInput) error {
	if in.Quantity < 0 {
		return invalid("quantity", "must not be negative")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return invalid("reason", "required for corrections")
	}
	return nil
}

func (correction) apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error) {
	updated, err := tx.SetLotQuantity(ctx, run.lot.ID, run.in.Quantity)
	if err != nil {
		return AdjustmentResult{}, err
	}
	adj, err := tx.InsertAdjustment(ctx, run.entry(AdjustmentCorrection, run.lot.ID, run.in.Quantity, run.in.Reason))
	if err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{Adjustment: &adj, Lot: updated}, nil
}

// expiry writes off whatever is left; the requested quantity is ignored.
type expiry struct{}

func (expiry) validate(Lot, AdjustmentInput) error { return nil }

func (expiry) apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error) {
	qty := run.lot.QuantityRemaining
	updated := run.lot
	if qty > 0 {
		var err error
		updated, err = tx.DecrementLot(ctx, run.lot.ID, qty)
		if err != nil {
			return AdjustmentResult{}, err
		}
	}
	adj, err := tx.InsertAdjustment(ctx, run.entry(AdjustmentExpired, run.lot.ID, qty, run.in.Reason))
	if err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{Adjustment: &adj, Lot: updated}, nil
}

// recall quarantines every held lot sharing the lot number, at any location.
type recall struct{}

func (recall) validate(Lot, AdjustmentInput) error { return nil }

func (recall) apply(ctx context.Context, tx TxRepository, run adjustmentRun) (AdjustmentResult, error) {
	entries, lots, err := quarantineLotNumber(ctx, tx, run, run.lot.LotNumber)
	if err != nil {
		return AdjustmentResult{}, err
	}
	res := AdjustmentResult{Lot: run.lot, Quarantined: lots}
	for i := range lots {
		if lots[i].ID == run.lot.ID {
			res.Lot = lots[i]
			res.Adjustment = &entries[i]
		}
	}
	return res, nil
}

func quarantineLotNumber(ctx context.Context, tx TxRepository, run adjustmentRun, lotNumber string) ([]Adjustment, []Lot, error) {
	matches, err := tx.LotsByNumberForUpdate(ctx, lotNumber)
	if err != nil {
		return nil, nil, err
	}
	reason := strings.TrimSpace(run.in.Reason)
	if reason == "" {
		reason = fmt.Sprintf("Recall: lot %s", lotNumber)
	}
	var entries []Adjustment
	var lots []Lot
	for _, lot := range matches {
		if lot.Quarantined || lot.QuantityRemaining <= 0 {
			continue
		}
		held, err := tx.QuarantineLot(ctx, lot.ID)
		if err != nil {
			return nil, nil, err
		}
		adj, err := tx.InsertAdjustment(ctx, run.entry(AdjustmentRecall, lot.ID, 0, reason))
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, adj)
		lots = append(lots, held)
	}
	return entries, lots, nil
}
