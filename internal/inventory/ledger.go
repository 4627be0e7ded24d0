package inventory

import "sort"

// LedgerEntry is one adjustment or administration in ledger order.
type LedgerEntry struct {
	Seq            int64           `json:"seq"`
	Adjustment     *Adjustment     `json:"adjustment,omitempty"`
	Administration *Administration `json:"administration,omitempty"`
	Balance        int             `json:"balance"`
}

// LotLedger is the full history of one lot plus a replay check.
type LotLedger struct {
	Lot        Lot           `json:"lot"`
	Opening    int           `json:"opening"`
	Entries    []LedgerEntry `json:"entries"`
	Replayed   int           `json:"replayed_remaining"`
	Reconciled bool          `json:"reconciled"`
}

// Replay rebuilds quantity_remaining from the ledger. Received lots open at
// quantity_received; lots created by a transfer open at zero and are credited
// by their transfer_in entry.
func Replay(lot Lot, adjustments []Adjustment, administrations []Administration) LotLedger {
	entries := make([]LedgerEntry, 0, len(adjustments)+len(administrations))
	for i := range adjustments {
		entries = append(entries, LedgerEntry{Seq: adjustments[i].Seq, Adjustment: &adjustments[i]})
	}
	for i := range administrations {
		entries = append(entries, LedgerEntry{Seq: administrations[i].Seq, Administration: &administrations[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	opening := lot.QuantityReceived
	if lot.SourceLotID != nil {
		opening = 0
	}
	balance := opening
	for i := range entries {
		switch e := entries[i]; {
		case e.Administration != nil:
			balance -= e.Administration.Quantity
		case e.Adjustment != nil:
			balance = applyToBalance(balance, *e.Adjustment)
		}
		entries[i].Balance = balance
	}
	return LotLedger{
		Lot:        lot,
		Opening:    opening,
		Entries:    entries,
		Replayed:   balance,
		Reconciled: balance == lot.QuantityRemaining,
	}
}

func applyToBalance(balance int, adj Adjustment) int {
	switch adj.Type {
	case AdjustmentWaste, AdjustmentTransferOut, AdjustmentBorrowing, AdjustmentReturned, AdjustmentExpired:
		return balance - adj.Quantity
	case AdjustmentTransferIn:
		return balance + adj.Quantity
	case AdjustmentCorrection:
		return adj.Quantity
	case AdjustmentRecall:
		return balance
	}
	return balance
}
