package inventory

import "errors"

// Observer receives ledger outcomes for instrumentation. Implementations must
// not block.
type Observer interface {
	DoseAdministered(vaccineID int64, funding FundingSource, fefoOverride bool)
	AdjustmentApplied(t AdjustmentType, quantity int)
	Rejected(operation, reason string)
}

type noopObserver struct{}

func (noopObserver) DoseAdministered(int64, FundingSource, bool) {}
func (noopObserver) AdjustmentApplied(AdjustmentType, int) {}
func (noopObserver) Rejected(string, string) {}

// RejectionReason names the rule behind a domain error, or "" for
// infrastructure failures.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrQuarantined):
		return "quarantined"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrDiscarded):
		return "discarded"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	}
	return ""
}
