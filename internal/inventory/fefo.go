package inventory

import (
	"fmt"
	"sort"
	"time"
)

// SelectCandidates returns the lots usable today ordered first-expiring
// first. Lots expiring on the same day keep receipt order (ascending id).
// The input is not modified.
func SelectCandidates(lots []Lot, today time.Time) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Quarantined || lot.QuantityRemaining <= 0 || lot.ExpiredOn(today) {
			continue
		}
		out = append(out, lot)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(out[j].Expiration) {
			return out[i].Expiration.Before(out[j].Expiration)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CheckFEFOCompliance returns an advisory message when chosen is not the
// first candidate, including when both lots expire on the same day. The dose
// is still allowed.
func CheckFEFOCompliance(chosen Lot, candidates []Lot) string {
	if len(candidates) == 0 {
		return ""
	}
	preferred := candidates[0]
	if preferred.ID == chosen.ID {
		return ""
	}
	if preferred.Expiration.Equal(chosen.Expiration) {
		return fmt.Sprintf("FEFO: lot %s (exp %s) was received first and should be used before lot %s",
			preferred.LotNumber, preferred.Expiration.Format(time.DateOnly), chosen.LotNumber)
	}
	return fmt.Sprintf("FEFO: lot %s (exp %s) expires sooner than lot %s (exp %s)",
		preferred.LotNumber, preferred.Expiration.Format(time.DateOnly),
		chosen.LotNumber, chosen.Expiration.Format(time.DateOnly))
}
