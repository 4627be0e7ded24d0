package inventory

import "time"

// VialWindow is the open-vial state set on the first draw from a multi-dose lot.
type VialWindow struct {
	OpenedAt     time.Time
	DiscardAfter *time.Time
}

// OnFirstUse computes the open window for lot. It reports false for
// single-dose vaccines and for lots that were already opened.
//
// BeyondUseDays of zero means "discard at the end of the day it was opened"
// in the clinic's local time; N means N calendar days after opening; nil
// means the vial has no beyond-use limit.
func OnFirstUse(lot Lot, policy VaccinePolicy, now time.Time, loc *time.Location) (VialWindow, bool) {
	if policy.DosesPerVial <= 1 || lot.OpenedAt != nil {
		return VialWindow{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	window := VialWindow{OpenedAt: now}
	if policy.BeyondUseDays == nil {
		return window, true
	}
	var discard time.Time
	if days := *policy.BeyondUseDays; days == 0 {
		y, m, d := now.In(loc).Date()
		discard = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), loc)
	} else {
		discard = now.In(loc).AddDate(0, 0, days)
	}
	window.DiscardAfter = &discard
	return window, true
}

// IsDiscardable reports whether an opened vial has passed its discard time.
func IsDiscardable(lot Lot, now time.Time) bool {
	return lot.DiscardAfter != nil && now.After(*lot.DiscardAfter)
}
