// Package coldchain records storage unit temperatures and flags excursions
// outside the refrigerated range.
package coldchain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
)

// Safe refrigerator range in degrees Fahrenheit, inclusive.
var (
	MinSafeF = decimal.NewFromInt(36)
	MaxSafeF = decimal.NewFromInt(46)
)

// ErrValidation rejects malformed readings.
var ErrValidation = fmt.Errorf("coldchain: %w", httpx.ErrValidation)

// Reading is one logged temperature.
type Reading struct {
	ID          int64           `json:"id"`
	LocationID  int64           `json:"location_id"`
	UnitName    string          `json:"unit_name"`
	ReadingF    decimal.Decimal `json:"reading_f"`
	ReadingTime time.Time       `json:"reading_time"`
	LoggedBy    int64           `json:"logged_by_user_id"`
	OutOfRange  bool            `json:"out_of_range"`
	Notes       string          `json:"notes,omitempty"`
}

// OutOfRange reports whether f falls outside the safe range.
func OutOfRange(f decimal.Decimal) bool {
	return f.LessThan(MinSafeF) || f.GreaterThan(MaxSafeF)
}

// RecordInput captures a reading. A nil ReadingF is rejected; a zero
// ReadingTime means now.
type RecordInput struct {
	LocationID  int64
	UnitName    string
	ReadingF    *decimal.Decimal
	ReadingTime time.Time
	ActorID     int64
	Notes       string
}

// Filter narrows reading listings.
type Filter struct {
	LocationID     int64
	From           time.Time
	To             time.Time
	OutOfRangeOnly bool
	Limit          int
}

const (
	defaultLimit = 500
	maxLimit     = 5000
)

func limitOrDefault(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
