// Package dashboard assembles the per-location overview: stock on hand,
// short-dated and low lots, open vials, recent activity and cold chain alerts.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaxinv/vaxinv/internal/coldchain"
	"github.com/vaxinv/vaxinv/internal/inventory"
	"github.com/vaxinv/vaxinv/internal/platform/httpx"
	"github.com/vaxinv/vaxinv/internal/shared"
	"github.com/vaxinv/vaxinv/internal/vaccines"
)

const (
	expiringWindowDays = 90
	lowStockThreshold  = 5
	activityLimit      = 20
	excursionWindow    = 24 * time.Hour
)

// LotSource lists lots and knows the clinic's current day.
type LotSource interface {
	ListLots(ctx context.Context, filter inventory.LotFilter) ([]inventory.Lot, error)
	Today() time.Time
}

// ExcursionSource lists recent cold chain excursions.
type ExcursionSource interface {
	ExcursionsSince(ctx context.Context, locationID int64, since time.Duration) ([]coldchain.Reading, error)
}

// ActivitySource lists recent audit entries.
type ActivitySource interface {
	Recent(ctx context.Context, locationID int64, limit int) ([]shared.AuditLog, error)
}

// StockLine sums the doses on hand for one vaccine and funding source.
type StockLine struct {
	VaccineID     int64                   `json:"vaccine_id"`
	ShortName     string                  `json:"short_name"`
	FundingSource inventory.FundingSource `json:"funding_source"`
	Total         int                     `json:"total_remaining"`
}

// LotLine is a lot with its vaccine name.
type LotLine struct {
	inventory.Lot
	ShortName string `json:"short_name"`
}

// Overview is the dashboard payload.
type Overview struct {
	LocationID     int64               `json:"location_id"`
	Today          string              `json:"today"`
	Inventory      []StockLine         `json:"inventory_summary"`
	ExpiringSoon   []LotLine           `json:"expiring_soon"`
	LowStock       []LotLine           `json:"low_stock"`
	VialAlerts     []LotLine           `json:"vial_alerts"`
	RecentActivity []shared.AuditLog   `json:"recent_activity"`
	Excursions     []coldchain.Reading `json:"temperature_excursions"`
}

// Service builds overviews.
type Service struct {
	lots       LotSource
	vaccines   vaccines.Directory
	activity   ActivitySource
	excursions ExcursionSource
}

// NewService constructs the service.
func NewService(lots LotSource, directory vaccines.Directory, activity ActivitySource, excursions ExcursionSource) *Service {
	return &Service{lots: lots, vaccines: directory, activity: activity, excursions: excursions}
}

// Overview loads every section concurrently. Any failing section fails the
// whole overview.
func (s *Service) Overview(ctx context.Context, locationID int64) (Overview, error) {
	if locationID <= 0 {
		return Overview{}, fmt.Errorf("dashboard: location_id required: %w", httpx.ErrValidation)
	}
	today := s.lots.Today()
	out := Overview{LocationID: locationID, Today: today.Format(time.DateOnly)}

	var (
		lots  []inventory.Lot
		names map[int64]string
	)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		lots, err = s.lots.ListLots(ctx, inventory.LotFilter{LocationID: locationID})
		return err
	})

	g.Go(func() error {
		list, err := s.vaccines.List(ctx)
		if err != nil {
			return err
		}
		names = make(map[int64]string, len(list))
		for _, v := range list {
			names[v.ID] = v.ShortName
		}
		return nil
	})

	g.Go(func() error {
		entries, err := s.activity.Recent(ctx, locationID, activityLimit)
		if err != nil {
			return err
		}
		out.RecentActivity = entries
		return nil
	})

	g.Go(func() error {
		readings, err := s.excursions.ExcursionsSince(ctx, locationID, excursionWindow)
		if err != nil {
			return err
		}
		out.Excursions = readings
		return nil
	})

	if err := g.Wait(); err != nil {
		return Overview{}, fmt.Errorf("dashboard: load overview: %w", err)
	}

	summarise(&out, lots, names, today)
	if out.RecentActivity == nil {
		out.RecentActivity = []shared.AuditLog{}
	}
	if out.Excursions == nil {
		out.Excursions = []coldchain.Reading{}
	}
	return out, nil
}

func summarise(out *Overview, lots []inventory.Lot, names map[int64]string, today time.Time) {
	horizon := today.AddDate(0, 0, expiringWindowDays)
	type key struct {
		vaccine int64
		funding inventory.FundingSource
	}
	totals := map[key]int{}
	out.Inventory = []StockLine{}
	out.ExpiringSoon = []LotLine{}
	out.LowStock = []LotLine{}
	out.VialAlerts = []LotLine{}

	for _, lot := range lots {
		if lot.QuantityRemaining <= 0 {
			continue
		}
		line := LotLine{Lot: lot, ShortName: names[lot.VaccineID]}
		totals[key{lot.VaccineID, lot.FundingSource}] += lot.QuantityRemaining
		if lot.Expiration.After(today) && !lot.Expiration.After(horizon) {
			out.ExpiringSoon = append(out.ExpiringSoon, line)
		}
		if lot.QuantityRemaining < lowStockThreshold {
			out.LowStock = append(out.LowStock, line)
		}
		if lot.OpenedAt != nil && lot.DiscardAfter != nil {
			out.VialAlerts = append(out.VialAlerts, line)
		}
	}

	for k, total := range totals {
		out.Inventory = append(out.Inventory, StockLine{VaccineID: k.vaccine, ShortName: names[k.vaccine], FundingSource: k.funding, Total: total})
	}
	sort.Slice(out.Inventory, func(i, j int) bool {
		a, b := out.Inventory[i], out.Inventory[j]
		if a.ShortName != b.ShortName {
			return a.ShortName < b.ShortName
		}
		return a.FundingSource < b.FundingSource
	})
	sort.SliceStable(out.LowStock, func(i, j int) bool {
		return out.LowStock[i].QuantityRemaining < out.LowStock[j].QuantityRemaining
	})
	sort.SliceStable(out.VialAlerts, func(i, j int) bool {
		return out.VialAlerts[i].DiscardAfter.Before(*out.VialAlerts[j].DiscardAfter)
	})
}
