package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vaxinv/vaxinv/internal/coldchain"
	"github.com/vaxinv/vaxinv/internal/inventory"
	"github.com/vaxinv/vaxinv/internal/shared"
	"github.com/vaxinv/vaxinv/internal/vaccines"
)

var now = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

type env struct {
	inv   *inventory.Service
	cold  *coldchain.Service
	audit *shared.MemoryAuditLog
	dash  *Service
}

func newEnv(t *testing.T) env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now }
	dir := vaccines.NewMemoryDirectory(nil)
	audit := shared.NewMemoryAuditLog(logger)
	inv := inventory.NewService(inventory.NewMemoryRepository(), inventory.DirectoryPolicies{Directory: dir}, audit, nil,
		inventory.ServiceConfig{Clock: clock, Logger: logger})
	cold := coldchain.NewService(coldchain.NewMemoryRepository(), audit, nil, logger, clock)
	return env{inv: inv, cold: cold, audit: audit, dash: NewService(inv, dir, audit, cold)}
}

func (e env) receive(t *testing.T, vaccineID, location int64, lot string, exp time.Time, qty int, funding inventory.FundingSource) inventory.Lot {
	t.Helper()
	out, err := e.inv.ReceiveLot(context.Background(), inventory.ReceiveInput{
		VaccineID: vaccineID, LocationID: location, LotNumber: lot, Expiration: exp,
		FundingSource: funding, Quantity: qty, ActorID: 7,
	})
	require.NoError(t, err)
	return out
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestOverviewSections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	soon := e.receive(t, 1, 1, "SOON", day(2026, 12, 1), 20, inventory.FundingVFC)
	e.receive(t, 1, 1, "LATER", day(2027, 12, 1), 30, inventory.FundingVFC)
	low := e.receive(t, 1, 1, "LOW", day(2027, 12, 1), 2, inventory.FundingPrivate)
	e.receive(t, 1, 1, "GONE", day(2026, 10, 19), 4, inventory.FundingVFC)
	flu := e.receive(t, 12, 1, "FLU", day(2027, 3, 1), 10, inventory.FundingVFC)
	mmr := e.receive(t, 3, 1, "MMR", day(2027, 3, 1), 10, inventory.FundingVFC)
	e.receive(t, 1, 2, "ELSEWHERE", day(2026, 11, 1), 1, inventory.FundingVFC)

	for _, id := range []int64{flu.ID, mmr.ID} {
		_, err := e.inv.AdministerDose(ctx, inventory.AdministerInput{LotID: id, ActorID: 7, LocationID: 1, FundingSource: inventory.FundingVFC})
		require.NoError(t, err)
	}
	_, err := e.cold.Record(ctx, coldchain.RecordInput{LocationID: 1, UnitName: "Fridge", ReadingF: ptr(decimal.NewFromInt(50)), ReadingTime: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = e.cold.Record(ctx, coldchain.RecordInput{LocationID: 1, UnitName: "Fridge", ReadingF: ptr(decimal.NewFromInt(20)), ReadingTime: now.Add(-30 * time.Hour)})
	require.NoError(t, err)

	ov, err := e.dash.Overview(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "2026-10-19", ov.Today)

	require.Equal(t, []StockLine{
		{VaccineID: 1, ShortName: "DTaP", FundingSource: inventory.FundingPrivate, Total: 2},
		{VaccineID: 1, ShortName: "DTaP", FundingSource: inventory.FundingVFC, Total: 54},
		{VaccineID: 12, ShortName: "Flu (Std)", FundingSource: inventory.FundingVFC, Total: 9},
		{VaccineID: 3, ShortName: "MMR", FundingSource: inventory.FundingVFC, Total: 9},
	}, ov.Inventory)

	require.Len(t, ov.ExpiringSoon, 1)
	require.Equal(t, soon.ID, ov.ExpiringSoon[0].ID)
	require.Equal(t, "DTaP", ov.ExpiringSoon[0].ShortName)

	require.Len(t, ov.LowStock, 2)
	require.Equal(t, low.ID, ov.LowStock[0].ID)

	require.Len(t, ov.VialAlerts, 2)
	require.Equal(t, mmr.ID, ov.VialAlerts[0].ID, "end-of-day discard comes before 28 days")
	require.Equal(t, flu.ID, ov.VialAlerts[1].ID)

	require.Len(t, ov.Excursions, 1)
	require.NotEmpty(t, ov.RecentActivity)
	require.LessOrEqual(t, len(ov.RecentActivity), activityLimit)
}

func ptr[T any](v T) *T { return &v }

type failingActivity struct{}

func (failingActivity) Recent(context.Context, int64, int) ([]shared.AuditLog, error) {
	return nil, errors.New("audit store down")
}

func TestOverviewFailsWhenASectionFails(t *testing.T) {
	e := newEnv(t)
	dash := NewService(e.inv, vaccines.NewMemoryDirectory(nil), failingActivity{}, e.cold)
	_, err := dash.Overview(context.Background(), 1)
	require.ErrorContains(t, err, "audit store down")

	_, err = e.dash.Overview(context.Background(), 0)
	require.Error(t, err)
}

func TestHandlerUsesActorLocation(t *testing.T) {
	e := newEnv(t)
	e.receive(t, 1, 4, "H", day(2027, 1, 1), 3, inventory.FundingVFC)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), e.dash)
	r := chi.NewRouter()
	r.Route("/dashboard", h.MountRoutes)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: 1, LocationID: 4}))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"location_id":4`)
}
