package inventory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vaxinv/vaxinv/internal/shared"
	"github.com/vaxinv/vaxinv/internal/vaccines"
)

const (
	vaccineDTaP int64 = 1
	vaccineMMR  int64 = 3
	vaccineFlu  int64 = 12
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	doses     int
	overrides int
	adjusted  map[AdjustmentType]int
	rejected  map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{adjusted: map[AdjustmentType]int{}, rejected: map[string]int{}}
}

func (o *recordingObserver) DoseAdministered(_ int64, _ FundingSource, override bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.doses++
	if override {
		o.overrides++
	}
}

func (o *recordingObserver) AdjustmentApplied(t AdjustmentType, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adjusted[t]++
}

func (o *recordingObserver) Rejected(_ string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[reason]++
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	clock    *fakeClock
	audit    *shared.MemoryAuditLog
	observer *recordingObserver
}

var testNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, NewMemoryRepository(), nil, time.UTC)
}

func newFixtureWith(t *testing.T, repo RepositoryPort, idem IdempotencyPort, loc *time.Location) *fixture {
	t.Helper()
	clock := &fakeClock{now: testNow}
	audit := shared.NewMemoryAuditLog(discardLogger())
	observer := newRecordingObserver()
	svc := NewService(repo, DirectoryPolicies{Directory: vaccines.NewMemoryDirectory(nil)}, audit, idem, ServiceConfig{
		Location: loc,
		Clock:    clock.Now,
		Logger:   discardLogger(),
		Observer: observer,
	})
	f := &fixture{svc: svc, clock: clock, audit: audit, observer: observer}
	if mem, ok := repo.(*MemoryRepository); ok {
		f.repo = mem
	}
	return f
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) receive(t *testing.T, vaccineID, location int64, lotNumber string, exp time.Time, qty int) Lot {
	t.Helper()
	return f.receiveFunded(t, vaccineID, location, lotNumber, exp, qty, FundingVFC)
}

func (f *fixture) receiveFunded(t *testing.T, vaccineID, location int64, lotNumber string, exp time.Time, qty int, funding FundingSource) Lot {
	t.Helper()
	lot, err := f.svc.ReceiveLot(context.Background(), ReceiveInput{
		VaccineID:     vaccineID,
		LocationID:    location,
		LotNumber:     lotNumber,
		Expiration:    exp,
		FundingSource: funding,
		Quantity:      qty,
		ActorID:       7,
	})
	require.NoError(t, err)
	return lot
}

func (f *fixture) administer(lotID int64) (AdministerResult, error) {
	return f.svc.AdministerDose(context.Background(), AdministerInput{LotID: lotID, ActorID: 7, FundingSource: FundingVFC})
}

func TestReceiveLotValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := ReceiveInput{
		VaccineID:     vaccineDTaP,
		LocationID:    1,
		LotNumber:     " A100 ",
		Expiration:    date(2027, 3, 1),
		FundingSource: FundingVFC,
		Quantity:      10,
		ActorID:       7,
	}

	cases := map[string]func(in *ReceiveInput){
		"missing vaccine":  func(in *ReceiveInput) { in.VaccineID = 0 },
		"missing location": func(in *ReceiveInput) { in.LocationID = 0 },
		"blank lot number": func(in *ReceiveInput) { in.LotNumber = "  " },
		"no expiration":    func(in *ReceiveInput) { in.Expiration = time.Time{} },
		"bad funding":      func(in *ReceiveInput) { in.FundingSource = "grant" },
		"zero quantity":    func(in *ReceiveInput) { in.Quantity = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := f.svc.ReceiveLot(ctx, in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	unknown := valid
	unknown.VaccineID = 999
	_, err := f.svc.ReceiveLot(ctx, unknown)
	require.ErrorIs(t, err, ErrNotFound)

	lot, err := f.svc.ReceiveLot(ctx, valid)
	require.NoError(t, err)
	require.Equal(t, "A100", lot.LotNumber)
	require.Equal(t, 10, lot.QuantityReceived)
	require.Equal(t, 10, lot.QuantityRemaining)
	require.False(t, lot.Quarantined)

	entries, err := f.audit.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "receive", entries[0].Action)
	require.Equal(t, len(cases)+1, f.observer.rejected["validation"]+f.observer.rejected["not_found"])
}

func TestAdministerDoseDecrementsAndRecords(t *testing.T) {
	f := newFixture(t)
	lot := f.receive(t, vaccineDTaP, 1, "A100", date(2027, 3, 1), 3)

	res, err := f.administer(lot.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Lot.QuantityRemaining)
	require.Equal(t, lot.ID, res.Administration.LotID)
	require.Equal(t, int64(1), res.Administration.LocationID)
	require.Equal(t, FundingVFC, res.Administration.FundingSource)
	require.Equal(t, testNow, res.Administration.At)
	require.Empty(t, res.FEFOWarning)
	require.Nil(t, res.Lot.OpenedAt, "single-dose lots are never opened")

	adms, err := f.svc.ListAdministrations(context.Background(), AdministrationFilter{LocationID: 1})
	require.NoError(t, err)
	require.Len(t, adms, 1)
	require.Equal(t, 1, f.observer.doses)
}

func TestAdministerDoseRejectsUnusableLots(t *testing.T) {
	ctx := context.Background()

	t.Run("quarantined", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineDTaP, 1, "Q1", date(2027, 3, 1), 5)
		_, err := f.svc.Recall(ctx, RecallInput{LotNumber: "Q1", ActorID: 7})
		require.NoError(t, err)

		_, err = f.administer(lot.ID)
		require.ErrorIs(t, err, ErrQuarantined)
		var uerr *UnusableLotError
		require.ErrorAs(t, err, &uerr)
		require.Equal(t, lot.ID, uerr.LotID)
		assertUntouched(t, f, lot.ID, 5)
	})

	t.Run("expires today", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineDTaP, 1, "E1", date(2026, 10, 19), 5)
		_, err := f.administer(lot.ID)
		require.ErrorIs(t, err, ErrExpired)
		var uerr *UnusableLotError
		require.ErrorAs(t, err, &uerr)
		require.Equal(t, date(2026, 10, 19), uerr.Since)
		assertUntouched(t, f, lot.ID, 5)
	})

	t.Run("out of stock", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineDTaP, 1, "O1", date(2027, 3, 1), 1)
		_, err := f.administer(lot.ID)
		require.NoError(t, err)
		_, err = f.administer(lot.ID)
		require.ErrorIs(t, err, ErrOutOfStock)
		adms, _ := f.svc.ListAdministrations(ctx, AdministrationFilter{LotID: lot.ID})
		require.Len(t, adms, 1)
	})

	t.Run("open vial past discard", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineMMR, 1, "M1", date(2027, 3, 1), 10)
		_, err := f.administer(lot.ID)
		require.NoError(t, err)

		f.clock.Set(time.Date(2026, 10, 20, 0, 0, 1, 0, time.UTC))
		_, err = f.administer(lot.ID)
		require.ErrorIs(t, err, ErrDiscarded)
		assertUntouched(t, f, lot.ID, 9)
	})

	t.Run("unknown lot", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.administer(404)
		require.ErrorIs(t, err, ErrNotFound)
		var nerr *NotFoundError
		require.ErrorAs(t, err, &nerr)
		require.Equal(t, "lot", nerr.Entity)
	})

	t.Run("missing funding source", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineDTaP, 1, "F0", date(2027, 3, 1), 5)
		_, err := f.svc.AdministerDose(ctx, AdministerInput{LotID: lot.ID, ActorID: 7})
		require.ErrorIs(t, err, ErrValidation)
		assertUntouched(t, f, lot.ID, 5)
	})

	t.Run("funding mismatch", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineDTaP, 1, "F1", date(2027, 3, 1), 5)
		_, err := f.svc.AdministerDose(ctx, AdministerInput{LotID: lot.ID, ActorID: 7, FundingSource: FundingPrivate})
		require.ErrorIs(t, err, ErrValidation)
		assertUntouched(t, f, lot.ID, 5)
	})
}

func assertUntouched(t *testing.T, f *fixture, lotID int64, remaining int) {
	t.Helper()
	lot, err := f.svc.GetLot(context.Background(), lotID)
	require.NoError(t, err)
	require.Equal(t, remaining, lot.QuantityRemaining)
	ledger, err := f.svc.LotLedger(context.Background(), lotID)
	require.NoError(t, err)
	require.True(t, ledger.Reconciled)
}

func TestFEFOOrderAndOverrideWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late := f.receive(t, vaccineDTaP, 1, "LATE", date(2027, 6, 1), 5)
	early := f.receive(t, vaccineDTaP, 1, "EARLY", date(2026, 12, 1), 5)
	mid := f.receive(t, vaccineDTaP, 1, "MID", date(2027, 1, 1), 5)
	f.receiveFunded(t, vaccineDTaP, 1, "PRIV", date(2026, 11, 1), 5, FundingPrivate)
	f.receive(t, vaccineDTaP, 2, "ELSEWHERE", date(2026, 11, 1), 5)

	lots, err := f.svc.FEFOCandidates(ctx, vaccineDTaP, 1, FundingVFC)
	require.NoError(t, err)
	require.Equal(t, []int64{early.ID, mid.ID, late.ID}, lotIDs(lots))

	res, err := f.administer(late.ID)
	require.NoError(t, err)
	require.Equal(t, "FEFO: lot EARLY (exp 2026-12-01) expires sooner than lot LATE (exp 2027-06-01)", res.FEFOWarning)
	require.Equal(t, 4, res.Lot.QuantityRemaining)

	res, err = f.administer(early.ID)
	require.NoError(t, err)
	require.Empty(t, res.FEFOWarning)
	require.Equal(t, 2, f.observer.doses)
	require.Equal(t, 1, f.observer.overrides)
}

func TestFEFOWarnsOnSameDayLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.receive(t, vaccineDTaP, 1, "D1", date(2027, 1, 1), 5)
	second := f.receive(t, vaccineDTaP, 1, "D2", date(2027, 1, 1), 5)

	lots, err := f.svc.FEFOCandidates(ctx, vaccineDTaP, 1, FundingVFC)
	require.NoError(t, err)
	require.Equal(t, []int64{first.ID, second.ID}, lotIDs(lots))

	res, err := f.administer(second.ID)
	require.NoError(t, err)
	require.Equal(t, "FEFO: lot D1 (exp 2027-01-01) was received first and should be used before lot D2", res.FEFOWarning)
	require.Equal(t, FundingVFC, res.Administration.FundingSource)
	require.Equal(t, 1, f.observer.overrides)
}

func lotIDs(lots []Lot) []int64 {
	ids := make([]int64, 0, len(lots))
	for _, l := range lots {
		ids = append(ids, l.ID)
	}
	return ids
}

func TestMultiDoseVialWindow(t *testing.T) {
	t.Run("days after opening", func(t *testing.T) {
		f := newFixture(t)
		lot := f.receive(t, vaccineFlu, 1, "FLU1", date(2027, 3, 1), 10)

		res, err := f.administer(lot.ID)
		require.NoError(t, err)
		require.NotNil(t, res.Lot.OpenedAt)
		require.Equal(t, testNow, *res.Lot.OpenedAt)
		require.NotNil(t, res.Lot.DiscardAfter)
		require.True(t, res.Lot.DiscardAfter.Equal(testNow.AddDate(0, 0, 28)))

		f.clock.Set(testNow.Add(2 * time.Hour))
		res, err = f.administer(lot.ID)
		require.NoError(t, err)
		require.Equal(t, testNow, *res.Lot.OpenedAt, "window is fixed on first draw")
		require.Equal(t, 8, res.Lot.QuantityRemaining)
	})

	t.Run("end of day in clinic time", func(t *testing.T) {
		central := time.FixedZone("CST", -6*3600)
		f := newFixtureWith(t, NewMemoryRepository(), nil, central)
		lot := f.receive(t, vaccineMMR, 1, "MMR1", date(2027, 3, 1), 10)

		res, err := f.administer(lot.ID)
		require.NoError(t, err)
		want := time.Date(2026, 10, 19, 23, 59, 59, int(999*time.Millisecond), central)
		require.True(t, res.Lot.DiscardAfter.Equal(want), "got %s", res.Lot.DiscardAfter)
	})
}

func TestConcurrentAdministrationNeverOversells(t *testing.T) {
	f := newFixture(t)
	lot := f.receive(t, vaccineDTaP, 1, "C1", date(2027, 3, 1), 5)

	const workers = 20
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.administer(lot.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrOutOfStock):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), ok.Load())
	require.Equal(t, int32(workers-5), rejected.Load())
	got, err := f.svc.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.QuantityRemaining)
	adms, err := f.svc.ListAdministrations(context.Background(), AdministrationFilter{LotID: lot.ID})
	require.NoError(t, err)
	require.Len(t, adms, 5)
}

func TestConcurrentWasteNeverOversells(t *testing.T) {
	f := newFixture(t)
	lot := f.receive(t, vaccineDTaP, 1, "C2", date(2027, 3, 1), 5)

	const workers = 20
	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyAdjustment(context.Background(), AdjustmentInput{
				LotID: lot.ID, Type: "waste", Quantity: 1, Reason: "dropped", ActorID: 7,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), ok.Load())
	require.Equal(t, int32(workers-5), short.Load())
	assertUntouched(t, f, lot.ID, 0)
	adjs, err := f.svc.ListAdjustments(context.Background(), AdjustmentFilter{LotID: lot.ID, Type: AdjustmentWaste})
	require.NoError(t, err)
	require.Len(t, adjs, 5)
}

func TestTransferOutCreatesLinkedLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, vaccineDTaP, 1, "T1", date(2027, 3, 1), 10)
	dest := int64(2)

	res, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{
		LotID:             src.ID,
		Type:              "transfer_out",
		Quantity:          4,
		RelatedLocationID: &dest,
		ActorID:           7,
		LocationID:        1,
	})
	require.NoError(t, err)
	require.Equal(t, 6, res.Lot.QuantityRemaining)
	require.NotNil(t, res.CreatedLot)
	require.Equal(t, dest, res.CreatedLot.LocationID)
	require.Equal(t, "T1", res.CreatedLot.LotNumber)
	require.Equal(t, src.Expiration, res.CreatedLot.Expiration)
	require.Equal(t, 4, res.CreatedLot.QuantityRemaining)
	require.Equal(t, src.ID, *res.CreatedLot.SourceLotID)
	require.Equal(t, "Transfer from location 1", res.CreatedLot.Notes)

	require.NotNil(t, res.LinkedAdjustment)
	require.Equal(t, AdjustmentTransferIn, res.LinkedAdjustment.Type)
	require.NotEmpty(t, res.Adjustment.TransferID)
	require.Equal(t, res.Adjustment.TransferID, res.LinkedAdjustment.TransferID)
	require.Greater(t, res.LinkedAdjustment.Seq, res.Adjustment.Seq)

	for _, id := range []int64{src.ID, res.CreatedLot.ID} {
		ledger, err := f.svc.LotLedger(ctx, id)
		require.NoError(t, err)
		require.True(t, ledger.Reconciled, "lot %d", id)
	}
	require.Equal(t, 1, f.observer.adjusted[AdjustmentTransferOut])
	require.Equal(t, 1, f.observer.adjusted[AdjustmentTransferIn])
}

type failingInsertRepo struct {
	*MemoryRepository
}

func (r failingInsertRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, failingInsertTx{TxRepository: tx})
	})
}

type failingInsertTx struct {
	TxRepository
}

func (failingInsertTx) InsertLot(context.Context, Lot) (Lot, error) {
	return Lot{}, errors.New("disk full")
}

func TestTransferOutIsAllOrNothing(t *testing.T) {
	mem := NewMemoryRepository()
	seed := newFixtureWith(t, mem, nil, time.UTC)
	src := seed.receive(t, vaccineDTaP, 1, "T2", date(2027, 3, 1), 10)

	f := newFixtureWith(t, failingInsertRepo{MemoryRepository: mem}, nil, time.UTC)
	dest := int64(2)
	_, err := f.svc.ApplyAdjustment(context.Background(), AdjustmentInput{
		LotID:             src.ID,
		Type:              "transfer_out",
		Quantity:          4,
		RelatedLocationID: &dest,
		ActorID:           7,
	})
	require.ErrorIs(t, err, ErrPersistence)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	state := mem.ExportState()
	require.Len(t, state.Lots, 1)
	require.Equal(t, 10, state.Lots[0].QuantityRemaining)
	require.Empty(t, state.Adjustments)
}

// knownLocationsRepo rejects rows that point at a location outside known,
// the way the Postgres foreign keys do.
type knownLocationsRepo struct {
	*MemoryRepository
	known map[int64]bool
}

func (r knownLocationsRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, knownLocationsTx{TxRepository: tx, known: r.known})
	})
}

type knownLocationsTx struct {
	TxRepository
	known map[int64]bool
}

func (t knownLocationsTx) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	if !t.known[lot.LocationID] {
		return Lot{}, &NotFoundError{Entity: "location", ID: lot.LocationID}
	}
	return t.TxRepository.InsertLot(ctx, lot)
}

func (t knownLocationsTx) InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error) {
	if adj.RelatedLocationID != nil && !t.known[*adj.RelatedLocationID] {
		return Adjustment{}, persistence("insert adjustment", errors.New("foreign key violation"))
	}
	return t.TxRepository.InsertAdjustment(ctx, adj)
}

func TestTransferOutToUnknownLocation(t *testing.T) {
	mem := NewMemoryRepository()
	seed := newFixtureWith(t, mem, nil, time.UTC)
	src := seed.receive(t, vaccineDTaP, 1, "T3", date(2027, 3, 1), 10)

	f := newFixtureWith(t, knownLocationsRepo{MemoryRepository: mem, known: map[int64]bool{1: true, 2: true}}, nil, time.UTC)
	ctx := context.Background()
	missing := int64(99)
	_, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{
		LotID: src.ID, Type: "transfer_out", Quantity: 4, RelatedLocationID: &missing, ActorID: 7,
	})
	require.ErrorIs(t, err, ErrNotFound)
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "location", nerr.Entity)
	require.Equal(t, missing, nerr.ID)
	require.Equal(t, 1, f.observer.rejected["not_found"])

	state := mem.ExportState()
	require.Len(t, state.Lots, 1)
	require.Equal(t, 10, state.Lots[0].QuantityRemaining)
	require.Empty(t, state.Adjustments)

	dest := int64(2)
	res, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{
		LotID: src.ID, Type: "transfer_out", Quantity: 4, RelatedLocationID: &dest, ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, dest, res.CreatedLot.LocationID)
	require.Greater(t, res.LinkedAdjustment.Seq, res.Adjustment.Seq)
}

func TestLotLedgerReadsPastListLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doses := maxListLimit + 1
	lot := f.receive(t, vaccineDTaP, 1, "BIG", date(2027, 3, 1), doses+2)

	err := f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i := 0; i < doses; i++ {
			if _, err := tx.DecrementLot(ctx, lot.ID, 1); err != nil {
				return err
			}
			if _, err := tx.InsertAdministration(ctx, Administration{
				LotID: lot.ID, LocationID: 1, ActorID: 7, FundingSource: FundingVFC, Quantity: 1, At: testNow,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	ledger, err := f.svc.LotLedger(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, ledger.Entries, doses)
	require.Equal(t, 2, ledger.Replayed)
	require.True(t, ledger.Reconciled)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, vaccineDTaP, 1, "T3", date(2027, 3, 1), 10)
	same := int64(1)
	other := int64(2)

	cases := []struct {
		name string
		in   AdjustmentInput
		want error
	}{
		{"no destination", AdjustmentInput{LotID: src.ID, Type: "transfer_out", Quantity: 2}, ErrValidation},
		{"same location", AdjustmentInput{LotID: src.ID, Type: "transfer_out", Quantity: 2, RelatedLocationID: &same}, ErrValidation},
		{"more than held", AdjustmentInput{LotID: src.ID, Type: "transfer_out", Quantity: 11, RelatedLocationID: &other}, ErrInsufficientStock},
		{"direct transfer_in", AdjustmentInput{LotID: src.ID, Type: "transfer_in", Quantity: 2, RelatedLocationID: &other}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ApplyAdjustment(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assertUntouched(t, f, src.ID, 10)
}

func TestOutboundAdjustments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.receive(t, vaccineDTaP, 1, "W1", date(2027, 3, 1), 10)

	_, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "waste", Quantity: 11, Reason: "dropped"})
	var serr *InsufficientStockError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 10, serr.Remaining)

	_, err = f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "waste", Quantity: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "spilled", Quantity: 1, Reason: "x"})
	require.ErrorIs(t, err, ErrValidation)

	for _, typ := range []string{"waste", "borrowing", "returned"} {
		res, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: typ, Quantity: 2, Reason: "clinic " + typ, ActorID: 7})
		require.NoError(t, err, typ)
		require.Equal(t, AdjustmentType(typ), res.Adjustment.Type)
	}
	assertUntouched(t, f, lot.ID, 4)

	adjs, err := f.svc.ListAdjustments(ctx, AdjustmentFilter{LocationID: 1, Type: AdjustmentBorrowing})
	require.NoError(t, err)
	require.Len(t, adjs, 1)
}

func TestCorrectionSetsAbsoluteQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.receive(t, vaccineDTaP, 1, "K1", date(2027, 3, 1), 20)
	_, err := f.administer(lot.ID)
	require.NoError(t, err)
	_, err = f.administer(lot.ID)
	require.NoError(t, err)

	_, err = f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "correction", Quantity: -1, Reason: "count"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "correction", Quantity: 14})
	require.ErrorIs(t, err, ErrValidation)

	res, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: lot.ID, Type: "correction", Quantity: 14, Reason: "physical count"})
	require.NoError(t, err)
	require.Equal(t, 14, res.Lot.QuantityRemaining)
	require.Equal(t, 14, res.Adjustment.Quantity)

	ledger, err := f.svc.LotLedger(ctx, lot.ID)
	require.NoError(t, err)
	require.True(t, ledger.Reconciled)
	require.Len(t, ledger.Entries, 3)
	require.Equal(t, []int{19, 18, 14}, balances(ledger))
}

func balances(l LotLedger) []int {
	out := make([]int, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.Balance)
	}
	return out
}

func TestRecallQuarantinesEveryLocationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, vaccineDTaP, 1, "R9", date(2027, 3, 1), 10)
	other := f.receive(t, vaccineDTaP, 1, "KEEP", date(2027, 3, 1), 10)
	dest := int64(2)
	moved, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: src.ID, Type: "transfer_out", Quantity: 3, RelatedLocationID: &dest})
	require.NoError(t, err)

	res, err := f.svc.Recall(ctx, RecallInput{LotNumber: "R9", ActorID: 7, LocationID: 1})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{src.ID, moved.CreatedLot.ID}, lotIDs(res.Lots))
	require.Len(t, res.Adjustments, 2)
	for _, adj := range res.Adjustments {
		require.Equal(t, AdjustmentRecall, adj.Type)
		require.Equal(t, 0, adj.Quantity)
		require.Equal(t, "Recall: lot R9", adj.Reason)
	}
	for _, l := range res.Lots {
		require.True(t, l.Quarantined)
	}
	assertUntouched(t, f, src.ID, 7)
	assertUntouched(t, f, moved.CreatedLot.ID, 3)

	again, err := f.svc.Recall(ctx, RecallInput{LotNumber: "R9", ActorID: 7})
	require.NoError(t, err)
	require.Empty(t, again.Lots)

	none, err := f.svc.Recall(ctx, RecallInput{LotNumber: "NOPE", ActorID: 7})
	require.NoError(t, err)
	require.Empty(t, none.Lots)

	_, err = f.svc.Recall(ctx, RecallInput{LotNumber: " "})
	require.ErrorIs(t, err, ErrValidation)

	kept, err := f.svc.GetLot(ctx, other.ID)
	require.NoError(t, err)
	require.False(t, kept.Quarantined)
}

func TestRecallAdjustmentTypeTargetsLotNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.receive(t, vaccineDTaP, 1, "R1", date(2027, 3, 1), 4)
	b := f.receive(t, vaccineDTaP, 3, "R1", date(2027, 3, 1), 6)

	res, err := f.svc.ApplyAdjustment(ctx, AdjustmentInput{LotID: a.ID, Type: "recall", Reason: "manufacturer notice", ActorID: 7})
	require.NoError(t, err)
	require.NotNil(t, res.Adjustment)
	require.Equal(t, "manufacturer notice", res.Adjustment.Reason)
	require.True(t, res.Lot.Quarantined)
	require.ElementsMatch(t, []int64{a.ID, b.ID}, lotIDs(res.Quarantined))

	entries, err := f.audit.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "recall", entries[0].Action)
	require.Equal(t, "R1", entries[0].EntityID)
	require.Equal(t, 2, entries[0].Meta["quarantined_count"])
	require.Equal(t, "receive", entries[1].Action)
	require.Equal(t, 2, f.observer.adjusted[AdjustmentRecall])
}

func TestBulkExpireWritesOffExpiredLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := f.receive(t, vaccineDTaP, 1, "X1", date(2026, 10, 19), 5)
	past := f.receive(t, vaccineDTaP, 1, "X2", date(2026, 9, 1), 3)
	good := f.receive(t, vaccineDTaP, 1, "X3", date(2027, 1, 1), 7)
	f.receive(t, vaccineDTaP, 2, "X4", date(2026, 9, 1), 2)

	locs, err := f.svc.LocationsWithExpiredStock(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, locs)

	res, err := f.svc.BulkExpire(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.ElementsMatch(t, []BulkExpiredLot{
		{LotID: today.ID, LotNumber: "X1", Quantity: 5},
		{LotID: past.ID, LotNumber: "X2", Quantity: 3},
	}, res.Lots)
	assertUntouched(t, f, today.ID, 0)
	assertUntouched(t, f, past.ID, 0)
	assertUntouched(t, f, good.ID, 7)

	adjs, err := f.svc.ListAdjustments(ctx, AdjustmentFilter{LotID: past.ID})
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	require.Equal(t, AdjustmentExpired, adjs[0].Type)
	require.Equal(t, "Bulk expire", adjs[0].Reason)

	again, err := f.svc.BulkExpire(ctx, 1, 7)
	require.NoError(t, err)
	require.Zero(t, again.Count)

	locs, err = f.svc.LocationsWithExpiredStock(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, locs)
}

func TestExpiredAdjustmentIgnoresRequestedQuantity(t *testing.T) {
	f := newFixture(t)
	lot := f.receive(t, vaccineDTaP, 1, "EX", date(2027, 1, 1), 6)
	res, err := f.svc.ApplyAdjustment(context.Background(), AdjustmentInput{LotID: lot.ID, Type: "expired", Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 6, res.Adjustment.Quantity)
	require.Zero(t, res.Lot.QuantityRemaining)
}

func TestDiscardOpenVials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mmr := f.receive(t, vaccineMMR, 1, "M2", date(2027, 3, 1), 10)
	flu := f.receive(t, vaccineFlu, 1, "F2", date(2027, 3, 1), 10)
	for _, id := range []int64{mmr.ID, flu.ID} {
		_, err := f.administer(id)
		require.NoError(t, err)
	}

	f.clock.Set(testNow.Add(12 * time.Hour))
	out, err := f.svc.DiscardOpenVials(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, mmr.ID, out[0].Lot.ID)
	require.Equal(t, AdjustmentWaste, out[0].Adjustment.Type)
	require.Equal(t, 9, out[0].Adjustment.Quantity)
	require.Equal(t, "Beyond-use date passed", out[0].Adjustment.Reason)
	assertUntouched(t, f, mmr.ID, 0)
	assertUntouched(t, f, flu.ID, 9)

	out, err = f.svc.DiscardOpenVials(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestAdministerDoseIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idem := shared.NewRedisIdempotencyStore(client, time.Hour)

	f := newFixtureWith(t, NewMemoryRepository(), idem, time.UTC)
	ctx := context.Background()
	lot := f.receive(t, vaccineDTaP, 1, "I1", date(2027, 3, 1), 5)

	_, err := f.svc.AdministerDose(ctx, AdministerInput{LotID: 999, FundingSource: FundingVFC, IdempotencyKey: "visit-1"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.AdministerDose(ctx, AdministerInput{LotID: lot.ID, FundingSource: FundingVFC, IdempotencyKey: "visit-1"})
	require.NoError(t, err, "failed attempts release the key")

	_, err = f.svc.AdministerDose(ctx, AdministerInput{LotID: lot.ID, FundingSource: FundingVFC, IdempotencyKey: "visit-1"})
	require.ErrorIs(t, err, ErrDuplicateRequest)
	assertUntouched(t, f, lot.ID, 4)
	require.Equal(t, 1, f.observer.rejected["duplicate"])
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, shared.AuditLog) error {
	return errors.New("audit store down")
}

func TestAuditFailureDoesNotUndoCommit(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, DirectoryPolicies{Directory: vaccines.NewMemoryDirectory(nil)}, failingAudit{}, nil, ServiceConfig{
		Clock:  func() time.Time { return testNow },
		Logger: discardLogger(),
	})
	lot, err := svc.ReceiveLot(context.Background(), ReceiveInput{
		VaccineID: vaccineDTaP, LocationID: 1, LotNumber: "AU", Expiration: date(2027, 1, 1),
		FundingSource: FundingPrivate, Quantity: 2,
	})
	require.NoError(t, err)
	_, err = svc.AdministerDose(context.Background(), AdministerInput{LotID: lot.ID, FundingSource: FundingPrivate})
	require.NoError(t, err)
	got, err := svc.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.QuantityRemaining)
}

func TestEveryAdjustmentTypeHasTransition(t *testing.T) {
	for _, typ := range AdjustmentTypes() {
		require.NotNil(t, transitionFor(typ), typ)
		parsed, err := ParseAdjustmentType(" " + string(typ) + " ")
		require.NoError(t, err)
		require.Equal(t, typ, parsed)
	}
}
