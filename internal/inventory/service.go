package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaxinv/vaxinv/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, id int64) (Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]Adjustment, error)
	ListAdministrations(ctx context.Context, filter AdministrationFilter) ([]Administration, error)
	LotEntries(ctx context.Context, lotID int64) ([]Adjustment, []Administration, error)
	LocationsWithExpiredStock(ctx context.Context, today time.Time) ([]int64, error)
	OpenedLotsPastDiscard(ctx context.Context, now time.Time) ([]Lot, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates the lot ledger.
type Service struct {
	repo        RepositoryPort
	policies    PolicyLookup
	audit       AuditPort
	idempotency IdempotencyPort
	observer    Observer
	logger      *slog.Logger
	loc         *time.Location
	clock       func() time.Time
	newID       func() string
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Location is the clinic time zone used for "today" and end-of-day.
	Location *time.Location
	Clock    func() time.Time
	Logger   *slog.Logger
	Observer Observer
}

// NewService builds Service. audit and idem may be nil.
func NewService(repo RepositoryPort, policies PolicyLookup, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:        repo,
		policies:    policies,
		audit:       audit,
		idempotency: idem,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		loc:         cfg.Location,
		clock:       cfg.Clock,
		newID:       func() string { return uuid.NewString() },
	}
	if s.observer == nil {
		s.observer = noopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) now() time.Time { return s.clock() }

// Today returns the current clinic calendar day.
func (s *Service) Today() time.Time { return DateOf(s.now(), s.loc) }

// ReceiveLot books a shipment into stock.
func (s *Service) ReceiveLot(ctx context.Context, in ReceiveInput) (Lot, error) {
	in.LotNumber = strings.TrimSpace(in.LotNumber)
	in.NDC = strings.TrimSpace(in.NDC)
	switch {
	case in.VaccineID <= 0:
		return Lot{}, s.fail("receive", invalid("vaccine_id", "required"))
	case in.LocationID <= 0:
		return Lot{}, s.fail("receive", invalid("location_id", "required"))
	case in.LotNumber == "":
		return Lot{}, s.fail("receive", invalid("lot_number", "required"))
	case in.Expiration.IsZero():
		return Lot{}, s.fail("receive", invalid("expiration_date", "required"))
	case !in.FundingSource.Valid():
		return Lot{}, s.fail("receive", invalid("funding_source", "must be vfc or private"))
	case in.Quantity <= 0:
		return Lot{}, s.fail("receive", invalid("quantity", "must be positive"))
	}
	if _, err := s.policies.Policy(ctx, in.VaccineID); err != nil {
		return Lot{}, s.fail("receive", err)
	}
	now := s.now()
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.InsertLot(ctx, Lot{
			VaccineID:         in.VaccineID,
			LocationID:        in.LocationID,
			LotNumber:         in.LotNumber,
			Expiration:        DateOf(in.Expiration, time.UTC),
			NDC:               in.NDC,
			FundingSource:     in.FundingSource,
			QuantityReceived:  in.Quantity,
			QuantityRemaining: in.Quantity,
			Notes:             in.Notes,
			ReceivedBy:        in.ActorID,
			ReceivedAt:        now,
		})
		return err
	})
	if err != nil {
		return Lot{}, s.fail("receive", err)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:    in.ActorID,
		LocationID: in.LocationID,
		Action:     "receive",
		Entity:     "lot",
		EntityID:   strconv.FormatInt(lot.ID, 10),
		Meta: map[string]any{
			"vaccine_id":     in.VaccineID,
			"lot_number":     in.LotNumber,
			"quantity":       in.Quantity,
			"funding_source": in.FundingSource,
		},
		At: now,
	})
	return lot, nil
}

// checkUsable applies the dose safety rules in order.
func checkUsable(lot Lot, today, now time.Time) error {
	switch {
	case lot.Quarantined:
		return &UnusableLotError{LotID: lot.ID, LotNumber: lot.LotNumber, Reason: ErrQuarantined}
	case lot.ExpiredOn(today):
		return &UnusableLotError{LotID: lot.ID, LotNumber: lot.LotNumber, Reason: ErrExpired, Since: lot.Expiration}
	case lot.QuantityRemaining <= 0:
		return &UnusableLotError{LotID: lot.ID, LotNumber: lot.LotNumber, Reason: ErrOutOfStock}
	case IsDiscardable(lot, now):
		return &UnusableLotError{LotID: lot.ID, LotNumber: lot.LotNumber, Reason: ErrDiscarded, Since: *lot.DiscardAfter}
	}
	return nil
}

// AdministerDose gives one dose from a lot. The decrement, the open-vial
// window and the administration record commit together.
func (s *Service) AdministerDose(ctx context.Context, in AdministerInput) (AdministerResult, error) {
	if in.LotID <= 0 {
		return AdministerResult{}, s.fail("administer", invalid("lot_id", "required"))
	}
	if !in.FundingSource.Valid() {
		return AdministerResult{}, s.fail("administer", invalid("funding_source", "must be vfc or private"))
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	claimed := false
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, "administer:"+key, "inventory"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return AdministerResult{}, s.fail("administer", ErrDuplicateRequest)
			}
			return AdministerResult{}, s.fail("administer", persistence("claim idempotency key", err))
		}
		claimed = true
	}

	now := s.now()
	today := DateOf(now, s.loc)
	var res AdministerResult
	var policy VaccinePolicy
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, in.LotID)
		if err != nil {
			return err
		}
		policy, err = s.policies.Policy(ctx, lot.VaccineID)
		if err != nil {
			return err
		}
		if err := checkUsable(lot, today, now); err != nil {
			return err
		}
		if in.FundingSource != lot.FundingSource {
			return invalid("funding_source", fmt.Sprintf("lot %s is %s stock", lot.LotNumber, lot.FundingSource))
		}
		peers, err := tx.ListLots(ctx, LotFilter{LocationID: lot.LocationID, VaccineID: lot.VaccineID, FundingSource: in.FundingSource})
		if err != nil {
			return err
		}
		res.FEFOWarning = CheckFEFOCompliance(lot, SelectCandidates(peers, today))

		updated, err := tx.DecrementLot(ctx, lot.ID, 1)
		if err != nil {
			return err
		}
		if window, ok := OnFirstUse(lot, policy, now, s.loc); ok {
			updated, err = tx.MarkLotOpened(ctx, lot.ID, window.OpenedAt, window.DiscardAfter)
			if err != nil {
				return err
			}
		}
		location := in.LocationID
		if location == 0 {
			location = lot.LocationID
		}
		adm, err := tx.InsertAdministration(ctx, Administration{
			LotID:         lot.ID,
			LocationID:    location,
			ActorID:       in.ActorID,
			FundingSource: in.FundingSource,
			Quantity:      1,
			Notes:         in.Notes,
			At:            now,
		})
		if err != nil {
			return err
		}
		res.Administration = adm
		res.Lot = updated
		return nil
	})
	if err != nil {
		if claimed {
			_ = s.idempotency.Delete(ctx, "administer:"+key)
		}
		return AdministerResult{}, s.fail("administer", err)
	}

	s.observer.DoseAdministered(res.Lot.VaccineID, res.Lot.FundingSource, res.FEFOWarning != "")
	if res.FEFOWarning != "" {
		s.logger.Info("fefo override",
			slog.Int64("lot_id", res.Lot.ID),
			slog.String("warning", res.FEFOWarning))
	}
	s.record(ctx, shared.AuditLog{
		ActorID:    in.ActorID,
		LocationID: res.Administration.LocationID,
		Action:     "administer",
		Entity:     "administration",
		EntityID:   strconv.FormatInt(res.Administration.ID, 10),
		Meta: map[string]any{
			"lot_id":         res.Lot.ID,
			"lot_number":     res.Lot.LotNumber,
			"vaccine":        policy.ShortName,
			"funding_source": res.Lot.FundingSource,
		},
		At: now,
	})
	return res, nil
}

// ApplyAdjustment validates and applies one adjustment against a lot.
func (s *Service) ApplyAdjustment(ctx context.Context, in AdjustmentInput) (AdjustmentResult, error) {
	typ, err := ParseAdjustmentType(in.Type)
	if err != nil {
		return AdjustmentResult{}, s.fail("adjust", err)
	}
	if in.LotID <= 0 {
		return AdjustmentResult{}, s.fail("adjust", invalid("lot_id", "required"))
	}
	tr := transitionFor(typ)
	now := s.now()
	var res AdjustmentResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, in.LotID)
		if err != nil {
			return err
		}
		if err := tr.validate(lot, in); err != nil {
			return err
		}
		res, err = tr.apply(ctx, tx, adjustmentRun{in: in, lot: lot, now: now, transferID: s.newID})
		return err
	})
	if err != nil {
		return AdjustmentResult{}, s.fail("adjust", err)
	}

	location := in.LocationID
	if location == 0 {
		location = res.Lot.LocationID
	}
	// recordRecall covers the recall type, one event for the whole lot number.
	if res.Adjustment != nil && typ != AdjustmentRecall {
		s.observer.AdjustmentApplied(typ, res.Adjustment.Quantity)
		s.record(ctx, shared.AuditLog{
			ActorID:    in.ActorID,
			LocationID: location,
			Action:     "adjust",
			Entity:     "adjustment",
			EntityID:   strconv.FormatInt(res.Adjustment.ID, 10),
			Meta: map[string]any{
				"lot_id":          in.LotID,
				"adjustment_type": typ,
				"quantity":        res.Adjustment.Quantity,
				"reason":          res.Adjustment.Reason,
			},
			At: now,
		})
	}
	if res.LinkedAdjustment != nil {
		s.observer.AdjustmentApplied(AdjustmentTransferIn, res.LinkedAdjustment.Quantity)
	}
	if typ == AdjustmentRecall {
		s.recordRecall(ctx, in.ActorID, location, res.Lot.LotNumber, res.Quarantined, now)
	}
	return res, nil
}

// BulkExpire writes off every expired lot holding stock at a location.
func (s *Service) BulkExpire(ctx context.Context, locationID, actorID int64) (BulkExpireResult, error) {
	if locationID <= 0 {
		return BulkExpireResult{}, s.fail("bulk_expire", invalid("location_id", "required"))
	}
	now := s.now()
	today := DateOf(now, s.loc)
	out := BulkExpireResult{LocationID: locationID, Lots: []BulkExpiredLot{}}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.ExpiredLotsForUpdate(ctx, locationID, today)
		if err != nil {
			return err
		}
		in := AdjustmentInput{Type: string(AdjustmentExpired), Reason: "Bulk expire", ActorID: actorID, LocationID: locationID}
		for _, lot := range lots {
			in.LotID = lot.ID
			res, err := expiry{}.apply(ctx, tx, adjustmentRun{in: in, lot: lot, now: now, transferID: s.newID})
			if err != nil {
				return err
			}
			out.Lots = append(out.Lots, BulkExpiredLot{LotID: lot.ID, LotNumber: lot.LotNumber, Quantity: res.Adjustment.Quantity})
		}
		return nil
	})
	if err != nil {
		return BulkExpireResult{}, s.fail("bulk_expire", err)
	}
	out.Count = len(out.Lots)
	for _, l := range out.Lots {
		s.observer.AdjustmentApplied(AdjustmentExpired, l.Quantity)
	}
	if out.Count > 0 {
		s.record(ctx, shared.AuditLog{
			ActorID:    actorID,
			LocationID: locationID,
			Action:     "bulk_expire",
			Entity:     "location",
			EntityID:   strconv.FormatInt(locationID, 10),
			Meta:       map[string]any{"expired_count": out.Count, "lots": out.Lots},
			At:         now,
		})
	}
	return out, nil
}

// RecallInput names the lot number to pull from use everywhere.
type RecallInput struct {
	LotNumber  string
	Reason     string
	ActorID    int64
	LocationID int64
}

// Recall quarantines every held lot carrying the lot number. Re-running it is
// harmless: lots already on hold are skipped.
func (s *Service) Recall(ctx context.Context, in RecallInput) (RecallResult, error) {
	lotNumber := strings.TrimSpace(in.LotNumber)
	if lotNumber == "" {
		return RecallResult{}, s.fail("recall", invalid("lot_number", "required"))
	}
	now := s.now()
	out := RecallResult{LotNumber: lotNumber, Adjustments: []Adjustment{}, Lots: []Lot{}}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		run := adjustmentRun{
			in:         AdjustmentInput{Type: string(AdjustmentRecall), Reason: in.Reason, ActorID: in.ActorID},
			now:        now,
			transferID: s.newID,
		}
		entries, lots, err := quarantineLotNumber(ctx, tx, run, lotNumber)
		if err != nil {
			return err
		}
		out.Adjustments = append(out.Adjustments, entries...)
		out.Lots = append(out.Lots, lots...)
		return nil
	})
	if err != nil {
		return RecallResult{}, s.fail("recall", err)
	}
	s.recordRecall(ctx, in.ActorID, in.LocationID, lotNumber, out.Lots, now)
	return out, nil
}

func (s *Service) recordRecall(ctx context.Context, actorID, locationID int64, lotNumber string, lots []Lot, now time.Time) {
	for range lots {
		s.observer.AdjustmentApplied(AdjustmentRecall, 0)
	}
	ids := make([]int64, 0, len(lots))
	for _, l := range lots {
		ids = append(ids, l.ID)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:    actorID,
		LocationID: locationID,
		Action:     "recall",
		Entity:     "lot_number",
		EntityID:   lotNumber,
		Meta:       map[string]any{"quarantined_count": len(lots), "lot_ids": ids},
		At:         now,
	})
}

// FEFOCandidates returns usable lots, first-expiring first.
func (s *Service) FEFOCandidates(ctx context.Context, vaccineID, locationID int64, funding FundingSource) ([]Lot, error) {
	if vaccineID <= 0 {
		return nil, invalid("vaccine_id", "required")
	}
	if locationID <= 0 {
		return nil, invalid("location_id", "required")
	}
	if funding != "" && !funding.Valid() {
		return nil, invalid("funding_source", "must be vfc or private")
	}
	lots, err := s.repo.ListLots(ctx, LotFilter{LocationID: locationID, VaccineID: vaccineID, FundingSource: funding})
	if err != nil {
		return nil, err
	}
	return SelectCandidates(lots, s.Today()), nil
}

// GetLot returns one lot.
func (s *Service) GetLot(ctx context.Context, id int64) (Lot, error) {
	return s.repo.GetLot(ctx, id)
}

// ListLots lists lots ordered by expiration.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	if filter.FundingSource != "" && !filter.FundingSource.Valid() {
		return nil, invalid("funding_source", "must be vfc or private")
	}
	return s.repo.ListLots(ctx, filter)
}

// ListAdjustments lists adjustments newest first.
func (s *Service) ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]Adjustment, error) {
	if filter.Type != "" {
		if _, err := ParseAdjustmentType(string(filter.Type)); err != nil {
			return nil, err
		}
	}
	return s.repo.ListAdjustments(ctx, filter)
}

// ListAdministrations lists doses newest first.
func (s *Service) ListAdministrations(ctx context.Context, filter AdministrationFilter) ([]Administration, error) {
	return s.repo.ListAdministrations(ctx, filter)
}

// LotLedger returns a lot's history and checks it replays to the stored count.
func (s *Service) LotLedger(ctx context.Context, lotID int64) (LotLedger, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return LotLedger{}, err
	}
	adjs, adms, err := s.repo.LotEntries(ctx, lotID)
	if err != nil {
		return LotLedger{}, err
	}
	ledger := Replay(lot, adjs, adms)
	if !ledger.Reconciled {
		s.logger.Warn("ledger does not reconcile",
			slog.Int64("lot_id", lotID),
			slog.Int("stored", lot.QuantityRemaining),
			slog.Int("replayed", ledger.Replayed))
	}
	return ledger, nil
}

// LocationsWithExpiredStock lists locations BulkExpire would act on today.
func (s *Service) LocationsWithExpiredStock(ctx context.Context) ([]int64, error) {
	return s.repo.LocationsWithExpiredStock(ctx, s.Today())
}

// DiscardOpenVials wastes the remaining doses of opened vials past their
// discard time. It returns the lots it wrote off.
func (s *Service) DiscardOpenVials(ctx context.Context, actorID int64) ([]AdjustmentResult, error) {
	now := s.now()
	lots, err := s.repo.OpenedLotsPastDiscard(ctx, now)
	if err != nil {
		return nil, err
	}
	var out []AdjustmentResult
	for _, candidate := range lots {
		var res AdjustmentResult
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			lot, err := tx.GetLotForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if lot.QuantityRemaining <= 0 || !IsDiscardable(lot, now) {
				return nil
			}
			in := AdjustmentInput{
				LotID:    lot.ID,
				Type:     string(AdjustmentWaste),
				Quantity: lot.QuantityRemaining,
				Reason:   "Beyond-use date passed",
				ActorID:  actorID,
			}
			res, err = outbound{typ: AdjustmentWaste}.apply(ctx, tx, adjustmentRun{in: in, lot: lot, now: now, transferID: s.newID})
			return err
		})
		if err != nil {
			return out, s.fail("discard_open_vials", err)
		}
		if res.Adjustment == nil {
			continue
		}
		s.observer.AdjustmentApplied(AdjustmentWaste, res.Adjustment.Quantity)
		s.record(ctx, shared.AuditLog{
			ActorID:    actorID,
			LocationID: res.Lot.LocationID,
			Action:     "adjust",
			Entity:     "adjustment",
			EntityID:   strconv.FormatInt(res.Adjustment.ID, 10),
			Meta: map[string]any{
				"lot_id":          res.Lot.ID,
				"adjustment_type": AdjustmentWaste,
				"quantity":        res.Adjustment.Quantity,
				"reason":          res.Adjustment.Reason,
			},
			At: now,
		})
		out = append(out, res)
	}
	return out, nil
}

// fail reports domain rejections to the observer and logs infrastructure
// failures. The error is returned unchanged.
func (s *Service) fail(op string, err error) error {
	if reason := RejectionReason(err); reason != "" {
		s.observer.Rejected(op, reason)
		return err
	}
	s.logger.Error("inventory operation failed", slog.String("op", op), slog.Any("error", err))
	return persistence(op, err)
}

// record writes an audit entry after commit. A failed audit write never
// undoes the committed change.
func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err))
	}
}
