package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Snapshot is the serialisable state of a MemoryRepository.
type Snapshot struct {
	Lots            []Lot            `json:"lots"`
	Adjustments     []Adjustment     `json:"adjustments"`
	Administrations []Administration `json:"administrations"`
	NextLotID       int64            `json:"next_lot_id"`
	NextAdjID       int64            `json:"next_adjustment_id"`
	NextAdmID       int64            `json:"next_administration_id"`
	NextSeq         int64            `json:"next_seq"`
}

type memoryState struct {
	lots            map[int64]Lot
	adjustments     []Adjustment
	administrations []Administration
	nextLotID       int64
	nextAdjID       int64
	nextAdmID       int64
	nextSeq         int64
}

func newMemoryState() memoryState {
	return memoryState{lots: make(map[int64]Lot)}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		lots:            make(map[int64]Lot, len(s.lots)),
		adjustments:     append([]Adjustment(nil), s.adjustments...),
		administrations: append([]Administration(nil), s.administrations...),
		nextLotID:       s.nextLotID,
		nextAdjID:       s.nextAdjID,
		nextAdmID:       s.nextAdmID,
		nextSeq:         s.nextSeq,
	}
	for id, lot := range s.lots {
		cloned.lots[id] = cloneLot(lot)
	}
	return cloned
}

func cloneLot(l Lot) Lot {
	if l.OpenedAt != nil {
		t := *l.OpenedAt
		l.OpenedAt = &t
	}
	if l.DiscardAfter != nil {
		t := *l.DiscardAfter
		l.DiscardAfter = &t
	}
	if l.SourceLotID != nil {
		id := *l.SourceLotID
		l.SourceLotID = &id
	}
	return l
}

// MemoryRepository keeps the ledger in process. Transactions run against a
// copy of the state under the write lock and are swapped in on success, so a
// failed callback leaves nothing behind.
type MemoryRepository struct {
	mu       sync.RWMutex
	state    memoryState
	onCommit func(Snapshot) error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

// WithTx runs fn against a private copy of the state.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.onCommit != nil {
		if err := r.onCommit(snapshotOf(tx.state)); err != nil {
			return persistence("commit snapshot", err)
		}
	}
	r.state = tx.state
	return nil
}

// ExportState returns a copy of the current state.
func (r *MemoryRepository) ExportState() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotOf(r.state)
}

// ImportState replaces the current state.
func (r *MemoryRepository) ImportState(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := newMemoryState()
	for _, lot := range s.Lots {
		st.lots[lot.ID] = cloneLot(lot)
	}
	st.adjustments = append(st.adjustments, s.Adjustments...)
	st.administrations = append(st.administrations, s.Administrations...)
	st.nextLotID, st.nextAdjID, st.nextAdmID, st.nextSeq = s.NextLotID, s.NextAdjID, s.NextAdmID, s.NextSeq
	r.state = st
}

func snapshotOf(st memoryState) Snapshot {
	s := Snapshot{
		Adjustments:     append([]Adjustment(nil), st.adjustments...),
		Administrations: append([]Administration(nil), st.administrations...),
		NextLotID:       st.nextLotID,
		NextAdjID:       st.nextAdjID,
		NextAdmID:       st.nextAdmID,
		NextSeq:         st.nextSeq,
	}
	for _, lot := range st.lots {
		s.Lots = append(s.Lots, cloneLot(lot))
	}
	sort.Slice(s.Lots, func(i, j int) bool { return s.Lots[i].ID < s.Lots[j].ID })
	return s
}

// GetLot returns one lot.
func (r *MemoryRepository) GetLot(_ context.Context, id int64) (Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lot, ok := r.state.lots[id]
	if !ok {
		return Lot{}, &NotFoundError{Entity: "lot", ID: id}
	}
	return cloneLot(lot), nil
}

// ListLots lists lots ordered by expiration then id.
func (r *MemoryRepository) ListLots(_ context.Context, filter LotFilter) ([]Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return filterLots(r.state, filter), nil
}

func filterLots(st memoryState, filter LotFilter) []Lot {
	var out []Lot
	for _, lot := range st.lots {
		if filter.LocationID != 0 && lot.LocationID != filter.LocationID {
			continue
		}
		if filter.VaccineID != 0 && lot.VaccineID != filter.VaccineID {
			continue
		}
		if filter.FundingSource != "" && lot.FundingSource != filter.FundingSource {
			continue
		}
		if filter.LotNumber != "" && lot.LotNumber != filter.LotNumber {
			continue
		}
		if !filter.IncludeEmpty && lot.QuantityRemaining <= 0 {
			continue
		}
		out = append(out, cloneLot(lot))
	}
	sortByExpiration(out)
	return out
}

func sortByExpiration(lots []Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].Expiration.Equal(lots[j].Expiration) {
			return lots[i].Expiration.Before(lots[j].Expiration)
		}
		return lots[i].ID < lots[j].ID
	})
}

// ListAdjustments lists adjustments newest first.
func (r *MemoryRepository) ListAdjustments(_ context.Context, filter AdjustmentFilter) ([]Adjustment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := limitOrDefault(filter.Limit)
	var out []Adjustment
	for i := len(r.state.adjustments) - 1; i >= 0 && len(out) < limit; i-- {
		adj := r.state.adjustments[i]
		if filter.LotID != 0 && adj.LotID != filter.LotID {
			continue
		}
		if filter.Type != "" && adj.Type != filter.Type {
			continue
		}
		if filter.LocationID != 0 && r.state.lots[adj.LotID].LocationID != filter.LocationID {
			continue
		}
		out = append(out, adj)
	}
	return out, nil
}

// ListAdministrations lists doses newest first.
func (r *MemoryRepository) ListAdministrations(_ context.Context, filter AdministrationFilter) ([]Administration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := limitOrDefault(filter.Limit)
	var out []Administration
	for i := len(r.state.administrations) - 1; i >= 0 && len(out) < limit; i-- {
		adm := r.state.administrations[i]
		if filter.LocationID != 0 && adm.LocationID != filter.LocationID {
			continue
		}
		if filter.LotID != 0 && adm.LotID != filter.LotID {
			continue
		}
		if filter.VaccineID != 0 && r.state.lots[adm.LotID].VaccineID != filter.VaccineID {
			continue
		}
		if !filter.From.IsZero() && adm.At.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && adm.At.After(filter.To) {
			continue
		}
		out = append(out, adm)
	}
	return out, nil
}

// LotEntries returns every ledger entry of a lot in sequence order. It is
// not bounded by the list limit.
func (r *MemoryRepository) LotEntries(_ context.Context, lotID int64) ([]Adjustment, []Administration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var adjs []Adjustment
	for _, adj := range r.state.adjustments {
		if adj.LotID == lotID {
			adjs = append(adjs, adj)
		}
	}
	var adms []Administration
	for _, adm := range r.state.administrations {
		if adm.LotID == lotID {
			adms = append(adms, adm)
		}
	}
	return adjs, adms, nil
}

// LocationsWithExpiredStock lists locations holding expired stock.
func (r *MemoryRepository) LocationsWithExpiredStock(_ context.Context, today time.Time) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, lot := range r.state.lots {
		if lot.QuantityRemaining <= 0 || !lot.ExpiredOn(today) {
			continue
		}
		if _, ok := seen[lot.LocationID]; ok {
			continue
		}
		seen[lot.LocationID] = struct{}{}
		ids = append(ids, lot.LocationID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// OpenedLotsPastDiscard lists opened vials past their discard time.
func (r *MemoryRepository) OpenedLotsPastDiscard(_ context.Context, now time.Time) ([]Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Lot
	for _, lot := range r.state.lots {
		if lot.QuantityRemaining > 0 && IsDiscardable(lot, now) {
			out = append(out, cloneLot(lot))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscardAfter.Equal(*out[j].DiscardAfter) {
			return out[i].DiscardAfter.Before(*out[j].DiscardAfter)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memoryTx struct {
	state memoryState
}

func (t *memoryTx) lot(id int64) (Lot, error) {
	lot, ok := t.state.lots[id]
	if !ok {
		return Lot{}, &NotFoundError{Entity: "lot", ID: id}
	}
	return lot, nil
}

func (t *memoryTx) store(lot Lot) Lot {
	t.state.lots[lot.ID] = lot
	return cloneLot(lot)
}

func (t *memoryTx) GetLotForUpdate(_ context.Context, id int64) (Lot, error) {
	lot, err := t.lot(id)
	return cloneLot(lot), err
}

func (t *memoryTx) InsertLot(_ context.Context, lot Lot) (Lot, error) {
	t.state.nextLotID++
	lot.ID = t.state.nextLotID
	return t.store(cloneLot(lot)), nil
}

func (t *memoryTx) DecrementLot(_ context.Context, id int64, n int) (Lot, error) {
	lot, err := t.lot(id)
	if err != nil {
		return Lot{}, err
	}
	if lot.QuantityRemaining < n {
		return Lot{}, &InsufficientStockError{LotID: id, Requested: n, Remaining: lot.QuantityRemaining}
	}
	lot.QuantityRemaining -= n
	return t.store(lot), nil
}

func (t *memoryTx) IncrementLot(_ context.Context, id int64, n int) (Lot, error) {
	lot, err := t.lot(id)
	if err != nil {
		return Lot{}, err
	}
	lot.QuantityRemaining += n
	return t.store(lot), nil
}

func (t *memoryTx) SetLotQuantity(_ context.Context, id int64, n int) (Lot, error) {
	lot, err := t.lot(id)
	if err != nil {
		return Lot{}, err
	}
	lot.QuantityRemaining = n
	return t.store(lot), nil
}

func (t *memoryTx) QuarantineLot(_ context.Context, id int64) (Lot, error) {
	lot, err := t.lot(id)
	if err != nil {
		return Lot{}, err
	}
	lot.Quarantined = true
	return t.store(lot), nil
}

func (t *memoryTx) MarkLotOpened(_ context.Context, id int64, openedAt time.Time, discardAfter *time.Time) (Lot, error) {
	lot, err := t.lot(id)
	if err != nil {
		return Lot{}, err
	}
	if lot.OpenedAt != nil {
		return cloneLot(lot), nil
	}
	lot.OpenedAt = &openedAt
	if discardAfter != nil {
		d := *discardAfter
		lot.DiscardAfter = &d
	}
	return t.store(lot), nil
}

func (t *memoryTx) InsertAdjustment(_ context.Context, adj Adjustment) (Adjustment, error) {
	if _, err := t.lot(adj.LotID); err != nil {
		return Adjustment{}, err
	}
	t.state.nextAdjID++
	t.state.nextSeq++
	adj.ID, adj.Seq = t.state.nextAdjID, t.state.nextSeq
	t.state.adjustments = append(t.state.adjustments, adj)
	return adj, nil
}

func (t *memoryTx) InsertAdministration(_ context.Context, adm Administration) (Administration, error) {
	if _, err := t.lot(adm.LotID); err != nil {
		return Administration{}, err
	}
	t.state.nextAdmID++
	t.state.nextSeq++
	adm.ID, adm.Seq = t.state.nextAdmID, t.state.nextSeq
	t.state.administrations = append(t.state.administrations, adm)
	return adm, nil
}

func (t *memoryTx) ListLots(_ context.Context, filter LotFilter) ([]Lot, error) {
	return filterLots(t.state, filter), nil
}

func (t *memoryTx) LotsByNumberForUpdate(_ context.Context, lotNumber string) ([]Lot, error) {
	lots := filterLots(t.state, LotFilter{LotNumber: lotNumber, IncludeEmpty: true})
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots, nil
}

func (t *memoryTx) ExpiredLotsForUpdate(_ context.Context, locationID int64, today time.Time) ([]Lot, error) {
	var out []Lot
	for _, lot := range filterLots(t.state, LotFilter{LocationID: locationID}) {
		if lot.ExpiredOn(today) {
			out = append(out, lot)
		}
	}
	return out, nil
}
