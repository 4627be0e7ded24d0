package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaxinv/vaxinv/internal/platform/db"
)

// TxRepository exposes the lot-store primitives available inside a
// transaction. Quantity changes only happen through these methods and each
// one checks and writes in a single statement.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, id int64) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	DecrementLot(ctx context.Context, id int64, n int) (Lot, error)
	IncrementLot(ctx context.Context, id int64, n int) (Lot, error)
	SetLotQuantity(ctx context.Context, id int64, n int) (Lot, error)
	QuarantineLot(ctx context.Context, id int64) (Lot, error)
	MarkLotOpened(ctx context.Context, id int64, openedAt time.Time, discardAfter *time.Time) (Lot, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error)
	InsertAdministration(ctx context.Context, adm Administration) (Administration, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	LotsByNumberForUpdate(ctx context.Context, lotNumber string) ([]Lot, error)
	ExpiredLotsForUpdate(ctx context.Context, locationID int64, today time.Time) ([]Lot, error)
}

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction. Conditional updates re-check
// their predicate after waiting on a row lock, which is what keeps concurrent
// decrements of one lot linearizable.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	var fnErr error
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		fnErr = fn(ctx, &txRepo{tx: tx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return persistence("transaction", err)
	}
	return err
}

const lotColumns = `id, vaccine_id, location_id, lot_number, expiration_date, COALESCE(ndc, ''), funding_source,
	quantity_received, quantity_remaining, is_quarantined, opened_at, discard_after, source_lot_id,
	COALESCE(notes, ''), COALESCE(received_by, 0), received_at`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var funding string
	err := row.Scan(&lot.ID, &lot.VaccineID, &lot.LocationID, &lot.LotNumber, &lot.Expiration, &lot.NDC, &funding,
		&lot.QuantityReceived, &lot.QuantityRemaining, &lot.Quarantined, &lot.OpenedAt, &lot.DiscardAfter, &lot.SourceLotID,
		&lot.Notes, &lot.ReceivedBy, &lot.ReceivedAt)
	lot.FundingSource = FundingSource(funding)
	return lot, err
}

func collectLots(rows pgx.Rows, op string) ([]Lot, error) {
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return lots, nil
}

func lotOrNotFound(lot Lot, err error, id int64, op string) (Lot, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, &NotFoundError{Entity: "lot", ID: id}
	}
	if err != nil {
		return Lot{}, persistence(op, err)
	}
	return lot, nil
}

func getLot(ctx context.Context, q querier, id int64, lock bool) (Lot, error) {
	sql := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	lot, err := scanLot(q.QueryRow(ctx, sql, id))
	return lotOrNotFound(lot, err, id, "get lot")
}

func listLots(ctx context.Context, q querier, filter LotFilter) ([]Lot, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.LocationID != 0 {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.VaccineID != 0 {
		add("vaccine_id = $%d", filter.VaccineID)
	}
	if filter.FundingSource != "" {
		add("funding_source = $%d", string(filter.FundingSource))
	}
	if filter.LotNumber != "" {
		add("lot_number = $%d", filter.LotNumber)
	}
	if !filter.IncludeEmpty {
		where = append(where, "quantity_remaining > 0")
	}
	sql := `SELECT ` + lotColumns + ` FROM lots`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY expiration_date ASC, id ASC`
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("list lots", err)
	}
	return collectLots(rows, "list lots")
}

// GetLot returns one lot.
func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	return getLot(ctx, r.pool, id, false)
}

// ListLots lists lots ordered by expiration.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	return listLots(ctx, r.pool, filter)
}

const adjustmentColumns = `a.id, a.seq, a.lot_id, a.adjustment_type, a.quantity, COALESCE(a.reason, ''), a.actor_id,
	a.related_location_id, COALESCE(a.transfer_id::text, ''), a.adjusted_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var adj Adjustment
	var typ string
	err := row.Scan(&adj.ID, &adj.Seq, &adj.LotID, &typ, &adj.Quantity, &adj.Reason, &adj.ActorID,
		&adj.RelatedLocationID, &adj.TransferID, &adj.At)
	adj.Type = AdjustmentType(typ)
	return adj, err
}

// ListAdjustments lists ledger adjustments, newest first.
func (r *Repository) ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]Adjustment, error) {
	var where []string
	var args []any
	if filter.LocationID != 0 {
		args = append(args, filter.LocationID)
		where = append(where, fmt.Sprintf("l.location_id = $%d", len(args)))
	}
	if filter.LotID != 0 {
		args = append(args, filter.LotID)
		where = append(where, fmt.Sprintf("a.lot_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("a.adjustment_type = $%d", len(args)))
	}
	sql := `SELECT ` + adjustmentColumns + ` FROM adjustments a JOIN lots l ON l.id = a.lot_id`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	sql += fmt.Sprintf(` ORDER BY a.adjusted_at DESC, a.seq DESC LIMIT $%d`, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("list adjustments", err)
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, persistence("list adjustments", err)
		}
		out = append(out, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list adjustments", err)
	}
	return out, nil
}

const administrationColumns = `d.id, d.seq, d.lot_id, d.location_id, d.actor_id, d.funding_source, d.quantity,
	COALESCE(d.notes, ''), d.administered_at`

func scanAdministration(row pgx.Row) (Administration, error) {
	var adm Administration
	var funding string
	err := row.Scan(&adm.ID, &adm.Seq, &adm.LotID, &adm.LocationID, &adm.ActorID, &funding, &adm.Quantity, &adm.Notes, &adm.At)
	adm.FundingSource = FundingSource(funding)
	return adm, err
}

// ListAdministrations lists doses given, newest first.
func (r *Repository) ListAdministrations(ctx context.Context, filter AdministrationFilter) ([]Administration, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.LocationID != 0 {
		add("d.location_id = $%d", filter.LocationID)
	}
	if filter.LotID != 0 {
		add("d.lot_id = $%d", filter.LotID)
	}
	if filter.VaccineID != 0 {
		add("l.vaccine_id = $%d", filter.VaccineID)
	}
	if !filter.From.IsZero() {
		add("d.administered_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("d.administered_at <= $%d", filter.To)
	}
	sql := `SELECT ` + administrationColumns + ` FROM administrations d JOIN lots l ON l.id = d.lot_id`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	sql += fmt.Sprintf(` ORDER BY d.administered_at DESC, d.seq DESC LIMIT $%d`, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("list administrations", err)
	}
	defer rows.Close()
	var out []Administration
	for rows.Next() {
		adm, err := scanAdministration(rows)
		if err != nil {
			return nil, persistence("list administrations", err)
		}
		out = append(out, adm)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list administrations", err)
	}
	return out, nil
}

// LotEntries returns every ledger entry of a lot in sequence order. Replay
// needs the whole history, so unlike the list queries it has no limit.
func (r *Repository) LotEntries(ctx context.Context, lotID int64) ([]Adjustment, []Administration, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+adjustmentColumns+` FROM adjustments a
		WHERE a.lot_id = $1 ORDER BY a.seq`, lotID)
	if err != nil {
		return nil, nil, persistence("lot adjustments", err)
	}
	var adjs []Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			rows.Close()
			return nil, nil, persistence("lot adjustments", err)
		}
		adjs = append(adjs, adj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, persistence("lot adjustments", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT `+administrationColumns+` FROM administrations d
		WHERE d.lot_id = $1 ORDER BY d.seq`, lotID)
	if err != nil {
		return nil, nil, persistence("lot administrations", err)
	}
	defer rows.Close()
	var adms []Administration
	for rows.Next() {
		adm, err := scanAdministration(rows)
		if err != nil {
			return nil, nil, persistence("lot administrations", err)
		}
		adms = append(adms, adm)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, persistence("lot administrations", err)
	}
	return adjs, adms, nil
}

// LocationsWithExpiredStock lists locations holding stock that expired on or
// before today.
func (r *Repository) LocationsWithExpiredStock(ctx context.Context, today time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT location_id FROM lots
		WHERE expiration_date <= $1 AND quantity_remaining > 0 ORDER BY location_id`, today)
	if err != nil {
		return nil, persistence("expired locations", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, persistence("expired locations", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("expired locations", err)
	}
	return ids, nil
}

// OpenedLotsPastDiscard lists opened vials past their discard time that still
// carry stock.
func (r *Repository) OpenedLotsPastDiscard(ctx context.Context, now time.Time) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM lots
		WHERE discard_after IS NOT NULL AND discard_after < $1 AND quantity_remaining > 0
		ORDER BY discard_after ASC, id ASC`, now)
	if err != nil {
		return nil, persistence("discardable lots", err)
	}
	return collectLots(rows, "discardable lots")
}

func (t *txRepo) GetLotForUpdate(ctx context.Context, id int64) (Lot, error) {
	return getLot(ctx, t.tx, id, true)
}

func (t *txRepo) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	created, err := scanLot(t.tx.QueryRow(ctx, `INSERT INTO lots (vaccine_id, location_id, lot_number, expiration_date, ndc,
		funding_source, quantity_received, quantity_remaining, source_lot_id, notes, received_by, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, 0), $12)
		RETURNING `+lotColumns,
		lot.VaccineID, lot.LocationID, lot.LotNumber, lot.Expiration, lot.NDC, string(lot.FundingSource),
		lot.QuantityReceived, lot.QuantityRemaining, lot.SourceLotID, lot.Notes, lot.ReceivedBy, lot.ReceivedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			switch pgErr.ConstraintName {
			case "lots_vaccine_id_fkey":
				return Lot{}, &NotFoundError{Entity: "vaccine", ID: lot.VaccineID}
			default:
				return Lot{}, &NotFoundError{Entity: "location", ID: lot.LocationID}
			}
		}
		return Lot{}, persistence("insert lot", err)
	}
	return created, nil
}

func (t *txRepo) DecrementLot(ctx context.Context, id int64, n int) (Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `UPDATE lots SET quantity_remaining = quantity_remaining - $2
		WHERE id = $1 AND quantity_remaining >= $2 RETURNING `+lotColumns, id, n))
	if errors.Is(err, pgx.ErrNoRows) {
		var remaining int
		err := t.tx.QueryRow(ctx, `SELECT quantity_remaining FROM lots WHERE id = $1`, id).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, &NotFoundError{Entity: "lot", ID: id}
		}
		if err != nil {
			return Lot{}, persistence("decrement lot", err)
		}
		return Lot{}, &InsufficientStockError{LotID: id, Requested: n, Remaining: remaining}
	}
	if err != nil {
		return Lot{}, persistence("decrement lot", err)
	}
	return lot, nil
}

func (t *txRepo) IncrementLot(ctx context.Context, id int64, n int) (Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `UPDATE lots SET quantity_remaining = quantity_remaining + $2
		WHERE id = $1 RETURNING `+lotColumns, id, n))
	return lotOrNotFound(lot, err, id, "increment lot")
}

func (t *txRepo) SetLotQuantity(ctx context.Context, id int64, n int) (Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `UPDATE lots SET quantity_remaining = $2
		WHERE id = $1 RETURNING `+lotColumns, id, n))
	return lotOrNotFound(lot, err, id, "set lot quantity")
}

func (t *txRepo) QuarantineLot(ctx context.Context, id int64) (Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `UPDATE lots SET is_quarantined = TRUE
		WHERE id = $1 RETURNING `+lotColumns, id))
	return lotOrNotFound(lot, err, id, "quarantine lot")
}

func (t *txRepo) MarkLotOpened(ctx context.Context, id int64, openedAt time.Time, discardAfter *time.Time) (Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `UPDATE lots SET opened_at = $2, discard_after = $3
		WHERE id = $1 AND opened_at IS NULL RETURNING `+lotColumns, id, openedAt, discardAfter))
	if errors.Is(err, pgx.ErrNoRows) {
		return getLot(ctx, t.tx, id, false)
	}
	if err != nil {
		return Lot{}, persistence("mark lot opened", err)
	}
	return lot, nil
}

func (t *txRepo) InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO adjustments (lot_id, adjustment_type, quantity, reason, actor_id,
		related_location_id, transfer_id, adjusted_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, '')::uuid, $8)
		RETURNING id, seq`,
		adj.LotID, string(adj.Type), adj.Quantity, adj.Reason, adj.ActorID, adj.RelatedLocationID, adj.TransferID, adj.At).
		Scan(&adj.ID, &adj.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "adjustments_related_location_id_fkey" && adj.RelatedLocationID != nil {
			return Adjustment{}, &NotFoundError{Entity: "location", ID: *adj.RelatedLocationID}
		}
		return Adjustment{}, persistence("insert adjustment", err)
	}
	return adj, nil
}

func (t *txRepo) InsertAdministration(ctx context.Context, adm Administration) (Administration, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO administrations (lot_id, location_id, actor_id, funding_source, quantity,
		notes, administered_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING id, seq`,
		adm.LotID, adm.LocationID, adm.ActorID, string(adm.FundingSource), adm.Quantity, adm.Notes, adm.At).
		Scan(&adm.ID, &adm.Seq)
	if err != nil {
		return Administration{}, persistence("insert administration", err)
	}
	return adm, nil
}

func (t *txRepo) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	return listLots(ctx, t.tx, filter)
}

func (t *txRepo) LotsByNumberForUpdate(ctx context.Context, lotNumber string) ([]Lot, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+lotColumns+` FROM lots WHERE lot_number = $1 ORDER BY id FOR UPDATE`, lotNumber)
	if err != nil {
		return nil, persistence("lots by number", err)
	}
	return collectLots(rows, "lots by number")
}

func (t *txRepo) ExpiredLotsForUpdate(ctx context.Context, locationID int64, today time.Time) ([]Lot, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+lotColumns+` FROM lots
		WHERE location_id = $1 AND expiration_date <= $2 AND quantity_remaining > 0
		ORDER BY expiration_date, id FOR UPDATE`, locationID, today)
	if err != nil {
		return nil, persistence("expired lots", err)
	}
	return collectLots(rows, "expired lots")
}

const (
	defaultListLimit = 200
	maxListLimit     = 10000
)

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
