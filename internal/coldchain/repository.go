package coldchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository stores readings.
type Repository interface {
	Insert(ctx context.Context, r Reading) (Reading, error)
	List(ctx context.Context, filter Filter) ([]Reading, error)
}

// PostgresRepository keeps readings in temperature_logs.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const readingColumns = `id, location_id, unit_name, reading_f::text, reading_time, logged_by_user_id, out_of_range, COALESCE(notes, '')`

func scanReading(row pgx.Row) (Reading, error) {
	var r Reading
	var raw string
	if err := row.Scan(&r.ID, &r.LocationID, &r.UnitName, &raw, &r.ReadingTime, &r.LoggedBy, &r.OutOfRange, &r.Notes); err != nil {
		return Reading{}, err
	}
	f, err := decimal.NewFromString(raw)
	if err != nil {
		return Reading{}, fmt.Errorf("coldchain: parse reading %q: %w", raw, err)
	}
	r.ReadingF = f
	return r, nil
}

// Insert stores a reading.
func (p *PostgresRepository) Insert(ctx context.Context, r Reading) (Reading, error) {
	row := p.pool.QueryRow(ctx, `INSERT INTO temperature_logs
		(location_id, unit_name, reading_f, reading_time, logged_by_user_id, out_of_range, notes)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, NULLIF($7, ''))
		RETURNING `+readingColumns,
		r.LocationID, r.UnitName, r.ReadingF.String(), r.ReadingTime, r.LoggedBy, r.OutOfRange, r.Notes)
	out, err := scanReading(row)
	if err != nil {
		return Reading{}, fmt.Errorf("coldchain: insert reading: %w", err)
	}
	return out, nil
}

// List returns readings newest first.
func (p *PostgresRepository) List(ctx context.Context, filter Filter) ([]Reading, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.LocationID != 0 {
		add("location_id = $%d", filter.LocationID)
	}
	if !filter.From.IsZero() {
		add("reading_time >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("reading_time <= $%d", filter.To)
	}
	if filter.OutOfRangeOnly {
		where = append(where, "out_of_range")
	}
	sql := `SELECT ` + readingColumns + ` FROM temperature_logs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	sql += fmt.Sprintf(` ORDER BY reading_time DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("coldchain: list readings: %w", err)
	}
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
