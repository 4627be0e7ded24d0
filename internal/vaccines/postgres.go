package vaccines

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the vaccines table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs the directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

const vaccineColumns = `id, name, short_name, COALESCE(cvx_code, ''), COALESCE(cpt_code, ''),
	COALESCE(manufacturer, ''), COALESCE(ndc_pattern, ''), doses_per_vial, beyond_use_days, is_active`

func scanVaccine(row pgx.Row) (Vaccine, error) {
	var v Vaccine
	var bud *int32
	if err := row.Scan(&v.ID, &v.Name, &v.ShortName, &v.CVXCode, &v.CPTCode,
		&v.Manufacturer, &v.NDCPattern, &v.DosesPerVial, &bud, &v.Active); err != nil {
		return Vaccine{}, err
	}
	if bud != nil {
		d := int(*bud)
		v.BeyondUseDays = &d
	}
	return v, nil
}

// Get returns one vaccine.
func (d *PostgresDirectory) Get(ctx context.Context, id int64) (Vaccine, error) {
	v, err := scanVaccine(d.pool.QueryRow(ctx, `SELECT `+vaccineColumns+` FROM vaccines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vaccine{}, ErrNotFound
	}
	return v, err
}

// List returns every vaccine ordered by short name.
func (d *PostgresDirectory) List(ctx context.Context) ([]Vaccine, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+vaccineColumns+` FROM vaccines ORDER BY short_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vaccine
	for rows.Next() {
		v, err := scanVaccine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
