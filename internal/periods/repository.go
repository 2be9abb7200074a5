package periods

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Active(ctx context.Context, company int64) (Period, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// Active returns the open financial year of company.
func (r *repository) Active(ctx context.Context, company int64) (Period, error) {
	var (
		p       Period
		current int
	)
	err := r.db.QueryRow(ctx, `SELECT company_id, year_start, year_end, current_curdt
FROM financial_periods WHERE company_id=$1 AND status='OPEN' ORDER BY year_start DESC LIMIT 1`, company).
		Scan(&p.Company, &p.YearStart, &p.YearEnd, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	p.Current = Curdt(current)
	return p, nil
}
