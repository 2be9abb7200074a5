package vat

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a Repository reading the vat_rates table.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) RatesByCode(ctx context.Context, code string) ([]Rate, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, description, percent, effective_from, effective_to
FROM vat_rates WHERE code=$1 ORDER BY effective_from`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rates []Rate
	for rows.Next() {
		var rate Rate
		if err := rows.Scan(&rate.Code, &rate.Description, &rate.Percent, &rate.EffectiveFrom, &rate.EffectiveTo); err != nil {
			return nil, err
		}
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}
