package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns a Lookup over the companies and control_records tables.
func NewRepository(db *pgxpool.Pool) Lookup {
	return &repository{db: db}
}

func (r *repository) Settings(ctx context.Context, company int64) (Settings, error) {
	var s Settings
	err := r.db.QueryRow(ctx, `SELECT id, name, gl_integrated FROM companies WHERE id=$1`, company).
		Scan(&s.Company, &s.Name, &s.GLIntegrated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, fmt.Errorf("%w: %d", ErrCompanyNotFound, company)
		}
		return Settings{}, err
	}
	return s, nil
}

// Account resolves the GL account configured for key.
func (r *repository) Account(ctx context.Context, company int64, key string) (int64, error) {
	if key == "" {
		return 0, errors.New("control: key required")
	}
	normalized := strings.ToUpper(key)
	var account int64
	err := r.db.QueryRow(ctx, `SELECT account_id FROM control_records WHERE company_id=$1 AND key=$2`, company, normalized).
		Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: company %d key %s", ErrNotFound, company, normalized)
		}
		return 0, err
	}
	if account == 0 {
		return 0, fmt.Errorf("%w: company %d key %s", ErrNotFound, company, normalized)
	}
	return account, nil
}
