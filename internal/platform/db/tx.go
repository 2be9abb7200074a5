package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNoPool = errors.New("platform/db: pool not initialised")

// Begin opens a read-committed transaction. Each statement sees the rows
// committed before it started, so long-lived writers do not fail on rows
// other sessions updated meanwhile. The caller owns the returned transaction
// and must commit or roll it back.
func Begin(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	return begin(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

// BeginSnapshot opens a read-only repeatable-read transaction: every
// statement sees the same snapshot.
func BeginSnapshot(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	return begin(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
}

func begin(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions) (pgx.Tx, error) {
	if pool == nil {
		return nil, errNoPool
	}
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("platform/db: begin tx: %w", err)
	}
	return tx, nil
}
