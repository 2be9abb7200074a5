package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/platform/db"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// mapError translates datastore errors the callers act on.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected:
			return fmt.Errorf("%w: %s", ErrConcurrentUpdate, pgErr.Message)
		}
	}
	return err
}

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin opens a read-committed transaction for capture and maintenance writes.
func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	tx, err := db.Begin(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	return &txRepository{tx: tx}, nil
}

// BeginSnapshot opens a read-only transaction on one snapshot, used by
// reconciliation so counts and sums agree with each other.
func (r *Repository) BeginSnapshot(ctx context.Context) (Tx, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	tx, err := db.BeginSnapshot(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	return &txRepository{tx: tx}, nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Commit(ctx context.Context) error {
	if err := r.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("ledger: commit: %w", mapError(err))
	}
	return nil
}

func (r *txRepository) Rollback(ctx context.Context) error {
	if err := r.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger: rollback: %w", err)
	}
	return nil
}

const batchColumns = `company_id, ledger, routine, curdt, multi, bank_account, quantity, value, closed, opened_by, opened_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b     Batch
		curdt int
	)
	err := row.Scan(&b.Key.Company, &b.Key.Ledger, &b.Key.Routine, &curdt, &b.Multi, &b.BankAccount,
		&b.Quantity, &b.Value, &b.Closed, &b.OpenedBy, &b.OpenedAt)
	b.Key.Curdt = periods.Curdt(curdt)
	return b, err
}

func (r *txRepository) GetBatch(ctx context.Context, key BatchKey) (Batch, error) {
	return r.selectBatch(ctx, key, "")
}

func (r *txRepository) LockBatch(ctx context.Context, key BatchKey) (Batch, error) {
	return r.selectBatch(ctx, key, " FOR UPDATE")
}

func (r *txRepository) selectBatch(ctx context.Context, key BatchKey, suffix string) (Batch, error) {
	b, err := scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches
WHERE company_id=$1 AND ledger=$2 AND routine=$3 AND curdt=$4`+suffix, key.Company, key.Ledger, key.Routine, int(key.Curdt)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, mapError(err)
	}
	return b, nil
}

// AddToBatch holds the batch row lock from here until the transaction ends.
func (r *txRepository) AddToBatch(ctx context.Context, b Batch, quantity int, value decimal.Decimal) (Batch, error) {
	stored, err := scanBatch(r.tx.QueryRow(ctx, `INSERT INTO batches AS b (`+batchColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9,$10)
ON CONFLICT (company_id, ledger, routine, curdt) DO UPDATE
SET quantity = b.quantity + EXCLUDED.quantity, value = b.value + EXCLUDED.value
WHERE NOT b.closed
RETURNING `+batchColumns,
		b.Key.Company, b.Key.Ledger, b.Key.Routine, int(b.Key.Curdt), b.Multi, b.BankAccount,
		quantity, value, b.OpenedBy, b.OpenedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, fmt.Errorf("%w: %s", ErrBatchClosed, b.Key)
		}
		return Batch{}, mapError(err)
	}
	return stored, nil
}

func (r *txRepository) SaveBatch(ctx context.Context, b Batch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET quantity=$5, value=$6, closed=$7, bank_account=$8
WHERE company_id=$1 AND ledger=$2 AND routine=$3 AND curdt=$4`,
		b.Key.Company, b.Key.Ledger, b.Key.Routine, int(b.Key.Curdt), b.Quantity, b.Value, b.Closed, b.BankAccount)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepository) ListOpenBatches(ctx context.Context) ([]BatchKey, error) {
	rows, err := r.tx.Query(ctx, `SELECT company_id, ledger, routine, curdt FROM batches WHERE NOT closed ORDER BY company_id, ledger, routine, curdt`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []BatchKey
	for rows.Next() {
		var (
			k     BatchKey
			curdt int
		)
		if err := rows.Scan(&k.Company, &k.Ledger, &k.Routine, &curdt); err != nil {
			return nil, err
		}
		k.Curdt = periods.Curdt(curdt)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *txRepository) BatchActivity(ctx context.Context, key BatchKey) (Activity, error) {
	act := Activity{GLBalance: map[int64]decimal.Decimal{}}
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(amount),0) FROM ledger_transactions
WHERE company_id=$1 AND ledger=$2 AND routine=$3 AND batch_curdt=$4`, key.Company, key.Ledger, key.Routine, int(key.Curdt)).
		Scan(&act.Count, &act.Value)
	if err != nil {
		return Activity{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT company_id, COALESCE(SUM(amount),0) FROM gl_entries WHERE batch_ref=$1 GROUP BY company_id`, key.String())
	if err != nil {
		return Activity{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			company int64
			sum     decimal.Decimal
		)
		if err := rows.Scan(&company, &sum); err != nil {
			return Activity{}, err
		}
		act.GLBalance[company] = sum
	}
	return act, rows.Err()
}

func (r *txRepository) GetAccount(ctx context.Context, company int64, ledger Ledger, code string) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT company_id, ledger, code, name, active FROM ledger_accounts
WHERE company_id=$1 AND ledger=$2 AND code=$3`, company, ledger, code).
		Scan(&a.Company, &a.Ledger, &a.Code, &a.Name, &a.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) ReferenceExists(ctx context.Context, company int64, ledger Ledger, routine Routine, ref string) (bool, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transactions
WHERE company_id=$1 AND ledger=$2 AND routine=$3 AND reference=$4`, company, ledger, routine, ref).Scan(&n)
	return n > 0, err
}

func (r *txRepository) NextReferenceNumber(ctx context.Context, company int64, ledger Ledger, routine Routine) (int64, error) {
	var max int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(CAST(SUBSTRING(reference FROM 4) AS BIGINT)),0)
FROM ledger_transactions WHERE company_id=$1 AND ledger=$2 AND routine=$3 AND reference ~ ('^' || $3 || '[0-9]+$')`,
		company, ledger, string(routine)).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	// savepoint so a reference clash does not abort the enclosing transaction
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return Transaction{}, err
	}
	err = sp.QueryRow(ctx, `INSERT INTO ledger_transactions (company_id, ledger, account, routine, reference,
batch_curdt, date, curdt, amount, tax, detail, tax_code, gl_account, other_company, alloc_status, captured_by, captured_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17) RETURNING seq`,
		t.Company, t.Ledger, t.Account, t.Routine, t.Reference, int(t.Batch.Curdt), t.Date, int(t.Curdt),
		t.Amount, t.Tax, t.Detail, t.TaxCode, t.GLAccount, t.OtherCompany, t.AllocStatus, t.CapturedBy, t.CapturedAt).
		Scan(&t.Seq)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Transaction{}, ErrDuplicateReference
		}
		return Transaction{}, mapError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (r *txRepository) InsertGLEntries(ctx context.Context, entries []GLEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO gl_entries (company_id, account_id, curdt, date, movement, reference, batch_ref, amount, tax, detail, tax_code, recon)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.Company, e.Account, int(e.Curdt), e.Date, e.Movement, e.Reference, e.Batch, e.Amount, e.Tax, e.Detail, e.TaxCode, e.Recon)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *txRepository) InsertVATEntry(ctx context.Context, e VATEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO vat_entries (company_id, tax_code, curdt, source, movement, batch_ref, reference, date, account, detail, exclusive, tax, recon)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.Company, e.TaxCode, int(e.Curdt), e.Source, e.Movement, e.Batch, e.Reference, e.Date, e.Account, e.Detail, e.Exclusive, e.Tax, e.Recon)
	return err
}

const itemSelect = `SELECT t.seq, t.company_id, t.ledger, t.account, t.routine, t.reference, t.batch_curdt, t.date, t.curdt,
t.amount, t.tax, t.detail, t.tax_code, t.gl_account, t.other_company, t.alloc_status, t.captured_by, t.captured_at,
COALESCE((SELECT SUM(a.amount) FROM allocations a WHERE a.source_seq=t.seq OR a.target_seq=t.seq),0)
FROM ledger_transactions t`

func scanItem(row pgx.Row) (Item, error) {
	var (
		it                Item
		batchCurdt, curdt int
	)
	err := row.Scan(&it.Seq, &it.Company, &it.Ledger, &it.Account, &it.Routine, &it.Reference, &batchCurdt, &it.Date, &curdt,
		&it.Amount, &it.Tax, &it.Detail, &it.TaxCode, &it.GLAccount, &it.OtherCompany, &it.AllocStatus, &it.CapturedBy, &it.CapturedAt,
		&it.Allocated)
	if err != nil {
		return Item{}, err
	}
	it.Curdt = periods.Curdt(curdt)
	it.Batch = BatchKey{Company: it.Company, Ledger: it.Ledger, Routine: it.Routine, Curdt: periods.Curdt(batchCurdt)}
	return it, nil
}

func (r *txRepository) OpenItems(ctx context.Context, company int64, ledger Ledger, account string, includeSettled bool) ([]Item, error) {
	rows, err := r.tx.Query(ctx, itemSelect+`
WHERE t.company_id=$1 AND t.ledger=$2 AND t.account=$3 AND ($4 OR t.alloc_status <> 'S')
ORDER BY t.date, t.seq`, company, ledger, account, includeSettled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *txRepository) GetItem(ctx context.Context, company int64, ledger Ledger, seq int64) (Item, error) {
	it, err := scanItem(r.tx.QueryRow(ctx, itemSelect+` WHERE t.company_id=$1 AND t.ledger=$2 AND t.seq=$3`, company, ledger, seq))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrTransactionNotFound
		}
		return Item{}, err
	}
	return it, nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO allocations (company_id, ledger, account, source_seq, target_seq, amount, date, curdt, captured_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.Company, a.Ledger, a.Account, a.SourceSeq, a.TargetSeq, a.Amount, a.Date, int(a.Curdt), a.CapturedBy)
	return err
}

func (r *txRepository) SetAllocStatus(ctx context.Context, company int64, ledger Ledger, seq int64, status AllocStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_transactions SET alloc_status=$4 WHERE company_id=$1 AND ledger=$2 AND seq=$3`,
		company, ledger, seq, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
