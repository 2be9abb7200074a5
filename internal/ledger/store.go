package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBatchNotFound indicates the batch has not been opened.
	ErrBatchNotFound = errors.New("ledger: batch not found")
	// ErrAccountNotFound indicates an unknown subledger account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrTransactionNotFound indicates an unknown transaction sequence.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrDuplicateReference indicates the reference is already used by the
	// same company, ledger and routine.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
	// ErrTxDone indicates use of a committed or rolled back transaction.
	ErrTxDone = errors.New("ledger: transaction already finished")
	// ErrBatchClosed indicates a write to a batch closed by reconciliation.
	ErrBatchClosed = errors.New("ledger: batch closed")
	// ErrConcurrentUpdate indicates the datastore aborted the transaction
	// because of a concurrent write (serialization failure or deadlock).
	// Retrying the whole transaction may succeed.
	ErrConcurrentUpdate = errors.New("ledger: concurrent update")
)

// Store starts datastore transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// SnapshotStore is implemented by stores that can open a read-only
// transaction over one consistent snapshot. Readers fall back to Begin.
type SnapshotStore interface {
	BeginSnapshot(ctx context.Context) (Tx, error)
}

// BeginRead opens a transaction for reading only, on a consistent snapshot
// when the store supports it. The caller always rolls it back.
func BeginRead(ctx context.Context, store Store) (Tx, error) {
	if store == nil {
		return nil, errors.New("ledger store not initialised")
	}
	if s, ok := store.(SnapshotStore); ok {
		return s.BeginSnapshot(ctx)
	}
	return store.Begin(ctx)
}

// Tx is one datastore transaction. Nothing written through it is visible to
// other callers until Commit.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// GetBatch reads the batch without locking it.
	GetBatch(ctx context.Context, key BatchKey) (Batch, error)
	// LockBatch reads the batch and holds its row lock until the
	// transaction ends.
	LockBatch(ctx context.Context, key BatchKey) (Batch, error)
	// AddToBatch atomically adds quantity and value to the stored totals,
	// creating the batch from b when absent, and returns the stored row.
	// A closed batch returns ErrBatchClosed.
	AddToBatch(ctx context.Context, b Batch, quantity int, value decimal.Decimal) (Batch, error)
	SaveBatch(ctx context.Context, b Batch) error
	ListOpenBatches(ctx context.Context) ([]BatchKey, error)
	BatchActivity(ctx context.Context, key BatchKey) (Activity, error)

	GetAccount(ctx context.Context, company int64, ledger Ledger, code string) (Account, error)
	ReferenceExists(ctx context.Context, company int64, ledger Ledger, routine Routine, ref string) (bool, error)
	// NextReferenceNumber returns one more than the highest generated
	// reference number visible to the transaction.
	NextReferenceNumber(ctx context.Context, company int64, ledger Ledger, routine Routine) (int64, error)

	// InsertTransaction assigns Seq. A reference clash returns
	// ErrDuplicateReference and leaves the transaction usable.
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	InsertGLEntries(ctx context.Context, entries []GLEntry) error
	InsertVATEntry(ctx context.Context, e VATEntry) error

	OpenItems(ctx context.Context, company int64, ledger Ledger, account string, includeSettled bool) ([]Item, error)
	GetItem(ctx context.Context, company int64, ledger Ledger, seq int64) (Item, error)
	InsertAllocation(ctx context.Context, a Allocation) error
	SetAllocStatus(ctx context.Context, company int64, ledger Ledger, seq int64, status AllocStatus) error
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, store Store, fn func(context.Context, Tx) error) error {
	if store == nil {
		return errors.New("ledger store not initialised")
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
