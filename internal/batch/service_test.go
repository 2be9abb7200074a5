package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/subledger/internal/money"
)

func newService(store ledger.Store) *Service {
	svc := NewService(ledgertest.FinancialYear(), store, nil)
	svc.WithClock(func() time.Time { return time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC) })
	return svc
}

func receiptKey() ledger.BatchKey {
	return ledger.BatchKey{Company: ledgertest.HeadOffice, Ledger: ledger.Debtors, Routine: ledger.Receipt, Curdt: 202506}
}

func TestOpenIsIdempotent(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()

	err := ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		b, err := svc.Open(ctx, tx, receiptKey(), OpenOptions{BankAccount: 8400, OpenedBy: "clerk"})
		require.NoError(t, err)
		return Accumulate(ctx, tx, &b, money.MustParse("-250.00"))
	})
	require.NoError(t, err)

	err = ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		b, err := svc.Open(ctx, tx, receiptKey(), OpenOptions{BankAccount: 1, OpenedBy: "other"})
		require.NoError(t, err)
		require.Equal(t, 1, b.Quantity)
		require.Equal(t, "-250.00", money.Format(b.Value))
		require.Equal(t, int64(8400), b.BankAccount)
		require.Equal(t, "clerk", b.OpenedBy)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenRejectsPeriodsOutsideYear(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	key := receiptKey()
	key.Curdt = 202502
	_, err = svc.Open(ctx, tx, key, OpenOptions{})
	require.True(t, errors.Is(err, ErrPeriodOutsideYear))

	key.Curdt = 202507
	_, err = svc.Open(ctx, tx, key, OpenOptions{})
	require.True(t, errors.Is(err, ErrFuturePeriod))

	key.Curdt = 202513
	_, err = svc.Open(ctx, tx, key, OpenOptions{})
	require.True(t, errors.Is(err, ErrInvalidKey))
}

func TestAccumulateAndReverseConserveTotals(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	b, err := svc.Open(ctx, tx, receiptKey(), OpenOptions{})
	require.NoError(t, err)
	amounts := []decimal.Decimal{money.MustParse("-100.10"), money.MustParse("-0.20"), money.MustParse("-50.00")}
	for _, a := range amounts {
		require.NoError(t, Accumulate(ctx, tx, &b, a))
	}
	require.Equal(t, 3, b.Quantity)
	require.Equal(t, "-150.30", money.Format(b.Value))

	Reverse(&b, amounts[1])
	require.Equal(t, 2, b.Quantity)
	require.Equal(t, "-150.10", money.Format(b.Value))

	persisted, err := tx.GetBatch(ctx, receiptKey())
	require.NoError(t, err)
	require.Equal(t, 3, persisted.Quantity)
	require.NoError(t, tx.Rollback(ctx))
}

func TestCloseRequiresReconciledBatch(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()

	key := receiptKey()
	require.NoError(t, ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		b, err := svc.Open(ctx, tx, key, OpenOptions{})
		if err != nil {
			return err
		}
		amount := money.MustParse("-80.00")
		if _, err := tx.InsertTransaction(ctx, ledger.Transaction{Company: key.Company, Ledger: key.Ledger, Routine: key.Routine,
			Reference: "R1", Batch: key, Amount: amount}); err != nil {
			return err
		}
		if err := tx.InsertGLEntries(ctx, []ledger.GLEntry{
			{Company: key.Company, Account: 7000, Batch: key.String(), Amount: amount},
			{Company: key.Company, Account: 8400, Batch: key.String(), Amount: amount.Neg()},
		}); err != nil {
			return err
		}
		return Accumulate(ctx, tx, &b, amount)
	}))

	rep, err := svc.Reconcile(ctx, key)
	require.NoError(t, err)
	require.True(t, rep.Balanced(), rep.Issues)

	// a stray GL row puts the batch out of balance
	require.NoError(t, ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertGLEntries(ctx, []ledger.GLEntry{{Company: key.Company, Account: 1, Batch: key.String(), Amount: money.MustParse("1.00")}})
	}))
	reports, err := svc.ReconcileOpen(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.False(t, reports[0].Balanced())

	_, err = svc.Close(ctx, key)
	require.True(t, errors.Is(err, ErrUnreconciled))

	require.NoError(t, ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertGLEntries(ctx, []ledger.GLEntry{{Company: key.Company, Account: 1, Batch: key.String(), Amount: money.MustParse("-1.00")}})
	}))
	_, err = svc.Close(ctx, key)
	require.NoError(t, err)

	err = ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		_, err := svc.Open(ctx, tx, key, OpenOptions{})
		return err
	})
	require.True(t, errors.Is(err, ErrBatchClosed))
}

func TestOpenWritesNothingUntilAccumulate(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()

	require.NoError(t, ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		b, err := svc.Open(ctx, tx, receiptKey(), OpenOptions{OpenedBy: "clerk"})
		require.NoError(t, err)
		require.Zero(t, b.Quantity)
		require.Equal(t, "clerk", b.OpenedBy)
		return nil
	}))
	require.Empty(t, store.Snapshot().Batches)
}

func TestConcurrentCapturesAccumulateIntoOneBatch(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()

	first, err := store.Begin(ctx)
	require.NoError(t, err)
	second, err := store.Begin(ctx)
	require.NoError(t, err)
	a, err := svc.Open(ctx, first, receiptKey(), OpenOptions{OpenedBy: "a"})
	require.NoError(t, err)
	b, err := svc.Open(ctx, second, receiptKey(), OpenOptions{OpenedBy: "b"})
	require.NoError(t, err)

	require.NoError(t, Accumulate(ctx, first, &a, money.MustParse("-40.00")))
	require.NoError(t, first.Commit(ctx))
	require.NoError(t, Accumulate(ctx, second, &b, money.MustParse("-2.50")))
	require.Equal(t, 2, b.Quantity)
	require.Equal(t, "-42.50", money.Format(b.Value))
	require.NoError(t, second.Commit(ctx))

	stored := store.Snapshot().Batches[receiptKey()]
	require.Equal(t, 2, stored.Quantity)
	require.Equal(t, "-42.50", money.Format(stored.Value))
}

func TestAccumulateIntoBatchClosedMeanwhileFails(t *testing.T) {
	store := ledgertest.NewStore()
	svc := newService(store)
	ctx := context.Background()
	key := receiptKey()
	require.NoError(t, ledger.WithTx(ctx, store, func(ctx context.Context, tx ledger.Tx) error {
		b, err := svc.Open(ctx, tx, key, OpenOptions{})
		if err != nil {
			return err
		}
		amount := money.MustParse("-30.00")
		if _, err := tx.InsertTransaction(ctx, ledger.Transaction{Company: key.Company, Ledger: key.Ledger, Routine: key.Routine,
			Reference: "R1", Batch: key, Amount: amount}); err != nil {
			return err
		}
		return Accumulate(ctx, tx, &b, amount)
	}))

	late, err := store.Begin(ctx)
	require.NoError(t, err)
	b, err := svc.Open(ctx, late, key, OpenOptions{})
	require.NoError(t, err)

	_, err = svc.Close(ctx, key)
	require.NoError(t, err)
	require.ErrorIs(t, Accumulate(ctx, late, &b, money.MustParse("-1.00")), ErrBatchClosed)
	require.NoError(t, late.Rollback(ctx))
	require.Equal(t, 1, store.Snapshot().Batches[key].Quantity)
}
