package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
)

// Report compares a batch's running totals with its committed rows.
type Report struct {
	Key       ledger.BatchKey
	Quantity  int
	Value     decimal.Decimal
	Rows      int
	RowValue  decimal.Decimal
	GLBalance map[int64]decimal.Decimal
	Issues    []string
}

// Balanced reports whether the batch reconciles.
func (r Report) Balanced() bool {
	return len(r.Issues) == 0
}

func reconcile(ctx context.Context, tx ledger.Tx, b ledger.Batch) (Report, error) {
	act, err := tx.BatchActivity(ctx, b.Key)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		Key:       b.Key,
		Quantity:  b.Quantity,
		Value:     b.Value,
		Rows:      act.Count,
		RowValue:  act.Value,
		GLBalance: act.GLBalance,
	}
	if b.Quantity != act.Count {
		rep.Issues = append(rep.Issues, fmt.Sprintf("quantity %d, rows %d", b.Quantity, act.Count))
	}
	if !b.Value.Equal(act.Value) {
		rep.Issues = append(rep.Issues, fmt.Sprintf("value %s, rows %s", money.Format(b.Value), money.Format(act.Value)))
	}
	companies := make([]int64, 0, len(act.GLBalance))
	for company := range act.GLBalance {
		companies = append(companies, company)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i] < companies[j] })
	for _, company := range companies {
		if sum := act.GLBalance[company]; !sum.IsZero() {
			rep.Issues = append(rep.Issues, fmt.Sprintf("company %d GL out of balance by %s", company, money.Format(sum)))
		}
	}
	return rep, nil
}

// read runs fn in a read-only snapshot transaction that is always rolled
// back. Nothing is locked, so reconciliation never waits for open captures.
func (s *Service) read(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := ledger.BeginRead(ctx, s.store)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	return fn(tx)
}

// Reconcile checks one batch.
func (s *Service) Reconcile(ctx context.Context, key ledger.BatchKey) (Report, error) {
	var rep Report
	err := s.read(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetBatch(ctx, key)
		if err != nil {
			return err
		}
		rep, err = reconcile(ctx, tx, b)
		return err
	})
	return rep, err
}

// ReconcileOpen checks every open batch.
func (s *Service) ReconcileOpen(ctx context.Context) ([]Report, error) {
	var reports []Report
	err := s.read(ctx, func(tx ledger.Tx) error {
		keys, err := tx.ListOpenBatches(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			b, err := tx.GetBatch(ctx, key)
			if err != nil {
				return err
			}
			rep, err := reconcile(ctx, tx, b)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
		}
		return nil
	})
	return reports, err
}

// Close marks a reconciled batch closed. Closed batches accept no further postings.
func (s *Service) Close(ctx context.Context, key ledger.BatchKey) (Report, error) {
	var rep Report
	err := ledger.WithTx(ctx, s.store, func(ctx context.Context, tx ledger.Tx) error {
		// the lock makes a capture committing into key wait, then fail on the closed flag
		b, err := tx.LockBatch(ctx, key)
		if err != nil {
			return err
		}
		if b.Closed {
			return fmt.Errorf("%w: %s", ErrBatchClosed, key)
		}
		rep, err = reconcile(ctx, tx, b)
		if err != nil {
			return err
		}
		if !rep.Balanced() {
			return fmt.Errorf("%w: %s", ErrUnreconciled, key)
		}
		b.Closed = true
		return tx.SaveBatch(ctx, b)
	})
	if err == nil {
		s.logger.Info("batch closed", slog.String("batch", key.String()), slog.Int("quantity", rep.Quantity))
	}
	return rep, err
}
