// Package batch opens, accumulates and reconciles transaction batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
)

var (
	// ErrInvalidKey indicates an incomplete batch key.
	ErrInvalidKey = errors.New("batch: invalid batch key")
	// ErrPeriodOutsideYear indicates the sub-period is outside the open financial year.
	ErrPeriodOutsideYear = errors.New("batch: period outside financial year")
	// ErrFuturePeriod indicates the sub-period is after the current sub-period.
	ErrFuturePeriod = errors.New("batch: period after current period")
	// ErrBatchClosed indicates the batch was closed by reconciliation.
	ErrBatchClosed = ledger.ErrBatchClosed
	// ErrUnreconciled indicates the batch totals disagree with its rows.
	ErrUnreconciled = errors.New("batch: totals do not reconcile")
)

// OpenOptions configures a batch on first open. Existing batches keep their
// original options.
type OpenOptions struct {
	Multi       bool
	BankAccount int64
	OpenedBy    string
}

// Service implements the batch ledger.
type Service struct {
	periods periods.Repository
	store   ledger.Store
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService constructs Service.
func NewService(periodRepo periods.Repository, store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		periods: periodRepo,
		store:   store,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Open fetches the batch for key. Calling Open for an existing open batch
// returns its persisted totals; a batch not stored yet is returned empty and
// is created by its first Accumulate. Open takes no lock, so any number of
// transactions may capture into one batch.
func (s *Service) Open(ctx context.Context, tx ledger.Tx, key ledger.BatchKey, opts OpenOptions) (ledger.Batch, error) {
	if key.Company <= 0 || key.Ledger == "" || key.Routine == "" || !key.Curdt.Valid() {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	period, err := s.periods.Active(ctx, key.Company)
	if err != nil {
		return ledger.Batch{}, err
	}
	if !period.ContainsCurdt(key.Curdt) {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ErrPeriodOutsideYear, key.Curdt)
	}
	if period.Current.Valid() && key.Curdt > period.Current {
		return ledger.Batch{}, fmt.Errorf("%w: %s > %s", ErrFuturePeriod, key.Curdt, period.Current)
	}

	b, err := tx.GetBatch(ctx, key)
	switch {
	case err == nil:
		if b.Closed {
			return ledger.Batch{}, fmt.Errorf("%w: %s", ErrBatchClosed, key)
		}
		return b, nil
	case errors.Is(err, ledger.ErrBatchNotFound):
	default:
		return ledger.Batch{}, err
	}

	s.logger.Debug("new batch", slog.String("batch", key.String()), slog.Bool("multi", opts.Multi))
	return ledger.Batch{
		Key:         key,
		Multi:       opts.Multi,
		BankAccount: opts.BankAccount,
		Value:       decimal.Zero,
		OpenedBy:    opts.OpenedBy,
		OpenedAt:    s.clock(),
	}, nil
}

// Accumulate persists one movement of amount against b and refreshes b with
// the stored totals, which include movements other transactions committed
// since b was read. The batch row stays locked until tx ends, so callers
// accumulate just before committing.
func Accumulate(ctx context.Context, tx ledger.Tx, b *ledger.Batch, amount decimal.Decimal) error {
	stored, err := tx.AddToBatch(ctx, *b, 1, amount)
	if err != nil {
		return err
	}
	*b = stored
	return nil
}

// Stage adds one movement of amount to the in-memory batch only.
func Stage(b *ledger.Batch, amount decimal.Decimal) {
	b.Quantity++
	b.Value = money.Add(b.Value, amount)
}

// Reverse undoes Stage.
func Reverse(b *ledger.Batch, amount decimal.Decimal) {
	b.Quantity--
	b.Value = money.Sub(b.Value, amount)
}
