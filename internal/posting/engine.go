// Package posting turns one captured business transaction into a subledger
// row, its VAT control entry and a balanced set of general ledger rows.
package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/vat"
)

var (
	// ErrNoRule indicates the routine is not available on the ledger.
	ErrNoRule = errors.New("posting: routine not supported by ledger")
	// ErrZeroAmount indicates a zero movement amount.
	ErrZeroAmount = errors.New("posting: amount must be non-zero")
	// ErrTaxNotAllowed indicates tax on a routine that carries none.
	ErrTaxNotAllowed = errors.New("posting: routine does not carry tax")
	// ErrTaxCodeRequired indicates a tax amount without a tax code.
	ErrTaxCodeRequired = errors.New("posting: tax code required")
	// ErrTaxExceedsAmount indicates |tax| > |amount| after sign correction.
	ErrTaxExceedsAmount = errors.New("posting: tax exceeds amount")
	// ErrMissingAccount indicates a required control account is not configured.
	ErrMissingAccount = errors.New("posting: required account not configured")
	// ErrNoDefaultGL indicates the routine has no default GL account and
	// none was entered. It wraps ErrMissingAccount.
	ErrNoDefaultGL = errors.New("posting: no default GL account")
	// ErrIntercompany indicates an invalid intercompany request.
	ErrIntercompany = errors.New("posting: invalid intercompany posting")
	// ErrReferenceExhausted indicates every generated reference attempt clashed.
	ErrReferenceExhausted = errors.New("posting: could not allocate a unique reference")
)

const maxReferenceAttempts = 5

// Input is one transaction ready to post.
type Input struct {
	Batch        ledger.Batch
	Account      string
	Date         time.Time
	Reference    string
	Amount       decimal.Decimal
	Tax          decimal.Decimal
	TaxCode      string
	Detail       string
	GLAccount    int64
	OtherCompany int64
	CapturedBy   string
}

// Plan holds every row a posting will write.
type Plan struct {
	Rule        Rule
	Transaction ledger.Transaction
	GL          []ledger.GLEntry
	VAT         *ledger.VATEntry
}

// Exclusive is the tax-exclusive movement amount.
func (p Plan) Exclusive() decimal.Decimal {
	return money.Sub(p.Transaction.Amount, p.Transaction.Tax)
}

// Engine posts transactions.
type Engine struct {
	controls control.Lookup
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine constructs Engine.
func NewEngine(controls control.Lookup, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{controls: controls, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the capture timestamp source.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

func (e *Engine) account(ctx context.Context, company int64, key string) (int64, error) {
	acc, err := e.controls.Account(ctx, company, key)
	if err != nil {
		if errors.Is(err, control.ErrNotFound) {
			return 0, fmt.Errorf("%w: company %d %s: %w", ErrMissingAccount, company, key, err)
		}
		return 0, err
	}
	return acc, nil
}

// CheckAccounts verifies the control records a batch needs before any capture
// starts: the ledger control account and the contra account of the routine.
func (e *Engine) CheckAccounts(ctx context.Context, b ledger.Batch) error {
	rule, err := LookupRule(b.Key.Ledger, b.Key.Routine)
	if err != nil {
		return err
	}
	settings, err := e.controls.Settings(ctx, b.Key.Company)
	if err != nil {
		return err
	}
	if !settings.GLIntegrated {
		return nil
	}
	company := b.Key.Company
	if _, err := e.account(ctx, company, control.ControlKey(string(b.Key.Ledger))); err != nil {
		return err
	}
	switch rule.Contra {
	case ContraBank:
		if b.BankAccount == 0 {
			if _, err := e.account(ctx, company, control.KeyBank); err != nil {
				return err
			}
		}
	case ContraDiscount:
		if _, err := e.account(ctx, company, control.KeyDiscount); err != nil {
			return err
		}
	case ContraAllocation:
		if rule.AllowTax {
			if _, err := e.account(ctx, company, control.KeyVATControl); err != nil {
				return err
			}
		}
	}
	return nil
}

// Prepare validates in and computes every row without writing. All accounts
// are resolved here, so configuration errors surface before any write.
func (e *Engine) Prepare(ctx context.Context, in Input) (Plan, error) {
	key := in.Batch.Key
	rule, err := LookupRule(key.Ledger, key.Routine)
	if err != nil {
		return Plan{}, err
	}
	amount := money.Round(rule.Amount(in.Amount))
	if amount.IsZero() {
		return Plan{}, ErrZeroAmount
	}
	taxCode := vat.NormalizeCode(in.TaxCode)
	tax := money.Round(in.Tax)
	if !tax.IsZero() {
		if !rule.AllowTax {
			return Plan{}, ErrTaxNotAllowed
		}
		if taxCode == "" {
			return Plan{}, ErrTaxCodeRequired
		}
		tax = vat.AlignSign(tax, amount)
		if tax.Abs().GreaterThan(amount.Abs()) {
			return Plan{}, fmt.Errorf("%w: %s > %s", ErrTaxExceedsAmount, money.Format(tax.Abs()), money.Format(amount.Abs()))
		}
	}
	exclusive := money.Sub(amount, tax)
	curdt := periods.CurdtOf(in.Date)

	settings, err := e.controls.Settings(ctx, key.Company)
	if err != nil {
		return Plan{}, err
	}
	if in.OtherCompany != 0 {
		switch {
		case in.OtherCompany == key.Company:
			return Plan{}, fmt.Errorf("%w: other company equals posting company", ErrIntercompany)
		case rule.Contra != ContraAllocation:
			return Plan{}, fmt.Errorf("%w: %s routine has no allocation account", ErrIntercompany, rule.Movement())
		case !settings.GLIntegrated:
			return Plan{}, fmt.Errorf("%w: company %d is not GL integrated", ErrIntercompany, key.Company)
		}
		if _, err := e.controls.Settings(ctx, in.OtherCompany); err != nil {
			return Plan{}, fmt.Errorf("%w: %w", ErrIntercompany, err)
		}
	}

	plan := Plan{
		Rule: rule,
		Transaction: ledger.Transaction{
			Company:      key.Company,
			Ledger:       key.Ledger,
			Account:      in.Account,
			Routine:      key.Routine,
			Reference:    strings.TrimSpace(in.Reference),
			Batch:        key,
			Date:         in.Date,
			Curdt:        curdt,
			Amount:       amount,
			Tax:          tax,
			Detail:       in.Detail,
			TaxCode:      taxCode,
			GLAccount:    in.GLAccount,
			OtherCompany: in.OtherCompany,
			AllocStatus:  ledger.AllocOpen,
			CapturedBy:   in.CapturedBy,
			CapturedAt:   e.clock(),
		},
	}
	if !tax.IsZero() {
		plan.VAT = &ledger.VATEntry{
			Company:   key.Company,
			TaxCode:   taxCode,
			Curdt:     curdt,
			Source:    key.Ledger,
			Movement:  rule.Movement(),
			Batch:     key.String(),
			Date:      in.Date,
			Account:   in.Account,
			Detail:    in.Detail,
			Exclusive: exclusive.Neg(),
			Tax:       tax.Neg(),
		}
	}
	if !settings.GLIntegrated {
		return plan, nil
	}

	row := func(company, account int64, amt, tx decimal.Decimal) ledger.GLEntry {
		return ledger.GLEntry{
			Company:  company,
			Account:  account,
			Curdt:    curdt,
			Date:     in.Date,
			Movement: rule.Movement(),
			Batch:    key.String(),
			Amount:   amt,
			Tax:      tx,
			Detail:   in.Detail,
			TaxCode:  taxCode,
		}
	}

	ctl, err := e.account(ctx, key.Company, control.ControlKey(string(key.Ledger)))
	if err != nil {
		return Plan{}, err
	}
	plan.GL = append(plan.GL, row(key.Company, ctl, amount, tax))

	switch rule.Contra {
	case ContraBank:
		bank := in.Batch.BankAccount
		if bank == 0 {
			if bank, err = e.account(ctx, key.Company, control.KeyBank); err != nil {
				return Plan{}, err
			}
		}
		plan.GL = append(plan.GL, row(key.Company, bank, amount.Neg(), decimal.Zero))
	case ContraDiscount:
		disc, err := e.account(ctx, key.Company, control.KeyDiscount)
		if err != nil {
			return Plan{}, err
		}
		plan.GL = append(plan.GL, row(key.Company, disc, amount.Neg(), decimal.Zero))
	case ContraAllocation:
		rows, err := e.allocationRows(ctx, in, rule, exclusive, tax, row)
		if err != nil {
			return Plan{}, err
		}
		plan.GL = append(plan.GL, rows...)
	}
	return plan, nil
}

func (e *Engine) allocationRows(ctx context.Context, in Input, rule Rule, exclusive, tax decimal.Decimal,
	row func(company, account int64, amt, tx decimal.Decimal) ledger.GLEntry) ([]ledger.GLEntry, error) {
	key := in.Batch.Key
	booking := key.Company
	if in.OtherCompany != 0 {
		booking = in.OtherCompany
	}
	glAccount := in.GLAccount
	if glAccount == 0 {
		var err error
		glAccount, err = e.account(ctx, booking, control.DefaultGLKey(string(key.Ledger), string(key.Routine)))
		if errors.Is(err, ErrMissingAccount) {
			return nil, fmt.Errorf("%w: %w", ErrNoDefaultGL, err)
		}
		if err != nil {
			return nil, err
		}
	}
	var rows []ledger.GLEntry
	if in.OtherCompany == 0 {
		rows = append(rows, row(key.Company, glAccount, exclusive.Neg(), decimal.Zero))
	} else {
		home, err := e.account(ctx, key.Company, control.KeyICClearing)
		if err != nil {
			return nil, err
		}
		away, err := e.account(ctx, in.OtherCompany, control.KeyICClearing)
		if err != nil {
			return nil, err
		}
		rows = append(rows,
			row(key.Company, home, exclusive.Neg(), decimal.Zero),
			row(in.OtherCompany, glAccount, exclusive.Neg(), decimal.Zero),
			row(in.OtherCompany, away, exclusive, decimal.Zero),
		)
	}
	if !tax.IsZero() {
		vatCtl, err := e.account(ctx, key.Company, control.KeyVATControl)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row(key.Company, vatCtl, tax.Neg(), tax.Neg()))
	}
	return rows, nil
}

// Post prepares in and writes its rows through tx. A blank reference is
// generated and retried on collision; an entered reference that already
// exists fails with ledger.ErrDuplicateReference.
func (e *Engine) Post(ctx context.Context, tx ledger.Tx, in Input) (Plan, error) {
	plan, err := e.Prepare(ctx, in)
	if err != nil {
		return Plan{}, err
	}
	inserted, err := e.insert(ctx, tx, plan.Transaction)
	if err != nil {
		return Plan{}, err
	}
	plan.Transaction = inserted
	if plan.VAT != nil {
		plan.VAT.Reference = inserted.Reference
		if err := tx.InsertVATEntry(ctx, *plan.VAT); err != nil {
			return Plan{}, fmt.Errorf("posting: vat entry: %w", err)
		}
	}
	for i := range plan.GL {
		plan.GL[i].Reference = inserted.Reference
	}
	if err := tx.InsertGLEntries(ctx, plan.GL); err != nil {
		return Plan{}, fmt.Errorf("posting: gl entries: %w", err)
	}
	e.logger.Debug("transaction posted",
		slog.String("batch", in.Batch.Key.String()),
		slog.String("reference", inserted.Reference),
		slog.String("amount", money.Format(inserted.Amount)),
		slog.Int("gl_rows", len(plan.GL)))
	return plan, nil
}

func (e *Engine) insert(ctx context.Context, tx ledger.Tx, t ledger.Transaction) (ledger.Transaction, error) {
	if t.Reference != "" {
		return tx.InsertTransaction(ctx, t)
	}
	n, err := tx.NextReferenceNumber(ctx, t.Company, t.Ledger, t.Routine)
	if err != nil {
		return ledger.Transaction{}, err
	}
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		t.Reference = ledger.FormatReference(t.Routine, n+int64(attempt))
		inserted, err := tx.InsertTransaction(ctx, t)
		if err == nil {
			return inserted, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateReference) {
			return ledger.Transaction{}, err
		}
		e.logger.Warn("generated reference clashed, retrying", slog.String("reference", t.Reference))
	}
	return ledger.Transaction{}, ErrReferenceExhausted
}
