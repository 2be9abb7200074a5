package posting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/vat"
)

func newEngine(controls control.Lookup) *Engine {
	e := NewEngine(controls, nil)
	e.WithClock(func() time.Time { return time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC) })
	return e
}

func batchFor(l ledger.Ledger, r ledger.Routine) ledger.Batch {
	return ledger.Batch{Key: ledger.BatchKey{Company: ledgertest.HeadOffice, Ledger: l, Routine: r, Curdt: 202506}}
}

func glByCompany(rows []ledger.GLEntry) map[int64]decimal.Decimal {
	out := map[int64]decimal.Decimal{}
	for _, r := range rows {
		out[r.Company] = money.Add(out[r.Company], r.Amount)
	}
	return out
}

func TestRuleTable(t *testing.T) {
	rule, err := LookupRule(ledger.Debtors, ledger.Receipt)
	require.NoError(t, err)
	require.Equal(t, ContraBank, rule.Contra)
	require.True(t, rule.Allocates)
	require.Equal(t, "-10.00", money.Format(rule.Amount(money.MustParse("10"))))

	rule, err = LookupRule(ledger.Creditors, ledger.Invoice)
	require.NoError(t, err)
	require.Equal(t, "-10.00", money.Format(rule.Amount(money.MustParse("10"))))

	rule, err = LookupRule(ledger.Debtors, ledger.Journal)
	require.NoError(t, err)
	require.Equal(t, "-10.00", money.Format(rule.Amount(money.MustParse("-10"))))

	_, err = LookupRule(ledger.Assets, ledger.Discount)
	require.True(t, errors.Is(err, ErrNoRule))
	require.Len(t, Rules(), 24)
}

func TestEveryRuleProducesZeroSumPerCompany(t *testing.T) {
	ctx := context.Background()
	rate := decimal.NewFromInt(15)
	for _, rule := range Rules() {
		for _, entered := range []string{"115.00", "-115.00", "0.01"} {
			taxes := []bool{false}
			if rule.AllowTax {
				taxes = append(taxes, true)
			}
			others := []int64{0}
			if rule.Contra == ContraAllocation {
				others = append(others, ledgertest.Branch)
			}
			for _, withTax := range taxes {
				for _, other := range others {
					for _, glOverride := range []int64{0, 5555} {
						name := fmt.Sprintf("%s/%s/tax=%v/ic=%d/gl=%d", rule.Movement(), entered, withTax, other, glOverride)
						t.Run(name, func(t *testing.T) {
							store := ledgertest.NewStore()
							engine := newEngine(ledgertest.StandardControls())
							tx, err := store.Begin(ctx)
							require.NoError(t, err)

							in := Input{
								Batch:        batchFor(rule.Ledger, rule.Routine),
								Account:      "ACME",
								Date:         ledgertest.Date(2025, time.June, 5),
								Amount:       money.MustParse(entered),
								GLAccount:    glOverride,
								OtherCompany: other,
								CapturedBy:   "clerk",
							}
							if withTax {
								in.TaxCode = "S"
								in.Tax = vat.Tax(in.Amount.Abs(), rate)
							}
							plan, err := engine.Post(ctx, tx, in)
							require.NoError(t, err)
							require.NoError(t, tx.Commit(ctx))

							for company, sum := range glByCompany(plan.GL) {
								require.True(t, sum.IsZero(), "company %d out by %s", company, sum)
							}
							snap := store.Snapshot()
							require.Len(t, snap.Transactions, 1)
							require.Len(t, snap.GL, len(plan.GL))
							posted := snap.Transactions[0]
							require.Equal(t, plan.Transaction.Reference, posted.Reference)
							require.True(t, money.SameSign(posted.Tax, posted.Amount))
							if withTax && !plan.Transaction.Tax.IsZero() {
								require.Len(t, snap.VAT, 1)
								entry := snap.VAT[0]
								require.True(t, money.Add(entry.Exclusive, entry.Tax).Equal(posted.Amount.Neg()))
							} else {
								require.Empty(t, snap.VAT)
							}
							if other != 0 {
								require.Contains(t, glByCompany(plan.GL), other)
							}
						})
					}
				}
			}
		}
	}
}

func TestPostSplitsInvoiceAcrossAccounts(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewStore()
	engine := newEngine(ledgertest.StandardControls())
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	plan, err := engine.Post(ctx, tx, Input{
		Batch:     batchFor(ledger.Debtors, ledger.Invoice),
		Account:   "ACME",
		Date:      ledgertest.Date(2025, time.June, 5),
		Reference: "INV-100",
		Amount:    money.MustParse("115.00"),
		Tax:       money.MustParse("15.00"),
		TaxCode:   "s",
	})
	require.NoError(t, err)
	require.Len(t, plan.GL, 3)
	require.Equal(t, ledgertest.ControlAccount(ledgertest.HeadOffice, ledger.Debtors), plan.GL[0].Account)
	require.Equal(t, "115.00", money.Format(plan.GL[0].Amount))
	require.Equal(t, ledgertest.DefaultGLAccount(ledgertest.HeadOffice, ledger.Debtors, ledger.Invoice), plan.GL[1].Account)
	require.Equal(t, "-100.00", money.Format(plan.GL[1].Amount))
	require.Equal(t, ledgertest.VATControlAccount, plan.GL[2].Account)
	require.Equal(t, "-15.00", money.Format(plan.GL[2].Amount))
	require.Equal(t, "S", plan.VAT.TaxCode)
	require.Equal(t, "-100.00", money.Format(plan.VAT.Exclusive))
	require.Equal(t, "-15.00", money.Format(plan.VAT.Tax))
	require.Equal(t, "INV-100", plan.VAT.Reference)
	for _, row := range plan.GL {
		require.Equal(t, "INV-100", row.Reference)
		require.Equal(t, "1/DRS/INV/202506", row.Batch)
	}
}

func TestCreditNoteTaxSignIsCorrected(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(ledgertest.StandardControls())
	plan, err := engine.Prepare(ctx, Input{
		Batch:   batchFor(ledger.Debtors, ledger.CreditNote),
		Account: "ACME",
		Date:    ledgertest.Date(2025, time.June, 5),
		Amount:  money.MustParse("115.00"),
		Tax:     money.MustParse("15.00"),
		TaxCode: "S",
	})
	require.NoError(t, err)
	require.Equal(t, "-115.00", money.Format(plan.Transaction.Amount))
	require.Equal(t, "-15.00", money.Format(plan.Transaction.Tax))
	require.Equal(t, "100.00", money.Format(plan.VAT.Exclusive))
	require.Equal(t, "15.00", money.Format(plan.VAT.Tax))
}

func TestPrepareRejectsInconsistentTax(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(ledgertest.StandardControls())
	base := Input{Batch: batchFor(ledger.Debtors, ledger.Invoice), Account: "ACME", Date: ledgertest.Date(2025, time.June, 5), Amount: money.MustParse("10.00")}

	in := base
	in.Tax, in.TaxCode = money.MustParse("11.00"), "S"
	_, err := engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrTaxExceedsAmount))

	in = base
	in.Tax = money.MustParse("1.00")
	_, err = engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrTaxCodeRequired))

	in = base
	in.Batch = batchFor(ledger.Debtors, ledger.Receipt)
	in.Tax, in.TaxCode = money.MustParse("1.00"), "S"
	_, err = engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrTaxNotAllowed))

	in = base
	in.Amount = money.Zero
	_, err = engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrZeroAmount))

	in = base
	in.OtherCompany = ledgertest.HeadOffice
	_, err = engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrIntercompany))

	in = base
	in.Batch = batchFor(ledger.Debtors, ledger.Receipt)
	in.OtherCompany = ledgertest.Branch
	_, err = engine.Prepare(ctx, in)
	require.True(t, errors.Is(err, ErrIntercompany))
}

func TestMissingAccountFailsBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	for _, key := range []string{control.KeyVATControl, control.ControlKey("DRS"), control.KeyICClearing} {
		t.Run(key, func(t *testing.T) {
			controls := ledgertest.StandardControls()
			controls.Remove(ledgertest.HeadOffice, key)
			store := ledgertest.NewStore()
			tx, err := store.Begin(ctx)
			require.NoError(t, err)

			_, err = newEngine(controls).Post(ctx, tx, Input{
				Batch:        batchFor(ledger.Debtors, ledger.Invoice),
				Account:      "ACME",
				Date:         ledgertest.Date(2025, time.June, 5),
				Amount:       money.MustParse("115.00"),
				Tax:          money.MustParse("15.00"),
				TaxCode:      "S",
				OtherCompany: ledgertest.Branch,
			})
			require.True(t, errors.Is(err, ErrMissingAccount), err)
			require.True(t, errors.Is(err, control.ErrNotFound))
			require.NoError(t, tx.Commit(ctx))
			snap := store.Snapshot()
			require.Empty(t, snap.Transactions)
			require.Empty(t, snap.GL)
			require.Empty(t, snap.VAT)
		})
	}
}

func TestMissingDefaultGLIsDistinguished(t *testing.T) {
	ctx := context.Background()
	controls := ledgertest.StandardControls()
	controls.Remove(ledgertest.HeadOffice, control.DefaultGLKey(string(ledger.Debtors), string(ledger.Invoice)))
	store := ledgertest.NewStore()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	in := Input{
		Batch:   batchFor(ledger.Debtors, ledger.Invoice),
		Account: "ACME",
		Date:    ledgertest.Date(2025, time.June, 5),
		Amount:  money.MustParse("100.00"),
	}

	_, err = newEngine(controls).Prepare(ctx, in)
	require.ErrorIs(t, err, ErrNoDefaultGL)
	require.ErrorIs(t, err, ErrMissingAccount)

	in.GLAccount = 4999
	_, err = newEngine(controls).Post(ctx, tx, in)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
}

func TestCheckAccounts(t *testing.T) {
	ctx := context.Background()
	controls := ledgertest.StandardControls()
	engine := newEngine(controls)
	require.NoError(t, engine.CheckAccounts(ctx, batchFor(ledger.Debtors, ledger.Receipt)))

	controls.Remove(ledgertest.HeadOffice, control.KeyBank)
	err := engine.CheckAccounts(ctx, batchFor(ledger.Debtors, ledger.Receipt))
	require.True(t, errors.Is(err, ErrMissingAccount))

	withBank := batchFor(ledger.Debtors, ledger.Receipt)
	withBank.BankAccount = 8410
	require.NoError(t, engine.CheckAccounts(ctx, withBank))

	controls.Remove(ledgertest.HeadOffice, control.KeyDiscount)
	err = engine.CheckAccounts(ctx, batchFor(ledger.Creditors, ledger.Discount))
	require.True(t, errors.Is(err, ErrMissingAccount))
}

func TestNonIntegratedCompanyWritesNoGL(t *testing.T) {
	ctx := context.Background()
	controls := ledgertest.StandardControls()
	controls.SetCompany(control.Settings{Company: ledgertest.HeadOffice, GLIntegrated: false})
	controls.Remove(ledgertest.HeadOffice, control.KeyVATControl)

	plan, err := newEngine(controls).Prepare(ctx, Input{
		Batch:   batchFor(ledger.Debtors, ledger.Invoice),
		Account: "ACME",
		Date:    ledgertest.Date(2025, time.June, 5),
		Amount:  money.MustParse("115.00"),
		Tax:     money.MustParse("15.00"),
		TaxCode: "S",
	})
	require.NoError(t, err)
	require.Empty(t, plan.GL)
	require.NotNil(t, plan.VAT)
}

func TestReferences(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewStore()
	store.AddTransaction(ledger.Transaction{Company: ledgertest.HeadOffice, Ledger: ledger.Debtors, Routine: ledger.Receipt,
		Reference: ledger.FormatReference(ledger.Receipt, 2), Account: "ACME", Amount: money.MustParse("-1.00")})
	engine := newEngine(ledgertest.StandardControls())
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	in := Input{Batch: batchFor(ledger.Debtors, ledger.Receipt), Account: "ACME", Date: ledgertest.Date(2025, time.June, 5), Amount: money.MustParse("5.00")}
	plan, err := engine.Post(ctx, tx, in)
	require.NoError(t, err)
	require.Equal(t, "RCT000003", plan.Transaction.Reference)

	in.Reference = "RCT000003"
	_, err = engine.Post(ctx, tx, in)
	require.True(t, errors.Is(err, ledger.ErrDuplicateReference))
}
