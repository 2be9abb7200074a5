package ledgertest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/vat"
)

// Fixture companies.
const (
	HeadOffice int64 = 1
	Branch     int64 = 2
)

// Offset separates the account numbers of the branch from head office.
const Offset = 10000

// Standard control accounts of HeadOffice. Branch uses the same numbers plus Offset.
const (
	BankAccount       int64 = 8400
	VATControlAccount int64 = 9500
	DiscountAccount   int64 = 4600
	ClearingAccount   int64 = 9900
)

// ControlAccount returns the fixture control account of l for company.
func ControlAccount(company int64, l ledger.Ledger) int64 {
	base := map[ledger.Ledger]int64{
		ledger.Assets:    6000,
		ledger.Creditors: 9000,
		ledger.Debtors:   7000,
		ledger.Members:   7100,
		ledger.Rentals:   7200,
	}[l]
	return base + offset(company)
}

// DefaultGLAccount returns the fixture income/expense account of l and r.
func DefaultGLAccount(company int64, l ledger.Ledger, r ledger.Routine) int64 {
	var li, ri int64
	for i, x := range ledger.Ledgers {
		if x == l {
			li = int64(i)
		}
	}
	for i, x := range ledger.Routines {
		if x == r {
			ri = int64(i)
		}
	}
	return 1000 + li*100 + ri + offset(company)
}

func offset(company int64) int64 {
	if company == Branch {
		return Offset
	}
	return 0
}

// StandardControls configures both fixture companies with every control record.
func StandardControls() *Controls {
	c := NewControls()
	for _, company := range []int64{HeadOffice, Branch} {
		name := "Head Office"
		if company == Branch {
			name = "Branch"
		}
		c.SetCompany(control.Settings{Company: company, Name: name, GLIntegrated: true})
		c.SetAccount(company, control.KeyBank, BankAccount+offset(company))
		c.SetAccount(company, control.KeyVATControl, VATControlAccount+offset(company))
		c.SetAccount(company, control.KeyDiscount, DiscountAccount+offset(company))
		c.SetAccount(company, control.KeyICClearing, ClearingAccount+offset(company))
		for _, l := range ledger.Ledgers {
			c.SetAccount(company, control.ControlKey(string(l)), ControlAccount(company, l))
			for _, r := range ledger.Routines {
				c.SetAccount(company, control.DefaultGLKey(string(l), string(r)), DefaultGLAccount(company, l, r))
			}
		}
	}
	return c
}

// FinancialYear is the open year of every fixture company: March 2025 to
// February 2026, currently in June 2025.
func FinancialYear() Periods {
	p := periods.Period{
		YearStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		YearEnd:   time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC),
		Current:   202506,
	}
	out := Periods{}
	for _, company := range []int64{HeadOffice, Branch} {
		p.Company = company
		out[company] = p
	}
	return out
}

// StandardRates holds a 15% standard rate and a zero rate.
func StandardRates() Rates {
	since := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	return Rates{
		{Code: "S", Description: "Standard", Percent: decimal.NewFromInt(15), EffectiveFrom: since},
		{Code: "Z", Description: "Zero rated", Percent: decimal.Zero, EffectiveFrom: since},
	}
}

// Date is a UTC calendar date.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var _ vat.Repository = Rates(nil)
var _ periods.Repository = Periods(nil)
var _ control.Lookup = (*Controls)(nil)
var _ ledger.Store = (*Store)(nil)
