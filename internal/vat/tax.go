package vat

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Tax extracts the tax portion of a tax-inclusive gross amount:
// round(gross*rate/(rate+100), 2).
func Tax(gross, percent decimal.Decimal) decimal.Decimal {
	if percent.IsZero() || gross.IsZero() {
		return decimal.Zero
	}
	return money.Round(gross.Mul(percent).Div(percent.Add(hundred)))
}

// Split returns the exclusive and tax portions of gross. The portions always
// add back to gross exactly.
func Split(gross, percent decimal.Decimal) (exclusive, tax decimal.Decimal) {
	tax = Tax(gross, percent)
	return money.Sub(gross, tax), tax
}

// AlignSign negates tax when its sign disagrees with amount.
func AlignSign(tax, amount decimal.Decimal) decimal.Decimal {
	if money.SameSign(tax, amount) {
		return tax
	}
	return tax.Neg()
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}
