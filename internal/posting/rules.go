package posting

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
)

// Role names the account that balances the control-account row.
type Role int

const (
	// ContraBank posts -M to the batch bank account.
	ContraBank Role = iota + 1
	// ContraAllocation posts -E to an income/expense account and -T to VAT control.
	ContraAllocation
	// ContraDiscount posts -M to the discount account.
	ContraDiscount
)

func (r Role) String() string {
	switch r {
	case ContraBank:
		return "bank"
	case ContraAllocation:
		return "allocation"
	case ContraDiscount:
		return "discount"
	default:
		return "unknown"
	}
}

// Rule is one row of the sign and account-role table.
type Rule struct {
	Ledger  ledger.Ledger
	Routine ledger.Routine
	// Sign is applied to the entered magnitude. Zero keeps the operator's sign.
	Sign      int
	Contra    Role
	AllowTax  bool
	Allocates bool
}

// Movement is the GL movement code of the rule, e.g. DRS-INV.
func (r Rule) Movement() string {
	return string(r.Ledger) + "-" + string(r.Routine)
}

// Amount converts an entered amount into the signed movement amount.
func (r Rule) Amount(entered decimal.Decimal) decimal.Decimal {
	switch {
	case r.Sign > 0:
		return entered.Abs()
	case r.Sign < 0:
		return entered.Abs().Neg()
	default:
		return entered
	}
}

type ruleKey struct {
	ledger  ledger.Ledger
	routine ledger.Routine
}

var rules = buildRules()

func buildRules() map[ruleKey]Rule {
	table := map[ruleKey]Rule{}
	add := func(l ledger.Ledger, r ledger.Routine, sign int, contra Role, tax, allocates bool) {
		table[ruleKey{l, r}] = Rule{Ledger: l, Routine: r, Sign: sign, Contra: contra, AllowTax: tax, Allocates: allocates}
	}
	// debtor-like ledgers carry receivables: invoices debit, receipts credit
	for _, l := range []ledger.Ledger{ledger.Debtors, ledger.Members, ledger.Rentals} {
		add(l, ledger.Invoice, 1, ContraAllocation, true, false)
		add(l, ledger.CreditNote, -1, ContraAllocation, true, true)
		add(l, ledger.Receipt, -1, ContraBank, false, true)
		add(l, ledger.Discount, -1, ContraDiscount, false, true)
		add(l, ledger.Journal, 0, ContraAllocation, false, false)
	}
	add(ledger.Creditors, ledger.Invoice, -1, ContraAllocation, true, false)
	add(ledger.Creditors, ledger.CreditNote, 1, ContraAllocation, true, true)
	add(ledger.Creditors, ledger.Receipt, 1, ContraBank, false, true)
	add(ledger.Creditors, ledger.Discount, 1, ContraDiscount, false, true)
	add(ledger.Creditors, ledger.Journal, 0, ContraAllocation, false, false)

	add(ledger.Assets, ledger.Invoice, 1, ContraAllocation, true, false)
	add(ledger.Assets, ledger.CreditNote, -1, ContraAllocation, true, false)
	add(ledger.Assets, ledger.Receipt, -1, ContraBank, false, false)
	add(ledger.Assets, ledger.Journal, 0, ContraAllocation, false, false)
	return table
}

// LookupRule returns the rule for a ledger and routine.
func LookupRule(l ledger.Ledger, r ledger.Routine) (Rule, error) {
	rule, ok := rules[ruleKey{l, r}]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s/%s", ErrNoRule, l, r)
	}
	return rule, nil
}

// Rules lists the whole table.
func Rules() []Rule {
	out := make([]Rule, 0, len(rules))
	for _, l := range ledger.Ledgers {
		for _, r := range ledger.Routines {
			if rule, ok := rules[ruleKey{l, r}]; ok {
				out = append(out, rule)
			}
		}
	}
	return out
}
