// Package ledger defines the rows written by the posting engine (batches,
// subledger transactions, GL and VAT entries, allocations) and the
// transactional store they are written through.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
)

var (
	// ErrUnknownLedger indicates an unsupported ledger code.
	ErrUnknownLedger = errors.New("ledger: unknown ledger")
	// ErrUnknownRoutine indicates an unsupported routine code.
	ErrUnknownRoutine = errors.New("ledger: unknown routine")
)

// Ledger identifies a subsidiary ledger.
type Ledger string

const (
	Assets    Ledger = "ASS"
	Creditors Ledger = "CRS"
	Debtors   Ledger = "DRS"
	Members   Ledger = "MEM"
	Rentals   Ledger = "RTL"
)

// Ledgers lists every subsidiary ledger.
var Ledgers = []Ledger{Assets, Creditors, Debtors, Members, Rentals}

// ParseLedger validates a ledger code.
func ParseLedger(s string) (Ledger, error) {
	l := Ledger(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Ledgers {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLedger, s)
}

// Routine identifies the kind of transaction being captured.
type Routine string

const (
	Invoice    Routine = "INV"
	Receipt    Routine = "RCT"
	Journal    Routine = "JNL"
	CreditNote Routine = "CRN"
	Discount   Routine = "DIS"
)

// Routines lists every routine.
var Routines = []Routine{Invoice, Receipt, Journal, CreditNote, Discount}

// ParseRoutine validates a routine code.
func ParseRoutine(s string) (Routine, error) {
	r := Routine(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Routines {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRoutine, s)
}

// FormatReference renders a generated reference such as RCT000042.
func FormatReference(r Routine, n int64) string {
	return fmt.Sprintf("%s%06d", r, n)
}

// BatchKey identifies a batch.
type BatchKey struct {
	Company int64         `json:"company"`
	Ledger  Ledger        `json:"ledger"`
	Routine Routine       `json:"routine"`
	Curdt   periods.Curdt `json:"curdt"`
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%s", k.Company, k.Ledger, k.Routine, k.Curdt)
}

// Batch tracks the running count and signed value of committed movements.
type Batch struct {
	Key         BatchKey
	Multi       bool
	BankAccount int64
	Quantity    int
	Value       decimal.Decimal
	Closed      bool
	OpenedBy    string
	OpenedAt    time.Time
}

// AllocStatus tracks how much of a transaction has been allocated.
type AllocStatus string

const (
	AllocOpen    AllocStatus = "O"
	AllocPartial AllocStatus = "P"
	AllocSettled AllocStatus = "S"
)

// Account is a subsidiary ledger account (a debtor, creditor, member, ...).
type Account struct {
	Company int64
	Ledger  Ledger
	Code    string
	Name    string
	Active  bool
}

// Transaction is one subledger row. Rows are immutable apart from AllocStatus.
type Transaction struct {
	Seq          int64
	Company      int64
	Ledger       Ledger
	Account      string
	Routine      Routine
	Reference    string
	Batch        BatchKey
	Date         time.Time
	Curdt        periods.Curdt
	Amount       decimal.Decimal
	Tax          decimal.Decimal
	Detail       string
	TaxCode      string
	GLAccount    int64
	OtherCompany int64
	AllocStatus  AllocStatus
	CapturedBy   string
	CapturedAt   time.Time
}

// GLEntry is one general ledger row.
type GLEntry struct {
	Company   int64
	Account   int64
	Curdt     periods.Curdt
	Date      time.Time
	Movement  string
	Reference string
	Batch     string
	Amount    decimal.Decimal
	Tax       decimal.Decimal
	Detail    string
	TaxCode   string
	Recon     bool
}

// VATEntry is one row of the VAT control ledger.
type VATEntry struct {
	Company   int64
	TaxCode   string
	Curdt     periods.Curdt
	Source    Ledger
	Movement  string
	Batch     string
	Reference string
	Date      time.Time
	Account   string
	Detail    string
	Exclusive decimal.Decimal
	Tax       decimal.Decimal
	Recon     bool
}

// Allocation settles Amount (a positive magnitude) of TargetSeq with SourceSeq.
type Allocation struct {
	Company    int64
	Ledger     Ledger
	Account    string
	SourceSeq  int64
	TargetSeq  int64
	Amount     decimal.Decimal
	Date       time.Time
	Curdt      periods.Curdt
	CapturedBy string
}

// Item is a transaction together with the amount already allocated to it.
type Item struct {
	Transaction
	Allocated decimal.Decimal
}

// Remaining is the unallocated magnitude of the item.
func (i Item) Remaining() decimal.Decimal {
	return money.Sub(i.Amount.Abs(), i.Allocated)
}

// Activity aggregates the committed rows of a batch.
type Activity struct {
	Count     int
	Value     decimal.Decimal
	GLBalance map[int64]decimal.Decimal
}
