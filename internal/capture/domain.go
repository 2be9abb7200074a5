// Package capture drives the interactive capture of one subledger batch:
// header, field-by-field transaction entry, posting, open-item allocation and
// commit or cancel.
package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ageing"
	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/posting"
)

var (
	// ErrInvalidState indicates an operation not allowed in the session state.
	ErrInvalidState = errors.New("capture: operation not valid in current state")
	// ErrIncomplete indicates Submit before every field was answered.
	ErrIncomplete = errors.New("capture: transaction has unanswered fields")
	// ErrUnallocated indicates finishing allocation with a balance left and
	// no confirmation to leave it open.
	ErrUnallocated = errors.New("capture: unallocated balance remains")
)

// State of a capture session.
type State int

const (
	AwaitHeader State = iota
	CaptureTransaction
	AwaitAllocation
	Committed
	Cancelled
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitHeader:
		return "await_header"
	case CaptureTransaction:
		return "capture_transaction"
	case AwaitAllocation:
		return "await_allocation"
	case Committed:
		return "committed"
	case Cancelled:
		return "cancelled"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Header identifies the batch being captured.
type Header struct {
	Company     int64
	Ledger      ledger.Ledger
	Routine     ledger.Routine
	Curdt       periods.Curdt
	Multi       bool
	BankAccount int64
	Operator    string
	Policy      ageing.Policy
}

// Key returns the batch key of the header.
func (h Header) Key() ledger.BatchKey {
	return ledger.BatchKey{Company: h.Company, Ledger: h.Ledger, Routine: h.Routine, Curdt: h.Curdt}
}

// Draft is the transaction under capture.
type Draft struct {
	Account      string
	Date         time.Time
	Reference    string
	Amount       decimal.Decimal
	TaxCode      string
	Rate         decimal.Decimal
	SuggestedTax decimal.Decimal
	Tax          decimal.Decimal
	GLAccount    int64
	OtherCompany int64
	Detail       string
}

// Session is the explicit context of one capture. Every transition takes the
// session by reference; the datastore transaction lives here and nowhere else.
type Session struct {
	ID       uuid.UUID
	State    State
	Header   Header
	Rule     posting.Rule
	Batch    ledger.Batch
	Period   periods.Period
	Settings control.Settings

	Draft Draft
	// Field is the next field to prompt for; FieldDone once all are answered.
	Field Field

	Posted        *ledger.Transaction
	LastCommitted *ledger.Transaction
	Allocation    *ageing.Session
	Commits       int
	Cancels       int

	tx          ledger.Tx
	accumulated *decimal.Decimal
}

// InFlight reports whether rows are pending in the open datastore transaction.
func (s *Session) InFlight() bool {
	return s.Posted != nil
}
