package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/posting"
	"github.com/odyssey-erp/subledger/internal/vat"
)

// Field names one input of the transaction form.
type Field string

const (
	FieldAccount      Field = "account"
	FieldDate         Field = "date"
	FieldReference    Field = "reference"
	FieldAmount       Field = "amount"
	FieldTaxCode      Field = "tax_code"
	FieldTaxAmount    Field = "tax_amount"
	FieldGLAccount    Field = "gl_account"
	FieldOtherCompany Field = "other_company"
	FieldDetail       Field = "detail"
	FieldDone         Field = ""
)

const (
	maxReferenceLen = 20
	maxDetailLen    = 60
)

// FieldError rejects one field value. The session stays on the same field.
type FieldError struct {
	Field   Field
	Message string
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("capture: %s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func reject(f Field, msg string, err error) error {
	return &FieldError{Field: f, Message: msg, Err: err}
}

type validateFunc func(ctx context.Context, svc *Service, sess *Session, raw string) error

// step is one entry of the input sequence. next picks the following field
// from what has been entered so far.
type step struct {
	field    Field
	validate validateFunc
	next     func(sess *Session) Field
}

var sequence = []step{
	{field: FieldAccount, validate: validateAccount, next: always(FieldDate)},
	{field: FieldDate, validate: validateDate, next: always(FieldReference)},
	{field: FieldReference, validate: validateReference, next: always(FieldAmount)},
	{field: FieldAmount, validate: validateAmount, next: afterAmount},
	{field: FieldTaxCode, validate: validateTaxCode, next: afterTaxCode},
	{field: FieldTaxAmount, validate: validateTaxAmount, next: afterTax},
	{field: FieldGLAccount, validate: validateGLAccount, next: always(FieldOtherCompany)},
	{field: FieldOtherCompany, validate: validateOtherCompany, next: always(FieldDetail)},
	{field: FieldDetail, validate: validateDetail, next: always(FieldDone)},
}

func lookupStep(f Field) (step, bool) {
	for _, st := range sequence {
		if st.field == f {
			return st, true
		}
	}
	return step{}, false
}

func always(f Field) func(*Session) Field {
	return func(*Session) Field { return f }
}

func afterAmount(sess *Session) Field {
	if sess.Rule.AllowTax {
		return FieldTaxCode
	}
	return afterTax(sess)
}

func afterTaxCode(sess *Session) Field {
	if sess.Draft.TaxCode != "" {
		return FieldTaxAmount
	}
	return afterTax(sess)
}

func afterTax(sess *Session) Field {
	if sess.Rule.Contra == posting.ContraAllocation {
		return FieldGLAccount
	}
	return FieldDetail
}

func validateAccount(ctx context.Context, _ *Service, sess *Session, raw string) error {
	code := strings.TrimSpace(raw)
	if code == "" {
		return reject(FieldAccount, "account is required", nil)
	}
	acc, err := sess.tx.GetAccount(ctx, sess.Header.Company, sess.Header.Ledger, code)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return reject(FieldAccount, "unknown account "+code, err)
		}
		return err
	}
	if !acc.Active {
		return reject(FieldAccount, "account "+code+" is inactive", nil)
	}
	sess.Draft.Account = acc.Code
	return nil
}

func validateDate(_ context.Context, _ *Service, sess *Session, raw string) error {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return reject(FieldDate, "date must be YYYY-MM-DD", err)
	}
	if err := sess.Period.CheckDate(d, sess.Batch.Key.Curdt, sess.Batch.Multi); err != nil {
		switch {
		case errors.Is(err, periods.ErrDateOutsideYear):
			return reject(FieldDate, "date is outside the financial year", err)
		case errors.Is(err, periods.ErrDateAfterBatch):
			return reject(FieldDate, "date is after batch period "+sess.Batch.Key.Curdt.String(), err)
		default:
			return reject(FieldDate, "date is not in batch period "+sess.Batch.Key.Curdt.String(), err)
		}
	}
	sess.Draft.Date = d
	return nil
}

func validateReference(ctx context.Context, _ *Service, sess *Session, raw string) error {
	ref := strings.TrimSpace(raw)
	if len(ref) > maxReferenceLen {
		return reject(FieldReference, fmt.Sprintf("reference longer than %d characters", maxReferenceLen), nil)
	}
	if ref != "" {
		h := sess.Header
		exists, err := sess.tx.ReferenceExists(ctx, h.Company, h.Ledger, h.Routine, ref)
		if err != nil {
			return err
		}
		if exists {
			return reject(FieldReference, "duplicate reference "+ref, ledger.ErrDuplicateReference)
		}
	}
	sess.Draft.Reference = ref
	return nil
}

func validateAmount(_ context.Context, _ *Service, sess *Session, raw string) error {
	amount, err := money.Parse(raw)
	if err != nil {
		return reject(FieldAmount, "not a valid amount", err)
	}
	if amount.IsZero() {
		return reject(FieldAmount, "amount must be non-zero", posting.ErrZeroAmount)
	}
	sess.Draft.Amount = amount
	sess.Draft.TaxCode = ""
	sess.Draft.Rate = decimal.Zero
	sess.Draft.SuggestedTax = decimal.Zero
	sess.Draft.Tax = decimal.Zero
	return nil
}

func validateTaxCode(ctx context.Context, svc *Service, sess *Session, raw string) error {
	code := vat.NormalizeCode(raw)
	if code == "" {
		sess.Draft.TaxCode = ""
		sess.Draft.Tax = decimal.Zero
		return nil
	}
	rate, err := svc.rates.Rate(ctx, code, sess.Draft.Date)
	if err != nil {
		switch {
		case errors.Is(err, vat.ErrRateNotFound):
			return reject(FieldTaxCode, "no VAT rate "+code+" on "+sess.Draft.Date.Format(time.DateOnly), err)
		case errors.Is(err, vat.ErrInvalidRate):
			return reject(FieldTaxCode, "VAT rate "+code+" is misconfigured", err)
		}
		return err
	}
	movement := sess.Rule.Amount(sess.Draft.Amount)
	sess.Draft.TaxCode = code
	sess.Draft.Rate = rate.Percent
	sess.Draft.SuggestedTax = vat.Tax(movement, rate.Percent)
	sess.Draft.Tax = sess.Draft.SuggestedTax
	return nil
}

func validateTaxAmount(_ context.Context, _ *Service, sess *Session, raw string) error {
	if strings.TrimSpace(raw) == "" {
		sess.Draft.Tax = sess.Draft.SuggestedTax
		return nil
	}
	tax, err := money.Parse(raw)
	if err != nil {
		return reject(FieldTaxAmount, "not a valid amount", err)
	}
	movement := sess.Rule.Amount(sess.Draft.Amount)
	tax = vat.AlignSign(tax, movement)
	if tax.Abs().GreaterThan(movement.Abs()) {
		return reject(FieldTaxAmount, "tax exceeds the transaction amount", posting.ErrTaxExceedsAmount)
	}
	sess.Draft.Tax = tax
	return nil
}

func validateGLAccount(_ context.Context, _ *Service, sess *Session, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		sess.Draft.GLAccount = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return reject(FieldGLAccount, "GL account must be a positive number", err)
	}
	sess.Draft.GLAccount = n
	return nil
}

func validateOtherCompany(ctx context.Context, svc *Service, sess *Session, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		sess.Draft.OtherCompany = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return reject(FieldOtherCompany, "company must be a positive number", err)
	}
	if n == sess.Header.Company {
		return reject(FieldOtherCompany, "intercompany partner must differ from the posting company", posting.ErrIntercompany)
	}
	if !sess.Settings.GLIntegrated {
		return reject(FieldOtherCompany, "intercompany postings need GL integration", posting.ErrIntercompany)
	}
	if _, err := svc.controls.Settings(ctx, n); err != nil {
		return reject(FieldOtherCompany, fmt.Sprintf("unknown company %d", n), err)
	}
	sess.Draft.OtherCompany = n
	return nil
}

func validateDetail(_ context.Context, _ *Service, sess *Session, raw string) error {
	d := strings.TrimSpace(raw)
	if len(d) > maxDetailLen {
		return reject(FieldDetail, fmt.Sprintf("detail longer than %d characters", maxDetailLen), nil)
	}
	sess.Draft.Detail = d
	return nil
}
