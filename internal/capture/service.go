package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/ageing"
	"github.com/odyssey-erp/subledger/internal/batch"
	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/observability"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/posting"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/internal/vat"
)

// AuditRecorder persists audit entries for commits and cancellations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config wires the collaborators of Service.
type Config struct {
	Store    ledger.Store
	Batches  *batch.Service
	Engine   *posting.Engine
	Rates    *vat.Resolver
	Periods  periods.Repository
	Controls control.Lookup
	Audit    AuditRecorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Service runs capture sessions. It holds no per-session state.
type Service struct {
	store    ledger.Store
	batches  *batch.Service
	engine   *posting.Engine
	rates    *vat.Resolver
	periods  periods.Repository
	controls control.Lookup
	audit    AuditRecorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		batches:  cfg.Batches,
		engine:   cfg.Engine,
		rates:    cfg.Rates,
		periods:  cfg.Periods,
		controls: cfg.Controls,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for allocation and audit timestamps.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Service) log(sess *Session) *slog.Logger {
	return s.logger.With(
		slog.String("session", sess.ID.String()),
		slog.String("batch", sess.Header.Key().String()),
		slog.String("operator", sess.Header.Operator))
}

// Open starts a session for h: it begins the datastore transaction, opens the
// batch and checks the control accounts the routine needs. Any failure is
// terminal and leaves nothing written.
func (s *Service) Open(ctx context.Context, h Header) (*Session, error) {
	rule, err := posting.LookupRule(h.Ledger, h.Routine)
	if err != nil {
		return nil, err
	}
	if h.Policy < ageing.Current || h.Policy > ageing.History {
		return nil, ageing.ErrUnknownPolicy
	}
	sess := &Session{ID: uuid.New(), State: AwaitHeader, Header: h, Rule: rule}
	if err := s.begin(ctx, sess); err != nil {
		sess.State = Closed
		return nil, err
	}
	s.metrics.SessionOpened()
	s.log(sess).Info("capture session opened", slog.String("policy", h.Policy.String()))
	return sess, nil
}

func (s *Service) begin(ctx context.Context, sess *Session) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	h := sess.Header
	b, err := s.batches.Open(ctx, tx, h.Key(), batch.OpenOptions{Multi: h.Multi, BankAccount: h.BankAccount, OpenedBy: h.Operator})
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	period, err := s.periods.Active(ctx, h.Company)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	settings, err := s.controls.Settings(ctx, h.Company)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := s.engine.CheckAccounts(ctx, b); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	sess.tx = tx
	sess.Batch = b
	sess.Period = period
	sess.Settings = settings
	s.reset(sess)
	return nil
}

func (s *Service) reset(sess *Session) {
	sess.State = CaptureTransaction
	sess.Draft = Draft{}
	sess.Field = sequence[0].field
	sess.Posted = nil
	sess.Allocation = nil
	sess.accumulated = nil
}

// Enter validates raw as the value of the current field and advances to the
// next one. A rejected value returns *FieldError and keeps the field.
func (s *Service) Enter(ctx context.Context, sess *Session, raw string) error {
	if sess.State != CaptureTransaction {
		return fmt.Errorf("%w: enter in %s", ErrInvalidState, sess.State)
	}
	st, ok := lookupStep(sess.Field)
	if !ok {
		return fmt.Errorf("%w: all fields answered", ErrInvalidState)
	}
	if err := st.validate(ctx, s, sess, raw); err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			s.metrics.ObserveRejection(string(fe.Field))
		}
		return err
	}
	sess.Field = st.next(sess)
	return nil
}

// Submit posts the completed draft and accumulates it into the batch. Routines
// that allocate move to AwaitAllocation unless the policy leaves the amount
// open or allocates automatically; everything else commits straight away.
func (s *Service) Submit(ctx context.Context, sess *Session) (ledger.Transaction, error) {
	if sess.State != CaptureTransaction {
		return ledger.Transaction{}, fmt.Errorf("%w: submit in %s", ErrInvalidState, sess.State)
	}
	if sess.Field != FieldDone {
		return ledger.Transaction{}, fmt.Errorf("%w: next field %s", ErrIncomplete, sess.Field)
	}
	d := sess.Draft
	plan, err := s.engine.Post(ctx, sess.tx, posting.Input{
		Batch:        sess.Batch,
		Account:      d.Account,
		Date:         d.Date,
		Reference:    d.Reference,
		Amount:       d.Amount,
		Tax:          d.Tax,
		TaxCode:      d.TaxCode,
		Detail:       d.Detail,
		GLAccount:    d.GLAccount,
		OtherCompany: d.OtherCompany,
		CapturedBy:   sess.Header.Operator,
	})
	if err != nil {
		return ledger.Transaction{}, s.postFailed(ctx, sess, err)
	}
	posted := plan.Transaction
	amount := posted.Amount
	batch.Stage(&sess.Batch, amount)
	sess.Posted = &posted
	sess.accumulated = &amount

	if !sess.Rule.Allocates || sess.Header.Policy == ageing.Current {
		return posted, s.commit(ctx, sess)
	}
	alloc, err := ageing.Start(ctx, sess.tx, posted, sess.Header.Policy)
	if err != nil {
		return ledger.Transaction{}, s.abandon(ctx, sess, err)
	}
	sess.Allocation = alloc
	if sess.Header.Policy == ageing.Automatic {
		return posted, s.commit(ctx, sess)
	}
	sess.State = AwaitAllocation
	return posted, nil
}

// postFailed maps posting errors. Errors raised before any write keep the
// draft so the operator can correct it: a reference collision sends the
// operator back to the reference field and a missing default GL account back
// to the GL field. Errors the draft cannot fix tell the operator to cancel.
func (s *Service) postFailed(ctx context.Context, sess *Session, err error) error {
	switch {
	case errors.Is(err, ledger.ErrDuplicateReference):
		sess.Field = FieldReference
		s.metrics.ObserveRejection(string(FieldReference))
		return reject(FieldReference, "duplicate reference "+sess.Draft.Reference, err)
	case errors.Is(err, posting.ErrNoDefaultGL) && sess.Rule.Contra == posting.ContraAllocation:
		sess.Field = FieldGLAccount
		s.metrics.ObserveRejection(string(FieldGLAccount))
		return reject(FieldGLAccount, "no default GL account is configured, enter one", err)
	case errors.Is(err, posting.ErrMissingAccount):
		return fmt.Errorf("%w: cancel this entry until the control record is set up", err)
	case errors.Is(err, posting.ErrReferenceExhausted):
		return fmt.Errorf("%w: submit again or cancel this entry", err)
	case errors.Is(err, posting.ErrTaxNotAllowed),
		errors.Is(err, posting.ErrTaxCodeRequired),
		errors.Is(err, posting.ErrTaxExceedsAmount),
		errors.Is(err, posting.ErrZeroAmount),
		errors.Is(err, posting.ErrIntercompany):
		return err
	}
	// a write failed part-way; the transaction can no longer be trusted
	return s.abandon(ctx, sess, err)
}

// abandon rolls back after a write failure and reopens a clean transaction.
func (s *Service) abandon(ctx context.Context, sess *Session, cause error) error {
	if err := s.rollback(ctx, sess); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.begin(ctx, sess); err != nil {
		sess.State = Cancelled
		return errors.Join(cause, err)
	}
	return cause
}

// Pick allocates amount to item seq in the pending allocation.
func (s *Service) Pick(sess *Session, seq int64, amount string) error {
	if sess.State != AwaitAllocation || sess.Allocation == nil {
		return fmt.Errorf("%w: pick in %s", ErrInvalidState, sess.State)
	}
	v, err := money.Parse(amount)
	if err != nil {
		return err
	}
	_, err = sess.Allocation.Pick(seq, v)
	return err
}

// FinishAllocation applies the picks and commits. A remaining unallocated
// balance needs leaveOpen; it then stays on the transaction as an open item.
func (s *Service) FinishAllocation(ctx context.Context, sess *Session, leaveOpen bool) error {
	if sess.State != AwaitAllocation || sess.Allocation == nil {
		return fmt.Errorf("%w: finish allocation in %s", ErrInvalidState, sess.State)
	}
	if left := sess.Allocation.Unallocated(); left.IsPositive() && !leaveOpen {
		return fmt.Errorf("%w: %s", ErrUnallocated, money.Format(left))
	}
	return s.commit(ctx, sess)
}

func (s *Service) commit(ctx context.Context, sess *Session) error {
	allocations := 0
	if sess.Allocation != nil {
		opts := ageing.ApplyOptions{
			Date:       sess.Posted.Date,
			CapturedBy: sess.Header.Operator,
			Batch:      sess.Batch.Key.String(),
		}
		if sess.Settings.GLIntegrated {
			acc, err := s.controls.Account(ctx, sess.Header.Company, control.ControlKey(string(sess.Header.Ledger)))
			if err != nil {
				return s.abandon(ctx, sess, fmt.Errorf("%w: %w", posting.ErrMissingAccount, err))
			}
			opts.ControlAccount = acc
		}
		res, err := sess.Allocation.Apply(ctx, sess.tx, opts)
		if err != nil {
			return s.abandon(ctx, sess, err)
		}
		allocations = len(res.Allocations)
	}
	// the batch row is locked from here to the end of the transaction
	stored := sess.Batch
	if sess.accumulated != nil {
		if err := batch.Accumulate(ctx, sess.tx, &stored, *sess.accumulated); err != nil {
			return s.abandon(ctx, sess, err)
		}
	}
	if err := sess.tx.Commit(ctx); err != nil {
		return s.abandon(ctx, sess, err)
	}
	sess.tx = nil
	sess.Batch = stored
	posted := *sess.Posted
	sess.LastCommitted = &posted
	sess.Commits++
	sess.State = Committed
	sess.Posted = nil
	sess.accumulated = nil

	policy := sess.Header.Policy.String()
	abs, _ := posted.Amount.Abs().Float64()
	s.metrics.ObservePosting(string(posted.Ledger), string(posted.Routine), abs)
	s.metrics.ObserveAllocations(policy, allocations)
	s.record(ctx, sess, "capture.commit", posted.Reference, map[string]any{
		"amount":      money.Format(posted.Amount),
		"account":     posted.Account,
		"allocations": allocations,
		"policy":      policy,
	})
	s.log(sess).Info("transaction committed",
		slog.String("reference", posted.Reference),
		slog.String("amount", money.Format(posted.Amount)),
		slog.Int("allocations", allocations))
	return nil
}

// Next starts a fresh transaction in the same batch after a commit.
func (s *Service) Next(ctx context.Context, sess *Session) error {
	if sess.State != Committed && sess.State != Cancelled {
		return fmt.Errorf("%w: next in %s", ErrInvalidState, sess.State)
	}
	return s.begin(ctx, sess)
}

// Cancel rolls back every row written since the transaction began, reverses
// the batch accumulation and returns to CaptureTransaction with an empty draft.
func (s *Service) Cancel(ctx context.Context, sess *Session) error {
	if sess.State != CaptureTransaction && sess.State != AwaitAllocation {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, sess.State)
	}
	reference := sess.Draft.Reference
	if sess.Posted != nil {
		reference = sess.Posted.Reference
	}
	if sess.Allocation != nil {
		sess.Allocation.Cancel()
	}
	if err := s.rollback(ctx, sess); err != nil {
		return err
	}
	sess.Cancels++
	sess.State = Cancelled
	s.metrics.ObserveCancellation(string(sess.Header.Ledger))
	if reference != "" {
		s.record(ctx, sess, "capture.cancel", reference, map[string]any{"batch": sess.Batch.Key.String()})
	}
	s.log(sess).Info("capture cancelled", slog.String("reference", reference))
	return s.begin(ctx, sess)
}

// rollback discards the open transaction and reverses the staged
// accumulation, so the in-memory batch matches the persisted one again.
func (s *Service) rollback(ctx context.Context, sess *Session) error {
	if sess.tx == nil {
		return nil
	}
	err := sess.tx.Rollback(ctx)
	sess.tx = nil
	if sess.accumulated != nil {
		batch.Reverse(&sess.Batch, *sess.accumulated)
		sess.accumulated = nil
	}
	sess.Posted = nil
	sess.Allocation = nil
	if err != nil && !errors.Is(err, ledger.ErrTxDone) {
		return err
	}
	return nil
}

// Close ends the session. Uncommitted input is discarded; a transaction
// waiting for allocation must be finished or cancelled first.
func (s *Service) Close(ctx context.Context, sess *Session) error {
	switch sess.State {
	case Closed:
		return nil
	case AwaitAllocation:
		return fmt.Errorf("%w: close in %s", ErrInvalidState, sess.State)
	}
	if err := s.rollback(ctx, sess); err != nil {
		return err
	}
	sess.State = Closed
	s.metrics.SessionClosed()
	s.log(sess).Info("capture session closed", slog.Int("commits", sess.Commits), slog.Int("cancels", sess.Cancels))
	return nil
}

// Abort ends the session in any state, rolling back uncommitted work
// including a transaction waiting for allocation.
func (s *Service) Abort(ctx context.Context, sess *Session, reason string) error {
	if sess.State == Closed {
		return nil
	}
	var reference string
	if sess.Posted != nil {
		reference = sess.Posted.Reference
	}
	if sess.Allocation != nil {
		sess.Allocation.Cancel()
	}
	err := s.rollback(ctx, sess)
	sess.State = Closed
	s.metrics.SessionClosed()
	if reference != "" {
		s.metrics.ObserveCancellation(string(sess.Header.Ledger))
		s.record(ctx, sess, "capture.abort", reference, map[string]any{"reason": reason})
	}
	s.log(sess).Warn("capture session aborted", slog.String("reason", reason), slog.String("reference", reference))
	return err
}

func (s *Service) record(ctx context.Context, sess *Session, action, reference string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	meta["session"] = sess.ID.String()
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    sess.Header.Operator,
		Action:   action,
		Entity:   "ledger_transaction",
		EntityID: fmt.Sprintf("%d/%s/%s/%s", sess.Header.Company, sess.Header.Ledger, sess.Header.Routine, reference),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.log(sess).Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
