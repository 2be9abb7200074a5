package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/subledger/internal/ageing"
	"github.com/odyssey-erp/subledger/internal/batch"
	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/periods"
	"github.com/odyssey-erp/subledger/internal/platform/httpx"
	"github.com/odyssey-erp/subledger/internal/posting"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/internal/vat"
)

const idempotencyModule = "capture.submit"

// IdempotencyChecker rejects a replayed request key. Keys of failed
// submissions are released so the client can retry.
type IdempotencyChecker interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// Handler exposes capture sessions as a JSON API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	registry    *Registry
	idempotency IdempotencyChecker
	validator   *validator.Validate
}

// NewHandler constructs a Handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, registry *Registry, idempotency IdempotencyChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		registry:    registry,
		idempotency: idempotency,
		validator:   validator.New(),
	}
}

// MountRoutes registers capture routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/capture/sessions", func(r chi.Router) {
		r.Post("/", h.open)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.show)
			r.Delete("/", h.close)
			r.Post("/fields", h.enter)
			r.Post("/submit", h.submit)
			r.Post("/cancel", h.cancel)
			r.Post("/next", h.next)
			r.Post("/allocation/picks", h.pick)
			r.Post("/allocation/finish", h.finish)
		})
	})
}

type openRequest struct {
	Company     int64  `json:"company" validate:"required,gt=0"`
	Ledger      string `json:"ledger" validate:"required,len=3"`
	Routine     string `json:"routine" validate:"required,len=3"`
	Period      string `json:"period" validate:"required,len=6,numeric"`
	Multi       bool   `json:"multi"`
	BankAccount int64  `json:"bank_account" validate:"gte=0"`
	Operator    string `json:"operator" validate:"required,max=40"`
	Policy      string `json:"policy" validate:"omitempty,oneof=current automatic auto normal history"`
}

type fieldRequest struct {
	Value string `json:"value" validate:"max=120"`
}

type pickRequest struct {
	Seq    int64  `json:"seq" validate:"required,gt=0"`
	Amount string `json:"amount" validate:"required"`
}

type finishRequest struct {
	LeaveOpen bool `json:"leave_open"`
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if err := h.validator.Struct(target); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			msgs := make([]string, 0, len(fields))
			for _, f := range fields {
				msgs = append(msgs, strings.ToLower(f.Field())+" "+f.Tag())
			}
			return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	hdr, err := req.header()
	if err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.service.Open(r.Context(), hdr)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.registry.Add(sess)
	w.Header().Set("Location", "/capture/sessions/"+sess.ID.String())
	httpx.JSON(w, http.StatusCreated, newSessionView(sess))
}

func (req openRequest) header() (Header, error) {
	l, err := ledger.ParseLedger(req.Ledger)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	rt, err := ledger.ParseRoutine(req.Routine)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	curdt, err := periods.ParseCurdt(req.Period)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	policy, err := ageing.ParsePolicy(req.Policy)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return Header{
		Company:     req.Company,
		Ledger:      l,
		Routine:     rt,
		Curdt:       curdt,
		Multi:       req.Multi,
		BankAccount: req.BankAccount,
		Operator:    strings.TrimSpace(req.Operator),
		Policy:      policy,
	}, nil
}

// withSession parses {id} and runs fn under the session lock, replying with
// the session view on success.
func (h *Handler) withSession(w http.ResponseWriter, r *http.Request, fn func(*Session) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, ErrSessionNotFound)
		return
	}
	var view sessionView
	err = h.registry.With(id, func(sess *Session) error {
		if err := fn(sess); err != nil {
			return err
		}
		view = newSessionView(sess)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(*Session) error { return nil })
}

func (h *Handler) enter(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	h.withSession(w, r, func(sess *Session) error {
		return h.service.Enter(r.Context(), sess, req.Value)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	h.withSession(w, r, func(sess *Session) error {
		if key == "" || h.idempotency == nil {
			_, err := h.service.Submit(r.Context(), sess)
			return err
		}
		scoped := sess.ID.String() + ":" + key
		if err := h.idempotency.CheckAndInsert(r.Context(), scoped, idempotencyModule); err != nil {
			return err
		}
		_, err := h.service.Submit(r.Context(), sess)
		if err != nil {
			if relErr := h.idempotency.Release(r.Context(), scoped, idempotencyModule); relErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", scoped), slog.Any("error", relErr))
			}
		}
		return err
	})
}

func (h *Handler) pick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	h.withSession(w, r, func(sess *Session) error {
		return h.service.Pick(sess, req.Seq, req.Amount)
	})
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	h.withSession(w, r, func(sess *Session) error {
		return h.service.FinishAllocation(r.Context(), sess, req.LeaveOpen)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *Session) error {
		return h.service.Cancel(r.Context(), sess)
	})
}

func (h *Handler) next(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *Session) error {
		return h.service.Next(r.Context(), sess)
	})
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, ErrSessionNotFound)
		return
	}
	err = h.registry.With(id, func(sess *Session) error {
		return h.service.Close(r.Context(), sess)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var fe *FieldError
	if errors.As(err, &fe) {
		httpx.FieldProblem(w, string(fe.Field), fe.Message)
		return
	}
	mapped, known := classify(err)
	if !known {
		h.logger.Error("capture request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// classify wraps domain errors with the httpx sentinel of their status.
func classify(err error) (error, bool) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err), true
	case errors.Is(err, httpx.ErrValidation):
		return err, true
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrDuplicate, err), true
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrIncomplete),
		errors.Is(err, ErrUnallocated),
		errors.Is(err, posting.ErrMissingAccount),
		errors.Is(err, posting.ErrReferenceExhausted),
		errors.Is(err, control.ErrNotFound),
		errors.Is(err, control.ErrCompanyNotFound),
		errors.Is(err, vat.ErrRateNotFound),
		errors.Is(err, vat.ErrInvalidRate),
		errors.Is(err, periods.ErrPeriodNotFound),
		errors.Is(err, batch.ErrBatchClosed),
		errors.Is(err, ledger.ErrConcurrentUpdate):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err), true
	case errors.Is(err, batch.ErrInvalidKey),
		errors.Is(err, batch.ErrPeriodOutsideYear),
		errors.Is(err, batch.ErrFuturePeriod),
		errors.Is(err, posting.ErrNoRule),
		errors.Is(err, ageing.ErrUnknownPolicy):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err), true
	case errors.Is(err, money.ErrMalformed),
		errors.Is(err, ageing.ErrNoPicks),
		errors.Is(err, ageing.ErrItemNotFound),
		errors.Is(err, ageing.ErrReadOnly),
		errors.Is(err, ageing.ErrExceedsRemaining),
		errors.Is(err, ageing.ErrExceedsUnallocated),
		errors.Is(err, ageing.ErrNegativeAmount),
		errors.Is(err, posting.ErrTaxExceedsAmount),
		errors.Is(err, posting.ErrTaxNotAllowed),
		errors.Is(err, posting.ErrTaxCodeRequired),
		errors.Is(err, posting.ErrZeroAmount),
		errors.Is(err, posting.ErrIntercompany):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err), true
	}
	return err, false
}

type batchView struct {
	Key      string `json:"key"`
	Multi    bool   `json:"multi"`
	Quantity int    `json:"quantity"`
	Value    string `json:"value"`
}

type draftView struct {
	Account      string `json:"account,omitempty"`
	Date         string `json:"date,omitempty"`
	Reference    string `json:"reference,omitempty"`
	Amount       string `json:"amount,omitempty"`
	TaxCode      string `json:"tax_code,omitempty"`
	SuggestedTax string `json:"suggested_tax,omitempty"`
	Tax          string `json:"tax,omitempty"`
	GLAccount    int64  `json:"gl_account,omitempty"`
	OtherCompany int64  `json:"other_company,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

type transactionView struct {
	Seq         int64  `json:"seq"`
	Reference   string `json:"reference"`
	Account     string `json:"account"`
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	Tax         string `json:"tax"`
	AllocStatus string `json:"alloc_status"`
}

type lineView struct {
	Seq       int64  `json:"seq"`
	Reference string `json:"reference"`
	Date      string `json:"date"`
	Amount    string `json:"amount"`
	Remaining string `json:"remaining"`
	Picked    string `json:"picked"`
	ReadOnly  bool   `json:"read_only"`
}

type allocationView struct {
	Policy      string     `json:"policy"`
	Unallocated string     `json:"unallocated"`
	Lines       []lineView `json:"lines"`
}

type sessionView struct {
	ID            string           `json:"id"`
	State         string           `json:"state"`
	Batch         batchView        `json:"batch"`
	Field         string           `json:"field,omitempty"`
	Draft         draftView        `json:"draft"`
	Posted        *transactionView `json:"posted,omitempty"`
	LastCommitted *transactionView `json:"last_committed,omitempty"`
	Allocation    *allocationView  `json:"allocation,omitempty"`
	Commits       int              `json:"commits"`
	Cancels       int              `json:"cancels"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

func newTransactionView(t *ledger.Transaction) *transactionView {
	if t == nil {
		return nil
	}
	return &transactionView{
		Seq:         t.Seq,
		Reference:   t.Reference,
		Account:     t.Account,
		Date:        formatDate(t.Date),
		Amount:      money.Format(t.Amount),
		Tax:         money.Format(t.Tax),
		AllocStatus: string(t.AllocStatus),
	}
}

func newSessionView(sess *Session) sessionView {
	d := sess.Draft
	v := sessionView{
		ID:    sess.ID.String(),
		State: sess.State.String(),
		Batch: batchView{
			Key:      sess.Batch.Key.String(),
			Multi:    sess.Batch.Multi,
			Quantity: sess.Batch.Quantity,
			Value:    money.Format(sess.Batch.Value),
		},
		Field: string(sess.Field),
		Draft: draftView{
			Account:      d.Account,
			Date:         formatDate(d.Date),
			Reference:    d.Reference,
			TaxCode:      d.TaxCode,
			GLAccount:    d.GLAccount,
			OtherCompany: d.OtherCompany,
			Detail:       d.Detail,
		},
		Posted:        newTransactionView(sess.Posted),
		LastCommitted: newTransactionView(sess.LastCommitted),
		Commits:       sess.Commits,
		Cancels:       sess.Cancels,
	}
	if !d.Amount.IsZero() {
		v.Draft.Amount = money.Format(d.Amount)
	}
	if d.TaxCode != "" {
		v.Draft.SuggestedTax = money.Format(d.SuggestedTax)
		v.Draft.Tax = money.Format(d.Tax)
	}
	if sess.State == AwaitAllocation && sess.Allocation != nil {
		a := &allocationView{
			Policy:      sess.Allocation.Policy().String(),
			Unallocated: money.Format(sess.Allocation.Unallocated()),
		}
		for _, l := range sess.Allocation.Lines() {
			a.Lines = append(a.Lines, lineView{
				Seq:       l.Item.Seq,
				Reference: l.Item.Reference,
				Date:      formatDate(l.Item.Date),
				Amount:    money.Format(l.Item.Amount),
				Remaining: money.Format(l.Item.Remaining()),
				Picked:    money.Format(l.Picked),
				ReadOnly:  l.ReadOnly,
			})
		}
		v.Allocation = a
	}
	return v
}
