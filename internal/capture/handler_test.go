package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/control"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/subledger/internal/money"
	"github.com/odyssey-erp/subledger/internal/platform/httpx"
	"github.com/odyssey-erp/subledger/internal/shared"
)

type idempotencyStub struct {
	seen map[string]bool
}

func (s *idempotencyStub) CheckAndInsert(_ context.Context, key, module string) error {
	k := module + ":" + key
	if s.seen[k] {
		return shared.ErrIdempotencyConflict
	}
	s.seen[k] = true
	return nil
}

func (s *idempotencyStub) Release(_ context.Context, key, module string) error {
	delete(s.seen, module+":"+key)
	return nil
}

type api struct {
	t        *testing.T
	h        *harness
	registry *Registry
	router   chi.Router
}

func newAPI(t *testing.T) *api {
	h := newHarness()
	registry := NewRegistry()
	handler := NewHandler(nil, h.svc, registry, &idempotencyStub{seen: map[string]bool{}})
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return &api{t: t, h: h, registry: registry, router: router}
}

func (a *api) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) sessionView {
	t.Helper()
	var v sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p), rr.Body.String())
	return p
}

func receiptOpenBody(policy string) map[string]any {
	return map[string]any{
		"company":  ledgertest.HeadOffice,
		"ledger":   "DRS",
		"routine":  "RCT",
		"period":   "202506",
		"operator": "clerk",
		"policy":   policy,
	}
}

func TestHandlerReceiptWithManualAllocation(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodPost, "/capture/sessions/", receiptOpenBody("normal"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	view := decodeView(t, rr)
	require.Equal(t, "capture_transaction", view.State)
	require.Equal(t, "account", view.Field)
	base := "/capture/sessions/" + view.ID
	require.Equal(t, base, rr.Header().Get("Location"))

	rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": "ACME"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": "2025-08-01"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "date", decodeProblem(t, rr).Field)

	for _, v := range []string{"2025-06-05", "", "1000.00", "payment"} {
		rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": v})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr = a.do(http.MethodPost, base+"/submit", nil, "Idempotency-Key", "rct-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view = decodeView(t, rr)
	require.Equal(t, "await_allocation", view.State)
	require.NotNil(t, view.Allocation)
	require.Len(t, view.Allocation.Lines, 2)
	require.Equal(t, "1000.00", view.Allocation.Unallocated)
	require.Equal(t, 1, view.Batch.Quantity)

	rr = a.do(http.MethodPost, base+"/submit", nil, "Idempotency-Key", "rct-1")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(http.MethodPost, base+"/allocation/picks", map[string]any{"seq": a.h.inv600.Seq, "amount": "600.01"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = a.do(http.MethodPost, base+"/allocation/picks", map[string]any{"seq": a.h.inv600.Seq, "amount": "600.00"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "400.00", decodeView(t, rr).Allocation.Unallocated)

	rr = a.do(http.MethodPost, base+"/allocation/finish", map[string]bool{"leave_open": false})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view = decodeView(t, rr)
	require.Equal(t, "capture_transaction", view.State)
	require.Equal(t, 0, view.Batch.Quantity)
	require.Equal(t, "0.00", view.Batch.Value)
	require.Equal(t, 1, view.Cancels)

	rr = a.do(http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, a.registry.Len())
	rr = a.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerInvoiceCommits(t *testing.T) {
	a := newAPI(t)
	body := receiptOpenBody("")
	body["routine"] = "inv"
	rr := a.do(http.MethodPost, "/capture/sessions/", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	base := "/capture/sessions/" + decodeView(t, rr).ID

	for _, v := range []string{"ACME", "2025-06-02", "INV-77", "230.00", "S", "", "", "", "consulting"} {
		rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": v})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = a.do(http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decodeView(t, rr)
	require.Equal(t, "committed", view.State)
	require.Equal(t, "INV-77", view.LastCommitted.Reference)
	require.Equal(t, "30.00", view.LastCommitted.Tax)

	rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": "ACME"})
	require.Equal(t, http.StatusConflict, rr.Code)
	rr = a.do(http.MethodPost, base+"/next", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "account", decodeView(t, rr).Field)
}

func TestHandlerOpenErrors(t *testing.T) {
	a := newAPI(t)

	bad := receiptOpenBody("normal")
	bad["ledger"] = "XYZ"
	rr := a.do(http.MethodPost, "/capture/sessions/", bad)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	missing := receiptOpenBody("normal")
	delete(missing, "company")
	rr = a.do(http.MethodPost, "/capture/sessions/", missing)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	future := receiptOpenBody("normal")
	future["period"] = "202509"
	rr = a.do(http.MethodPost, "/capture/sessions/", future)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	a.h.controls.Remove(ledgertest.HeadOffice, control.KeyBank)
	rr = a.do(http.MethodPost, "/capture/sessions/", receiptOpenBody("normal"))
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "required account not configured")
	require.Zero(t, a.registry.Len())

	rr = a.do(http.MethodGet, fmt.Sprintf("/capture/sessions/%s", "not-a-uuid"), nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerSubmitReleasesKeyOnFailure(t *testing.T) {
	h := newHarness()
	keys := &idempotencyStub{seen: map[string]bool{}}
	router := chi.NewRouter()
	NewHandler(nil, h.svc, NewRegistry(), keys).MountRoutes(router)
	a := &api{t: t, h: h, router: router}

	rr := a.do(http.MethodPost, "/capture/sessions/", receiptOpenBody("automatic"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	base := "/capture/sessions/" + decodeView(t, rr).ID

	rr = a.do(http.MethodPost, base+"/submit", nil, "Idempotency-Key", "early")
	require.NotEqual(t, http.StatusOK, rr.Code)
	require.Empty(t, keys.seen)

	for _, v := range []string{"ACME", "2025-06-05", "", "100.00", "payment"} {
		rr = a.do(http.MethodPost, base+"/fields", map[string]string{"value": v})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = a.do(http.MethodPost, base+"/submit", nil, "Idempotency-Key", "early")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "committed", decodeView(t, rr).State)
	require.Len(t, keys.seen, 1)
}

func TestClassifyMapsLedgerConflicts(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("ledger: commit: %w", ledger.ErrConcurrentUpdate),
		fmt.Errorf("batch: accumulate: %w", ledger.ErrBatchClosed),
	} {
		mapped, known := classify(err)
		require.True(t, known, err.Error())
		require.ErrorIs(t, mapped, httpx.ErrConflict)
		require.ErrorIs(t, mapped, err)
	}

	mapped, known := classify(money.ErrMalformed)
	require.True(t, known)
	require.ErrorIs(t, mapped, httpx.ErrUnprocessable)
}
