package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/app"
	"github.com/odyssey-erp/subledger/internal/batch"
	"github.com/odyssey-erp/subledger/internal/capture"
	"github.com/odyssey-erp/subledger/internal/control"
	jobmetrics "github.com/odyssey-erp/subledger/internal/jobs"
	"github.com/odyssey-erp/subledger/internal/ledger"
	"github.com/odyssey-erp/subledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/subledger/internal/observability"
	"github.com/odyssey-erp/subledger/internal/posting"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/internal/vat"
	"github.com/odyssey-erp/subledger/jobs"
	_ "github.com/odyssey-erp/subledger/testing"
)

type auditSink struct{ entries []shared.AuditLog }

func (a *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

type keySet map[string]bool

func (k keySet) CheckAndInsert(_ context.Context, key, module string) error {
	if k[module+key] {
		return shared.ErrIdempotencyConflict
	}
	k[module+key] = true
	return nil
}

func (k keySet) Release(_ context.Context, key, module string) error {
	delete(k, module+key)
	return nil
}

type session struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	LastCommitted *struct {
		Reference string `json:"reference"`
		Amount    string `json:"amount"`
	} `json:"last_committed"`
}

type stack struct {
	t       *testing.T
	store   *ledgertest.Store
	batches *batch.Service
	audit   *auditSink
	metrics *observability.Metrics
	router  http.Handler
	redis   *redis.Client
}

func newStack(t *testing.T) *stack {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := &stack{t: t, store: ledgertest.NewStore(), audit: &auditSink{}, metrics: observability.NewMetrics(), redis: client}
	s.store.AddAccount(ledger.Account{Company: ledgertest.HeadOffice, Ledger: ledger.Debtors, Code: "ACME", Name: "Acme Trading", Active: true})

	year := ledgertest.FinancialYear()
	controls := control.NewCachedLookup(ledgertest.StandardControls(), client, time.Minute, nil)
	rates := vat.NewResolver(vat.NewCachedRepository(ledgertest.StandardRates(), client, time.Minute, nil))
	s.batches = batch.NewService(year, s.store, nil)

	svc := capture.NewService(capture.Config{
		Store:    s.store,
		Batches:  s.batches,
		Engine:   posting.NewEngine(controls, nil),
		Rates:    rates,
		Periods:  year,
		Controls: controls,
		Audit:    s.audit,
		Metrics:  s.metrics,
	})
	handler := capture.NewHandler(nil, svc, capture.NewRegistry(), keySet{})
	s.router = app.NewRouter(app.RouterParams{
		Config:         &app.Config{AppRequestTimeout: 5 * time.Second, RateLimitPerMin: 1000},
		CaptureHandler: handler,
		Metrics:        s.metrics,
	})
	return s
}

func (s *stack) call(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *stack) invoice(period, date, ref, amount string) session {
	s.t.Helper()
	rr := s.call(http.MethodPost, "/capture/sessions/", map[string]any{
		"company": ledgertest.HeadOffice, "ledger": "DRS", "routine": "INV", "period": period, "operator": "clerk",
	})
	require.Equal(s.t, http.StatusCreated, rr.Code, rr.Body.String())
	var opened session
	require.NoError(s.t, json.Unmarshal(rr.Body.Bytes(), &opened))
	base := "/capture/sessions/" + opened.ID

	for _, v := range []string{"ACME", date, ref, amount, "S", "", "", "", "services"} {
		rr = s.call(http.MethodPost, base+"/fields", map[string]string{"value": v})
		require.Equal(s.t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = s.call(http.MethodPost, base+"/submit", nil)
	require.Equal(s.t, http.StatusOK, rr.Code, rr.Body.String())
	var committed session
	require.NoError(s.t, json.Unmarshal(rr.Body.Bytes(), &committed))

	rr = s.call(http.MethodDelete, base, nil)
	require.Equal(s.t, http.StatusNoContent, rr.Code)
	return committed
}

func counter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			match := true
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCaptureThenReconcileClosesPastBatch(t *testing.T) {
	s := newStack(t)

	may := s.invoice("202505", "2025-05-15", "INV-501", "115.00")
	require.Equal(t, "committed", may.State)
	require.Equal(t, "INV-501", may.LastCommitted.Reference)
	june := s.invoice("202506", "2025-06-03", "INV-601", "57.50")
	require.Equal(t, "committed", june.State)
	require.Len(t, s.audit.entries, 2)
	require.Equal(t, "capture.commit", s.audit.entries[0].Action)

	keys, err := s.redis.Keys(context.Background(), "control:*").Result()
	require.NoError(t, err)
	require.NotEmpty(t, keys)

	reg := prometheus.NewRegistry()
	job := jobs.NewBatchReconcileJob(s.batches, ledgertest.FinancialYear(), s.redis, nil, jobmetrics.NewMetrics(reg))
	summary, err := job.Run(context.Background(), jobs.BatchReconcilePayload{Close: true})
	require.NoError(t, err)
	require.Equal(t, jobs.ReconcileSummary{Checked: 2, Closed: 1}, summary)

	mayKey := ledger.BatchKey{Company: ledgertest.HeadOffice, Ledger: ledger.Debtors, Routine: ledger.Invoice, Curdt: 202505}
	juneKey := mayKey
	juneKey.Curdt = 202506
	snap := s.store.Snapshot()
	require.True(t, snap.Batches[mayKey].Closed)
	require.False(t, snap.Batches[juneKey].Closed)
	require.Equal(t, 1, snap.Batches[juneKey].Quantity)

	rr := s.call(http.MethodPost, "/capture/sessions/", map[string]any{
		"company": ledgertest.HeadOffice, "ledger": "DRS", "routine": "INV", "period": "202505", "operator": "clerk",
	})
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1.0, counter(t, families, "subledger_batches_closed_total", map[string]string{"company": "1"}))

	rr = s.call(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `subledger_postings_total{ledger="DRS",routine="INV"} 2`)
}
