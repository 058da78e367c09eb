/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Resident and contract lifecycle over HTTP
- Posting, rejection with shortfall, voiding and deleting transactions
- Automations and Run Now
- Error status mapping (400, 404, 409, 422)
- /healthz and /metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/billing"
	"github.com/warp/drawdown-engine/contracts"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/metrics"
	"github.com/warp/drawdown-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids := generic.NewSequenceGenerator()
	clock := generic.FixedClock{At: testNow}
	log := zerolog.Nop()
	txs := drawdown.NewService(store, ids, clock, log, nil)
	return NewHandler(Deps{
		Store:        store,
		Contracts:    contracts.NewService(store, ids, clock, log, nil),
		Transactions: txs,
		Billing:      billing.NewJob(store, txs, ids, clock, log, billing.JobOptions{}),
		Clock:        clock,
		Logger:       log,
	})
}

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	return &testServer{t: t, router: NewRouter(setupTestHandler(t), opts)}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (s *testServer) do(method, path string, body any, out any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "coordinator-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

// activeContract creates res-1 with an Active 1000 contract ctr-1 for 2024.
func (s *testServer) activeContract() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/residents", map[string]string{
		"first_name": "Ada", "last_name": "Byron", "ndis_number": "430000001",
	}, nil)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/residents/res-1/contracts", map[string]any{
		"original_amount": 1000, "start_date": "2024-01-01", "end_date": "2024-12-31", "auto_drawdown": true,
	}, nil)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/residents/res-1/contracts/ctr-1/status", map[string]string{"status": "Active"}, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) draft(amount float64) TransactionDTO {
	s.t.Helper()
	var tx TransactionDTO
	rec := s.do(http.MethodPost, "/api/transactions", map[string]any{
		"resident_id": "res-1", "contract_id": "ctr-1", "occurred_at": "2024-03-01",
		"service_item_code": "01_011_0107_1_1", "description": "Assistance with self-care",
		"quantity": 1, "unit_price": amount, "is_drawdown": true,
	}, &tx)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return tx
}

// =============================================================================
// RESIDENT AND CONTRACT TESTS
// =============================================================================

func TestAPI_ContractLifecycle(t *testing.T) {
	// GIVEN: A new resident
	// WHEN: A contract is created and activated over HTTP
	// THEN: The resident view shows the Active contract and its audit trail

	s := newTestServer(t, RouterOptions{})
	s.activeContract()

	var res ResidentDTO
	rec := s.do(http.MethodGet, "/api/residents/res-1", nil, &res)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ada Byron", res.FullName)
	require.Len(t, res.Contracts, 1)
	c := res.Contracts[0]
	assert.Equal(t, "Active", c.Status)
	assert.Equal(t, 1000.0, c.CurrentBalance)
	assert.Equal(t, "2024-12-31", c.EndDate)
	assert.Equal(t, "monthly", c.DrawdownRate)
	require.NotEmpty(t, res.AuditTrail)
	for _, e := range res.AuditTrail {
		assert.Equal(t, "coordinator-1", e.UserID)
	}
}

func TestAPI_Balance(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()

	var summary ContractSummaryDTO
	rec := s.do(http.MethodGet, "/api/residents/res-1/contracts/ctr-1/balance?as_of=2024-07-01", nil, &summary)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-07-01", summary.AsOf)
	assert.Equal(t, 1000.0, summary.LedgerBalance)
	assert.InDelta(t, 545.45, summary.TimeBasedBalance, 0.001)

	rec = s.do(http.MethodGet, "/api/residents/res-1/contracts/ctr-1/balance?as_of=July", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RenewalChain(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()

	rec := s.do(http.MethodPost, "/api/residents/res-1/contracts/ctr-1/renewals", map[string]any{
		"terms": map[string]any{"original_amount": 1200, "start_date": "2025-01-01", "end_date": "2025-12-31"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var chain []ContractDTO
	rec = s.do(http.MethodGet, "/api/contracts/ctr-2/chain", nil, &chain)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, chain, 2)
	assert.Equal(t, "ctr-2", chain[0].ID)
	assert.Equal(t, "ctr-1", chain[0].ParentContractID)
	assert.Equal(t, "Renewed", chain[1].Status)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestAPI_PostRejectedWithShortfall(t *testing.T) {
	// GIVEN: 700 posted against a 1000 contract
	// WHEN: Posting a 500 draft
	// THEN: 422 with the insufficient balance rule and a 200 shortfall

	s := newTestServer(t, RouterOptions{})
	s.activeContract()
	first := s.draft(700)
	var ok TransactionResultDTO
	rec := s.do(http.MethodPost, "/api/transactions/"+first.ID+"/post", nil, &ok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, ok.Success)
	assert.Equal(t, "posted", ok.Transaction.Status)
	assert.Equal(t, "coordinator-1", ok.Transaction.PostedBy)

	second := s.draft(500)
	var rejected TransactionResultDTO
	rec = s.do(http.MethodPost, "/api/transactions/"+second.ID+"/post", nil, &rejected)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, rejected.Success)
	require.Len(t, rejected.Errors, 1)
	assert.Equal(t, string(generic.RuleInsufficientBalance), rejected.Errors[0].Code)
	require.NotNil(t, rejected.Shortfall)
	assert.InDelta(t, 200.0, *rejected.Shortfall, 0.001)

	var dry ValidationResultDTO
	rec = s.do(http.MethodGet, "/api/transactions/"+second.ID+"/validation", nil, &dry)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, dry.CanProceed)
	assert.InDelta(t, 300.0, dry.BalanceImpact.CurrentBalance, 0.001)
	assert.InDelta(t, 200.0, dry.BalanceImpact.Shortfall, 0.001)
}

func TestAPI_VoidThenPost(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()
	first := s.draft(700)
	s.do(http.MethodPost, "/api/transactions/"+first.ID+"/post", nil, nil)
	second := s.draft(500)

	rec := s.do(http.MethodPost, "/api/transactions/"+first.ID+"/void", map[string]string{"reason": "duplicate invoice"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/transactions/"+second.ID+"/post", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var txs []TransactionDTO
	s.do(http.MethodGet, "/api/transactions?contract_id=ctr-1&status=voided", nil, &txs)
	require.Len(t, txs, 1)
	assert.Equal(t, "duplicate invoice", txs[0].VoidReason)

	var res ResidentDTO
	s.do(http.MethodGet, "/api/residents/res-1", nil, &res)
	assert.Equal(t, 500.0, res.Contracts[0].CurrentBalance)
}

func TestAPI_DeleteDraftOnly(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()
	draft := s.draft(100)
	posted := s.draft(200)
	s.do(http.MethodPost, "/api/transactions/"+posted.ID+"/post", nil, nil)

	rec := s.do(http.MethodDelete, "/api/transactions/"+draft.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodDelete, "/api/transactions/"+posted.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/transactions/"+draft.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CreateTransaction_AmountOverride(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()

	var tx TransactionDTO
	rec := s.do(http.MethodPost, "/api/transactions", map[string]any{
		"resident_id": "res-1", "contract_id": "ctr-1", "occurred_at": "2024-03-01T10:30:00Z",
		"service_item_code": "01_011_0107_1_1", "description": "Shift", "quantity": 3,
		"unit_price": 65.47, "amount": "190.00",
	}, &tx)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 190.0, tx.Amount)
	assert.True(t, tx.AmountOverridden)
	assert.Equal(t, "draft", tx.Status)
}

// =============================================================================
// AUTOMATION TESTS
// =============================================================================

func TestAPI_RunNow(t *testing.T) {
	// GIVEN: An automation over an auto-drawdown contract
	// WHEN: Run Now is pressed twice on the same day
	// THEN: The first run posts, the second is a conflict

	s := newTestServer(t, RouterOptions{})
	s.activeContract()
	var a AutomationDTO
	rec := s.do(http.MethodPost, "/api/automations", map[string]any{
		"name": "Weekly SIL", "next_run_date": "2024-03-01",
		"items": []map[string]any{{
			"resident_id": "res-1", "contract_id": "ctr-1", "service_item_code": "01_011_0107_1_1",
			"quantity": 1, "unit_price": 250,
		}},
	}, &a)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "weekly", a.Frequency)

	var run AutomationRunDTO
	rec = s.do(http.MethodPost, "/api/automations/"+a.ID+"/run", nil, &run)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 250.0, run.TotalPosted)

	rec = s.do(http.MethodPost, "/api/automations/"+a.ID+"/run", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var runs []AutomationRunDTO
	s.do(http.MethodGet, "/api/automations/"+a.ID+"/runs", nil, &runs)
	assert.Len(t, runs, 1)

	var got AutomationDTO
	s.do(http.MethodGet, "/api/automations/"+a.ID, nil, &got)
	assert.Equal(t, "2024-03-08", got.NextRunDate)
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestAPI_ErrorStatus(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()
	posted := s.draft(100)
	s.do(http.MethodPost, "/api/transactions/"+posted.ID+"/post", nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown resident", http.MethodGet, "/api/residents/res-404", nil, http.StatusNotFound},
		{"unknown automation", http.MethodPost, "/api/automations/auto-404/run", nil, http.StatusNotFound},
		{"invalid terms", http.MethodPost, "/api/residents/res-1/contracts", map[string]any{"original_amount": -1, "start_date": "2024-01-01"}, http.StatusUnprocessableEntity},
		{"invalid resident", http.MethodPost, "/api/residents", map[string]string{"first_name": "Ada", "ndis_number": "12"}, http.StatusUnprocessableEntity},
		{"bad occurred_at", http.MethodPost, "/api/transactions", map[string]any{"resident_id": "res-1", "contract_id": "ctr-1", "occurred_at": "1 March"}, http.StatusUnprocessableEntity},
		{"post twice", http.MethodPost, "/api/transactions/" + posted.ID + "/post", nil, http.StatusConflict},
		{"direct renewed", http.MethodPost, "/api/residents/res-1/contracts/ctr-1/status", map[string]string{"status": "Renewed"}, http.StatusConflict},
		{"void without reason", http.MethodPost, "/api/transactions/" + posted.ID + "/void", map[string]string{}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_MalformedBody(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/residents", strings.NewReader("{"))
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid request body", body.Error)
}

func TestAPI_ValidationErrorBody(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.activeContract()

	var body ErrorResponse
	rec := s.do(http.MethodPost, "/api/residents/res-1/contracts", map[string]any{
		"original_amount": 0, "start_date": "2024-07-01", "end_date": "2024-06-01",
	}, &body)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Len(t, body.Violations, 2)
}

func TestActor_FallsBackToSystem(t *testing.T) {
	h := setupTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "system", h.actor(req))

	req.Header.Set("X-User-ID", "  manager-7 ")
	assert.Equal(t, "manager-7", h.actor(req))
}

// =============================================================================
// OPERATIONAL ENDPOINT TESTS
// =============================================================================

func TestAPI_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, RouterOptions{Metrics: metrics.New(reg), Gatherer: reg})

	rec := s.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s.do(http.MethodGet, "/api/residents/res-404", nil, nil)

	rec = s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `drawdown_http_requests_total{method="GET",route="/api/residents/{id}",status="404"} 1`)
}

func TestAPI_MetricsDisabledWithoutGatherer(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodGet, "/metrics", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	s := newTestServer(t, RouterOptions{AllowedOrigins: []string{"https://admin.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/residents", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "https://admin.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
