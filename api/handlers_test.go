package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policy := commission.DefaultPolicy()
	policy.HoldPeriod = 0 // credits land in available for easy assertions

	resolver := referral.NewResolver(store)
	creditor := commission.NewCreditor(store, policy)
	balances := balance.NewMaintainer(store)
	engine := reconcile.NewEngine(store, store, resolver, creditor, balances)

	handler := api.NewHandler(store, store, resolver, creditor, balances, engine)
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createUser(t *testing.T, srv *httptest.Server, id, code, referrerCode string) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/users", api.CreateUserRequest{
		ID:           id,
		ReferralCode: code,
		ReferrerCode: referrerCode,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// USER ENDPOINT TESTS
// =============================================================================

func TestAPI_CreateUser_WithReferrer(t *testing.T) {
	srv := newTestServer(t)

	createUser(t, srv, "alice", "ALICE", "")

	resp := postJSON(t, srv.URL+"/api/users", api.CreateUserRequest{
		ID: "bob", ReferralCode: "BOB", ReferrerCode: "ALICE",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	user := decode[api.UserDTO](t, resp)
	assert.Equal(t, "bob", user.ID)
	assert.Equal(t, "alice", user.ReferredBy)
}

func TestAPI_CreateUser_MissingCode(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/users", api.CreateUserRequest{ID: "alice"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SetReferrer_SecondAssignmentConflicts(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "carol", "CAROL", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	resp := postJSON(t, srv.URL+"/api/users/bob/referrer", map[string]string{
		"referrer_code": "CAROL",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_GetUser_NotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/users/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// PURCHASE INGESTION TESTS
// =============================================================================

func TestAPI_IngestPurchase_CreditsSynchronously(t *testing.T) {
	// GIVEN: carol referred by bob, bob referred by alice
	// WHEN: POSTing carol's approved 1999-unit purchase
	// THEN: Both tiers are credited in the response and balances move

	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")
	createUser(t, srv, "carol", "CAROL", "BOB")

	resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
		ID: "p-1", UserID: "carol", Amount: 1999, Status: "approved",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	result := decode[api.IngestPurchaseResponse](t, resp)
	require.Len(t, result.Credits, 2)
	assert.Equal(t, "bob", result.Credits[0].Beneficiary)
	assert.Equal(t, int64(1299), result.Credits[0].Amount)
	assert.True(t, result.Credits[0].Applied)
	assert.Equal(t, "alice", result.Credits[1].Beneficiary)
	assert.Equal(t, int64(100), result.Credits[1].Amount)

	balResp, err := http.Get(srv.URL + "/api/users/bob/balance")
	require.NoError(t, err)
	summary := decode[api.BalanceSummaryDTO](t, balResp)
	assert.Equal(t, int64(1299), summary.Balance.Available)
	require.Len(t, summary.Recent, 1)
	assert.Equal(t, "p-1", summary.Recent[0].ReferenceID)
}

func TestAPI_IngestPurchase_RepostIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	req := api.IngestPurchaseRequest{ID: "p-1", UserID: "bob", Amount: 1000, Status: "approved"}

	first := postJSON(t, srv.URL+"/api/purchases", req)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstResult := decode[api.IngestPurchaseResponse](t, first)
	require.Len(t, firstResult.Credits, 1)
	assert.True(t, firstResult.Credits[0].Applied)

	second := postJSON(t, srv.URL+"/api/purchases", req)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	secondResult := decode[api.IngestPurchaseResponse](t, second)
	require.Len(t, secondResult.Credits, 1)
	assert.False(t, secondResult.Credits[0].Applied, "re-post must not double-credit")

	balResp, err := http.Get(srv.URL + "/api/users/alice/balance")
	require.NoError(t, err)
	summary := decode[api.BalanceSummaryDTO](t, balResp)
	assert.Equal(t, int64(650), summary.Balance.Available)
}

func TestAPI_IngestPurchase_Validation(t *testing.T) {
	srv := newTestServer(t)

	cases := []api.IngestPurchaseRequest{
		{ID: "", UserID: "bob", Amount: 1000},
		{ID: "p-1", UserID: "", Amount: 1000},
		{ID: "p-1", UserID: "bob", Amount: 0},
		{ID: "p-1", UserID: "bob", Amount: -5},
		{ID: "p-1", UserID: "bob", Amount: 100, Status: "bogus"},
	}
	for i, c := range cases {
		resp := postJSON(t, srv.URL+"/api/purchases", c)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %d", i)
	}
}

func TestAPI_IngestPurchase_PendingMirroredWithoutCredit(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
		ID: "p-1", UserID: "bob", Amount: 1000, Status: "pending",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := decode[api.IngestPurchaseResponse](t, resp)
	assert.Empty(t, result.Credits)
}

// =============================================================================
// RESYNC AND RECONCILIATION ENDPOINT TESTS
// =============================================================================

func TestAPI_Resync_RebuildsBalance(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
		ID: "p-1", UserID: "bob", Amount: 1000, Status: "approved",
	})
	resp.Body.Close()

	resyncResp := postJSON(t, srv.URL+"/api/users/alice/resync", struct{}{})
	require.Equal(t, http.StatusOK, resyncResp.StatusCode)
	b := decode[api.BalanceDTO](t, resyncResp)
	assert.Equal(t, int64(650), b.Available)
}

func TestAPI_TriggerReconciliation_AndListRuns(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
		ID: "p-1", UserID: "bob", Amount: 1999, Status: "approved",
	})
	resp.Body.Close()

	recResp := postJSON(t, srv.URL+"/api/admin/reconcile?full=true", struct{}{})
	require.Equal(t, http.StatusOK, recResp.StatusCode)
	run := decode[api.ReconciliationRunDTO](t, recResp)
	assert.Equal(t, 1, run.PurchasesSeen)
	assert.Equal(t, 0, run.CreditsAdded, "synchronous path already credited")

	listResp, err := http.Get(srv.URL + "/api/reconciliation/runs")
	require.NoError(t, err)
	runs := decode[[]api.ReconciliationRunDTO](t, listResp)
	require.NotEmpty(t, runs)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestAPI_GetEntries(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	for i := 1; i <= 3; i++ {
		resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
			ID: fmt.Sprintf("p-%d", i), UserID: "bob", Amount: 1000, Status: "approved",
		})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/users/alice/entries?limit=2")
	require.NoError(t, err)
	entries := decode[[]api.EntryDTO](t, resp)
	assert.Len(t, entries, 2)
}

func TestAPI_CreateAdjustment_DebitLowersBalance(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice", "ALICE", "")
	createUser(t, srv, "bob", "BOB", "ALICE")

	resp := postJSON(t, srv.URL+"/api/purchases", api.IngestPurchaseRequest{
		ID: "p-1", UserID: "bob", Amount: 1000, Status: "approved",
	})
	resp.Body.Close()

	adjResp := postJSON(t, srv.URL+"/api/admin/adjustments", api.AdjustmentRequest{
		UserID: "alice", Direction: "debit", Amount: 150, Reason: "support correction",
	})
	require.Equal(t, http.StatusCreated, adjResp.StatusCode)
	adj := decode[api.AdjustmentResponse](t, adjResp)
	assert.Equal(t, int64(500), adj.Balance.Available, "650 - 150")
	assert.Equal(t, "adjustment", adj.Entry.Category)
}

func TestAPI_CreateAdjustment_Validation(t *testing.T) {
	srv := newTestServer(t)

	cases := []api.AdjustmentRequest{
		{UserID: "", Direction: "credit", Amount: 10, Reason: "r"},
		{UserID: "u", Direction: "credit", Amount: 0, Reason: "r"},
		{UserID: "u", Direction: "sideways", Amount: 10, Reason: "r"},
		{UserID: "u", Direction: "credit", Amount: 10, Reason: ""},
	}
	for i, c := range cases {
		resp := postJSON(t, srv.URL+"/api/admin/adjustments", c)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %d", i)
	}
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
