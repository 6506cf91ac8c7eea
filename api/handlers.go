/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    POST   /api/users                   Register user (optional referrer code)
    GET    /api/users/{id}              Get user details
    POST   /api/users/{id}/referrer     Late referrer assignment (write-once)
    GET    /api/users/{id}/balance      Balance summary + recent entries
    GET    /api/users/{id}/entries      Ledger history
    POST   /api/users/{id}/resync       Rebuild balance from the ledger

  Purchases:
    POST   /api/purchases               Ingest purchase; credits synchronously
                                        when approved

  Admin:
    POST   /api/admin/reconcile         Trigger reconciliation (?full=true)
    POST   /api/admin/adjustments       Manual ledger correction
    GET    /api/reconciliation/runs     Recorded run reports

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (resolver, creditor, maintainer, engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (referrer already set, self/cycle referral)
  - 500: Internal errors
  Duplicate crediting is NOT an error: it surfaces as applied=false.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Users     referral.UserStore
	Purchases reconcile.PurchaseStore
	Resolver  *referral.Resolver
	Creditor  *commission.Creditor
	Balances  *balance.Maintainer
	Engine    *reconcile.Engine
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(users referral.UserStore, purchases reconcile.PurchaseStore, resolver *referral.Resolver, creditor *commission.Creditor, balances *balance.Maintainer, engine *reconcile.Engine) *Handler {
	return &Handler{
		Users:     users,
		Purchases: purchases,
		Resolver:  resolver,
		Creditor:  creditor,
		Balances:  balances,
		Engine:    engine,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a user, optionally attributed to a referrer by code.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReferralCode == "" {
		writeError(w, http.StatusBadRequest, "referral_code is required")
		return
	}

	user := referral.User{
		ID:           ledger.UserID(req.ID),
		ReferralCode: req.ReferralCode,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Users.CreateUser(r.Context(), user); err != nil {
		writeDomainError(w, err)
		return
	}

	if req.ReferrerCode != "" {
		if err := h.Resolver.AssignReferrerByCode(r.Context(), user.ID, req.ReferrerCode); err != nil {
			// The user exists; report the attribution failure.
			writeDomainError(w, err)
			return
		}
		if u, err := h.Users.GetUser(r.Context(), user.ID); err == nil {
			user = *u
		}
	}

	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// GetUser returns user details.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	user, err := h.Users.GetUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// SetReferrer assigns a referrer by code after registration. Write-once: a
// second assignment returns 409.
func (h *Handler) SetReferrer(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req struct {
		ReferrerCode string `json:"referrer_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReferrerCode == "" {
		writeError(w, http.StatusBadRequest, "referrer_code is required")
		return
	}

	if err := h.Resolver.AssignReferrerByCode(r.Context(), userID, req.ReferrerCode); err != nil {
		writeDomainError(w, err)
		return
	}

	user, err := h.Users.GetUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// GetBalance returns the balance summary with recent ledger entries.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	summary, err := h.Balances.GetSummary(r.Context(), userID, queryInt(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetEntries returns the user's ledger history, newest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	limit := queryInt(r, "limit", 50)

	entries, err := h.Creditor.Store.EntriesByUser(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Resync rebuilds the user's balance aggregate from the ledger.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	rebuilt, err := h.Balances.Resync(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(rebuilt))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// IngestPurchase mirrors a purchase record and, when approved, credits
// commissions synchronously. Re-posting the same purchase is safe: crediting
// is idempotent end to end.
func (h *Handler) IngestPurchase(w http.ResponseWriter, r *http.Request) {
	var req IngestPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "id and user_id are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	status := reconcile.PurchaseStatus(req.Status)
	switch status {
	case reconcile.PurchaseApproved, reconcile.PurchasePending, reconcile.PurchaseRejected:
	case "":
		status = reconcile.PurchaseApproved
	default:
		writeError(w, http.StatusBadRequest, "unknown purchase status")
		return
	}

	createdAt := time.Now().UTC()
	if req.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_at must be RFC3339")
			return
		}
		createdAt = t.UTC()
	}

	purchase := reconcile.Purchase{
		ID:        ledger.PurchaseID(req.ID),
		UserID:    ledger.UserID(req.UserID),
		PackageID: req.PackageID,
		Amount:    ledger.NewMoney(req.Amount),
		Status:    status,
		CreatedAt: createdAt,
	}

	// Stamp beneficiaries at ingestion time so later graph edits never
	// reattribute this purchase.
	if b, err := h.Resolver.ResolveBeneficiaries(r.Context(), purchase.UserID); err == nil {
		purchase.AffiliateID = b.Tier1
		purchase.Tier2AffiliateID = b.Tier2
	} else if !errors.Is(err, referral.ErrUserNotFound) {
		writeDomainError(w, err)
		return
	}

	if err := h.Purchases.SavePurchase(r.Context(), purchase); err != nil {
		writeDomainError(w, err)
		return
	}

	resp := IngestPurchaseResponse{PurchaseID: req.ID}
	if status == reconcile.PurchaseApproved {
		resp.Credits = h.creditPurchase(r, purchase)
	}

	writeJSON(w, http.StatusCreated, resp)
}

// creditPurchase applies tier-1 and tier-2 commissions for an approved
// purchase. The crediting operation updates the aggregates in the same
// transaction, so no resync is needed here.
func (h *Handler) creditPurchase(r *http.Request, p reconcile.Purchase) []CreditDTO {
	credits := make([]CreditDTO, 0, 2)

	apply := func(beneficiary ledger.UserID, tier ledger.Tier) {
		if beneficiary == "" {
			return
		}
		res, err := h.Creditor.CreditForPrice(r.Context(), commission.CreditRequest{
			PurchaseID:  p.ID,
			PurchaserID: p.UserID,
			PackageID:   p.PackageID,
			Beneficiary: beneficiary,
			Tier:        tier,
		}, p.Amount)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"purchase_id": p.ID,
				"user_id":     beneficiary,
				"tier":        tier,
			}).Error("synchronous crediting failed")
			return
		}
		credits = append(credits, CreditDTO{
			EntryID:     string(res.Entry.ID),
			Beneficiary: string(res.Entry.Beneficiary),
			Tier:        int(res.Entry.Tier),
			Amount:      res.Entry.Amount.Value.IntPart(),
			Status:      string(res.Entry.Status),
			Applied:     res.Applied,
		})
	}

	apply(p.AffiliateID, ledger.Tier1)
	apply(p.Tier2AffiliateID, ledger.Tier2)
	return credits
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerReconciliation runs a reconciliation pass. ?full=true rescans all
// purchase history instead of starting at the cursor.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"

	run, err := h.Engine.Run(r.Context(), reconcile.Options{Full: full})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CreateAdjustment appends a manual correction entry and resyncs the user's
// aggregate so the adjustment is immediately visible.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "user_id and reason are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	direction := ledger.Direction(req.Direction)
	if direction != ledger.Credit && direction != ledger.Debit {
		writeError(w, http.StatusBadRequest, "direction must be credit or debit")
		return
	}

	entry := ledger.Entry{
		ID:          ledger.NewEntryID(),
		Beneficiary: ledger.UserID(req.UserID),
		Direction:   direction,
		Category:    ledger.CategoryAdjustment,
		Amount:      ledger.NewMoney(req.Amount),
		Status:      ledger.StatusCompleted,
		Metadata: ledger.Metadata{
			Adjustment: &ledger.AdjustmentMetadata{
				Reason:  req.Reason,
				ActorID: req.ActorID,
			},
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := h.Creditor.Store.AppendEntry(r.Context(), entry); err != nil {
		writeDomainError(w, err)
		return
	}

	rebuilt, err := h.Balances.Resync(r.Context(), ledger.UserID(req.UserID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	log.WithFields(log.Fields{
		"user_id":   req.UserID,
		"direction": direction,
		"amount":    req.Amount,
		"actor_id":  req.ActorID,
	}).Info("manual adjustment recorded")
	writeJSON(w, http.StatusCreated, AdjustmentResponse{
		Entry:   toEntryDTO(entry),
		Balance: toBalanceDTO(rebuilt),
	})
}

// ListReconciliationRuns returns recorded run reports, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Purchases.Runs(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, referral.ErrUserNotFound),
		errors.Is(err, referral.ErrReferrerNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrBalanceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, referral.ErrReferrerAlreadySet),
		errors.Is(err, referral.ErrSelfReferral),
		errors.Is(err, referral.ErrReferralCycle):
		writeError(w, http.StatusConflict, err.Error())
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
