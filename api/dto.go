/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY REPRESENTATION:
  Amounts cross the wire as whole currency units (JSON numbers). The ledger
  rounds before persisting, so no fractional amounts ever appear here.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID           string `json:"id"`
	ReferralCode string `json:"referral_code"`
	ReferredBy   string `json:"referred_by,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// CreateUserRequest is the request to register a user. ReferrerCode is the
// referral code of the referring user; empty means no referrer.
type CreateUserRequest struct {
	ID           string `json:"id"`
	ReferralCode string `json:"referral_code"`
	ReferrerCode string `json:"referrer_code,omitempty"`
}

// IngestPurchaseRequest notifies the engine of a purchase. Approved purchases
// are credited synchronously; other statuses are mirrored for later passes.
type IngestPurchaseRequest struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id,omitempty"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreditDTO reports one applied (or already-present) commission.
type CreditDTO struct {
	EntryID     string `json:"entry_id"`
	Beneficiary string `json:"beneficiary"`
	Tier        int    `json:"tier"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	Applied     bool   `json:"applied"`
}

// IngestPurchaseResponse is returned from purchase ingestion.
type IngestPurchaseResponse struct {
	PurchaseID string      `json:"purchase_id"`
	Credits    []CreditDTO `json:"credits"`
}

// BalanceDTO is the balance aggregate in API responses.
type BalanceDTO struct {
	UserID        string `json:"user_id"`
	TotalEarnings int64  `json:"total_earnings"`
	Available     int64  `json:"available"`
	Pending       int64  `json:"pending"`
	Processing    int64  `json:"processing"`
	Withdrawn     int64  `json:"withdrawn"`
	LastSyncedAt  string `json:"last_synced_at"`
}

// EntryDTO is a ledger entry in API responses.
type EntryDTO struct {
	ID          string          `json:"id"`
	Direction   string          `json:"direction"`
	Category    string          `json:"category"`
	Amount      int64           `json:"amount"`
	Status      string          `json:"status"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Tier        int             `json:"tier,omitempty"`
	MaturesAt   string          `json:"matures_at,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// BalanceSummaryDTO is the dashboard projection: the aggregate plus recent
// ledger activity.
type BalanceSummaryDTO struct {
	Balance BalanceDTO `json:"balance"`
	Recent  []EntryDTO `json:"recent"`
}

// ReconciliationRunDTO is a recorded reconciliation run.
type ReconciliationRunDTO struct {
	ID            string `json:"id"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	PurchasesSeen int    `json:"purchases_seen"`
	CreditsAdded  int    `json:"credits_added"`
	UsersResynced int    `json:"users_resynced"`
	Failures      int    `json:"failures"`
	Tier1Total    int64  `json:"tier1_total"`
	Tier2Total    int64  `json:"tier2_total"`
	TotalAmount   int64  `json:"total_amount"`
	Error         string `json:"error,omitempty"`
}

// AdjustmentRequest is a manual ledger correction. Direction "credit" raises
// the user's balance, "debit" lowers it; the reason is mandatory for audit.
type AdjustmentRequest struct {
	UserID    string `json:"user_id"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id,omitempty"`
}

// AdjustmentResponse returns the created entry and the rebuilt balance.
type AdjustmentResponse struct {
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// DOMAIN -> DTO MAPPING
// =============================================================================

func toUserDTO(u referral.User) UserDTO {
	return UserDTO{
		ID:           string(u.ID),
		ReferralCode: u.ReferralCode,
		ReferredBy:   string(u.ReferredBy),
		CreatedAt:    formatTime(u.CreatedAt),
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:        string(b.UserID),
		TotalEarnings: b.TotalEarnings.Value.IntPart(),
		Available:     b.Available.Value.IntPart(),
		Pending:       b.Pending.Value.IntPart(),
		Processing:    b.Processing.Value.IntPart(),
		Withdrawn:     b.Withdrawn.Value.IntPart(),
		LastSyncedAt:  formatTime(b.LastSyncedAt),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:          string(e.ID),
		Direction:   string(e.Direction),
		Category:    string(e.Category),
		Amount:      e.Amount.Value.IntPart(),
		Status:      string(e.Status),
		ReferenceID: e.ReferenceID,
		Tier:        int(e.Tier),
		Metadata:    e.Metadata,
		CreatedAt:   formatTime(e.CreatedAt),
	}
	if e.MaturesAt != nil {
		dto.MaturesAt = formatTime(*e.MaturesAt)
	}
	return dto
}

func toSummaryDTO(s balance.Summary) BalanceSummaryDTO {
	recent := make([]EntryDTO, 0, len(s.Recent))
	for _, e := range s.Recent {
		recent = append(recent, toEntryDTO(e))
	}
	return BalanceSummaryDTO{Balance: toBalanceDTO(s.Balance), Recent: recent}
}

func toRunDTO(r reconcile.Run) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:            r.ID,
		StartedAt:     formatTime(r.StartedAt),
		FinishedAt:    formatTime(r.FinishedAt),
		PurchasesSeen: r.PurchasesSeen,
		CreditsAdded:  r.CreditsAdded,
		UsersResynced: r.UsersResynced,
		Failures:      r.Failures,
		Tier1Total:    r.Tier1Total.Value.IntPart(),
		Tier2Total:    r.Tier2Total.Value.IntPart(),
		TotalAmount:   r.TotalAmount.Value.IntPart(),
		Error:         r.Error,
	}
}
