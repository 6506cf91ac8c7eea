/*
Package reconcile repairs missing or drifted commission state from history.

PURPOSE (types.go):
  Purchase mirror records, the persistence contract for scanning them, and
  the recorded run report. The engine itself lives in engine.go.

PURCHASE MIRROR:
  The Order subsystem is external; approved purchases are mirrored here so
  the engine has a scan source. AffiliateID/Tier2AffiliateID capture the
  beneficiaries as resolved at approval time — later graph edits must not
  reattribute old purchases.

CURSOR:
  A watermark on purchase created_at keeps repeated runs from rescanning
  all of history. Scans are inclusive of the watermark second — timestamps
  carry second precision, so a purchase stamped in the same second as the
  cursor after a pass finished would otherwise be skipped forever.
  Correctness never depends on the cursor: crediting is idempotent, so the
  one-second overlap (and a full rescan) produces zero duplicate credits.
*/
package reconcile

import (
	"context"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// PURCHASE - Mirror of the external order record
// =============================================================================

type PurchaseStatus string

const (
	PurchaseApproved PurchaseStatus = "approved"
	PurchasePending  PurchaseStatus = "pending"
	PurchaseRejected PurchaseStatus = "rejected"
)

type Purchase struct {
	ID        ledger.PurchaseID
	UserID    ledger.UserID
	PackageID string
	Amount    ledger.Money
	Status    PurchaseStatus

	// Beneficiaries as resolved when the purchase was approved.
	// Empty means "none at that tier".
	AffiliateID      ledger.UserID
	Tier2AffiliateID ledger.UserID

	CreatedAt time.Time
}

// PurchaseStore is the persistence contract for the purchase mirror,
// reconciliation cursor, and run history.
type PurchaseStore interface {
	SavePurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id ledger.PurchaseID) (*Purchase, error)

	// ApprovedPurchasesSince returns approved purchases ordered by
	// (created_at, id), starting at the watermark inclusively. afterID is
	// the keyset position within the watermark second: rows with
	// created_at == watermark and id <= afterID are excluded, so callers
	// page with the last row's (created_at, id) without looping on a
	// second that holds more rows than the limit. An empty afterID admits
	// the whole watermark second.
	ApprovedPurchasesSince(ctx context.Context, watermark time.Time, afterID ledger.PurchaseID, limit int) ([]Purchase, error)

	// Cursor returns the current watermark (zero time when unset).
	Cursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, watermark time.Time) error

	SaveRun(ctx context.Context, r Run) error
	Runs(ctx context.Context, limit int) ([]Run, error)
}

// =============================================================================
// RUN - Recorded reconciliation report
// =============================================================================

// Run is the audit record of one reconciliation pass.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time

	PurchasesSeen int
	CreditsAdded  int
	UsersResynced int
	Failures      int

	Tier1Total  ledger.Money
	Tier2Total  ledger.Money
	TotalAmount ledger.Money

	CursorBefore time.Time
	CursorAfter  time.Time

	Error string // non-empty when the run itself (not a record) failed
}
