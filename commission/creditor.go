/*
creditor.go - Idempotent commission crediting

PURPOSE:
  The one writer of commission ledger entries. For a given
  (purchase, beneficiary, tier) it either creates exactly one entry and
  updates the aggregate balance, or safely no-ops if already applied.

IDEMPOTENCY:
  The insert itself is the idempotency check: the storage layer's UNIQUE
  index on (beneficiary, reference, category, tier) rejects duplicates
  atomically. There is deliberately NO read-before-write here — that
  pattern races under concurrent crediting (e.g. the synchronous approval
  path and a reconciliation pass hitting the same purchase).

ATOMICITY:
  Entry insert + balance increment run inside one WithTx unit. A failed or
  partial crediting operation leaves no state behind: either both commit or
  neither does. Storage timeouts are "unknown outcome, safe to retry".

CALLERS:
  - api handlers: synchronous crediting at purchase-approval time
  - reconcile.Engine: batch gap repair
  Both share this operation, so correctness never depends on the caller.

SEE ALSO:
  - calculator.go: Computes the amounts credited here
  - ledger/store.go: The WithTx and AppendEntry contracts
*/
package commission

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// CREDITOR
// =============================================================================

// Creditor applies commission credits to the ledger and balance projection.
type Creditor struct {
	Store  ledger.TxStore
	Policy Policy

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewCreditor(store ledger.TxStore, policy Policy) *Creditor {
	return &Creditor{Store: store, Policy: policy, Now: time.Now}
}

// CreditRequest identifies a single commission to apply.
type CreditRequest struct {
	PurchaseID  ledger.PurchaseID
	PurchaserID ledger.UserID // for metadata/audit
	PackageID   string
	Beneficiary ledger.UserID
	Tier        ledger.Tier
	Amount      ledger.Money
}

// CreditResult reports what happened.
type CreditResult struct {
	Entry ledger.Entry

	// Applied is false when the commission had already been credited and
	// this call was a no-op. The existing entry is returned either way.
	Applied bool
}

// Credit applies one commission. Duplicate credits are a successful no-op,
// never an error.
func (c *Creditor) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	if !req.Amount.IsPositive() {
		return CreditResult{}, &ledger.InvalidAmountError{Amount: req.Amount, Reason: "commission amount must be positive"}
	}
	if req.Beneficiary == "" {
		return CreditResult{}, fmt.Errorf("credit commission: beneficiary required")
	}

	now := c.now()
	entry := c.buildEntry(req, now)

	err := c.Store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.EnsureBalance(ctx, req.Beneficiary); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		toPending := entry.Status == ledger.StatusPending
		return tx.ApplyCredit(ctx, req.Beneficiary, req.Amount, toPending, now)
	})

	if err != nil {
		if ledger.IsDuplicate(err) {
			existing, findErr := c.Store.FindCommissionEntry(ctx, req.Beneficiary, req.PurchaseID, req.Tier)
			if findErr != nil {
				return CreditResult{}, findErr
			}
			if existing == nil {
				// Constraint fired but the row is gone: only possible if a
				// concurrent transaction rolled back. Retry is safe.
				return CreditResult{}, fmt.Errorf("%w: duplicate detected but entry not found", ledger.ErrPersistence)
			}
			log.WithFields(log.Fields{
				"purchase_id": req.PurchaseID,
				"user_id":     req.Beneficiary,
				"tier":        req.Tier,
			}).Debug("commission already credited, no-op")
			return CreditResult{Entry: *existing, Applied: false}, nil
		}
		return CreditResult{}, err
	}

	log.WithFields(log.Fields{
		"purchase_id": req.PurchaseID,
		"user_id":     req.Beneficiary,
		"tier":        req.Tier,
		"amount":      req.Amount.String(),
		"status":      entry.Status,
	}).Info("commission credited")
	return CreditResult{Entry: entry, Applied: true}, nil
}

// CreditForPrice computes the commission from the package price and credits
// it. Convenience for callers that hold the raw price.
func (c *Creditor) CreditForPrice(ctx context.Context, req CreditRequest, price ledger.Money) (CreditResult, error) {
	amount, err := c.Policy.Commission(price, req.Tier)
	if err != nil {
		return CreditResult{}, err
	}
	req.Amount = amount
	return c.Credit(ctx, req)
}

func (c *Creditor) buildEntry(req CreditRequest, now time.Time) ledger.Entry {
	rate, _ := c.Policy.Rate(req.Tier)

	entry := ledger.Entry{
		ID:          ledger.NewEntryID(),
		Beneficiary: req.Beneficiary,
		Direction:   ledger.Credit,
		Category:    ledger.CategoryCommission,
		Amount:      req.Amount,
		Status:      ledger.StatusCompleted,
		ReferenceID: string(req.PurchaseID),
		Tier:        req.Tier,
		Metadata: ledger.Metadata{
			Commission: &ledger.CommissionMetadata{
				PurchaseID:  req.PurchaseID,
				PurchaserID: req.PurchaserID,
				PackageID:   req.PackageID,
				Rate:        rate.String(),
			},
		},
		CreatedAt: now,
	}

	if c.Policy.HoldPeriod > 0 {
		maturesAt := now.Add(c.Policy.HoldPeriod)
		entry.Status = ledger.StatusPending
		entry.MaturesAt = &maturesAt
	}
	return entry
}

func (c *Creditor) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
