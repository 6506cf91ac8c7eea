/*
engine.go - The reconciliation pass

PURPOSE:
  Scan approved purchases lacking ledger entries, invoke the crediting
  operation for any gaps, release matured pending commissions, then resync
  the aggregates of every touched beneficiary. Produces a recorded summary
  for audit — the report drives no further automated action.

PER-PURCHASE STATE MACHINE:
  Unprocessed -> (tier1 exists?) -> CreditTier1
              -> (tier1 has own referrer?) -> CreditTier2 -> Done
  Each transition goes through commission.Creditor, which is idempotent, so
  the whole pass is safe to re-run. A second run over the same data adds
  zero credits.

FAILURE ISOLATION:
  One purchase's crediting error (missing price, bad record) is logged with
  the purchase id and counted; the batch continues. The batch aborts only
  on scan-level failures. A retryable storage failure additionally pins the
  cursor at the failed purchase, so the next incremental pass rescans it.

SEE ALSO:
  - commission/creditor.go: The shared crediting operation
  - balance/maintainer.go: Resync of touched users
  - api/scheduler.go: Cron-driven invocation
*/
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/balance"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

// scanBatchSize bounds one scan page. The engine loops pages until the scan
// is exhausted, so the value only affects memory, not completeness.
const scanBatchSize = 500

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs reconciliation passes.
type Engine struct {
	Purchases PurchaseStore
	Ledger    ledger.TxStore
	Resolver  *referral.Resolver
	Creditor  *commission.Creditor
	Balances  *balance.Maintainer

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewEngine(purchases PurchaseStore, store ledger.TxStore, resolver *referral.Resolver, creditor *commission.Creditor, balances *balance.Maintainer) *Engine {
	return &Engine{
		Purchases: purchases,
		Ledger:    store,
		Resolver:  resolver,
		Creditor:  creditor,
		Balances:  balances,
		Now:       time.Now,
	}
}

// Options controls a single run.
type Options struct {
	// Full ignores the cursor and rescans all purchase history. Slower but
	// equally correct — idempotent crediting makes rescans harmless.
	Full bool
}

// Run executes one reconciliation pass and records the report.
func (e *Engine) Run(ctx context.Context, opts Options) (Run, error) {
	now := e.now()
	run := Run{
		ID:          uuid.NewString(),
		StartedAt:   now,
		Tier1Total:  ledger.Zero(),
		Tier2Total:  ledger.Zero(),
		TotalAmount: ledger.Zero(),
	}

	cursor, err := e.Purchases.Cursor(ctx)
	if err != nil {
		return run, err
	}
	run.CursorBefore = cursor

	watermark := cursor
	if opts.Full {
		watermark = time.Time{}
	}

	touched := make(map[ledger.UserID]bool)
	newCursor := cursor

	// Earliest created_at among purchases that failed retryably this pass.
	var holdAt time.Time
	var hold bool

	var afterID ledger.PurchaseID
	for {
		page, err := e.Purchases.ApprovedPurchasesSince(ctx, watermark, afterID, scanBatchSize)
		if err != nil {
			run.Error = err.Error()
			run.FinishedAt = e.now()
			e.saveRun(ctx, run)
			return run, err
		}
		if len(page) == 0 {
			break
		}

		for _, p := range page {
			run.PurchasesSeen++
			if e.processPurchase(ctx, p, &run, touched) && (!hold || p.CreatedAt.Before(holdAt)) {
				hold, holdAt = true, p.CreatedAt
			}
			if p.CreatedAt.After(newCursor) {
				newCursor = p.CreatedAt
			}
			watermark = p.CreatedAt
			afterID = p.ID
		}

		if len(page) < scanBatchSize {
			break
		}
	}

	// A retryable failure pins the watermark at the failed purchase so the
	// next incremental pass rescans it. The scan is inclusive of the
	// watermark second, and idempotent crediting makes the overlap a no-op
	// for everything already applied.
	if hold && holdAt.Before(newCursor) {
		newCursor = holdAt
	}

	// Promote matured pending commissions so their beneficiaries resync into
	// the available bucket.
	released, err := e.Ledger.ReleaseMatured(ctx, e.now())
	if err != nil {
		log.WithError(err).Error("maturity release failed")
		run.Failures++
	}
	for _, entry := range released {
		touched[entry.Beneficiary] = true
	}

	for userID := range touched {
		if _, err := e.Balances.Resync(ctx, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("resync failed")
			run.Failures++
			continue
		}
		run.UsersResynced++
	}

	if err := e.Purchases.SetCursor(ctx, newCursor); err != nil {
		log.WithError(err).Error("cursor update failed")
		run.Failures++
	}
	run.CursorAfter = newCursor
	run.FinishedAt = e.now()

	e.saveRun(ctx, run)

	log.WithFields(log.Fields{
		"run_id":         run.ID,
		"purchases_seen": run.PurchasesSeen,
		"credits_added":  run.CreditsAdded,
		"users_resynced": run.UsersResynced,
		"tier1_total":    run.Tier1Total.String(),
		"tier2_total":    run.Tier2Total.String(),
		"failures":       run.Failures,
	}).Info("reconciliation run complete")
	return run, nil
}

// processPurchase walks one purchase through the crediting state machine.
// Errors are isolated: logged, counted, and the batch continues. The return
// reports whether the purchase failed retryably and must stay behind the
// cursor.
func (e *Engine) processPurchase(ctx context.Context, p Purchase, run *Run, touched map[ledger.UserID]bool) (retry bool) {
	if p.Status != PurchaseApproved {
		return false
	}
	if !p.Amount.IsPositive() {
		log.WithFields(log.Fields{
			"purchase_id": p.ID,
			"amount":      p.Amount.String(),
		}).Warn("purchase excluded: invalid amount")
		run.Failures++
		return false
	}

	tier1, tier2, retryResolve := e.beneficiaries(ctx, p)
	if tier1 == "" {
		// No referrer at all: nothing to credit, purchase is processed
		// unless the resolver itself failed transiently.
		return retryResolve
	}

	applied, amount, r := e.creditTier(ctx, p, tier1, ledger.Tier1, run)
	if applied {
		run.Tier1Total = run.Tier1Total.Add(amount)
		touched[tier1] = true
	}
	retry = r

	if tier2 != "" {
		applied, amount, r = e.creditTier(ctx, p, tier2, ledger.Tier2, run)
		if applied {
			run.Tier2Total = run.Tier2Total.Add(amount)
			touched[tier2] = true
		}
		retry = retry || r
	}
	return retry
}

// beneficiaries prefers the affiliates recorded on the purchase; when absent
// it falls back to resolving the current graph.
func (e *Engine) beneficiaries(ctx context.Context, p Purchase) (tier1, tier2 ledger.UserID, retry bool) {
	if p.AffiliateID != "" {
		return p.AffiliateID, p.Tier2AffiliateID, false
	}
	b, err := e.Resolver.ResolveBeneficiaries(ctx, p.UserID)
	if err != nil {
		log.WithError(err).WithField("purchase_id", p.ID).Warn("beneficiary resolution failed")
		return "", "", ledger.IsRetryable(err)
	}
	return b.Tier1, b.Tier2, false
}

func (e *Engine) creditTier(ctx context.Context, p Purchase, beneficiary ledger.UserID, tier ledger.Tier, run *Run) (bool, ledger.Money, bool) {
	res, err := e.Creditor.CreditForPrice(ctx, commission.CreditRequest{
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
		}).Error("crediting failed")
		run.Failures++
		return false, ledger.Zero(), ledger.IsRetryable(err)
	}
	if !res.Applied {
		return false, ledger.Zero(), false
	}
	run.CreditsAdded++
	run.TotalAmount = run.TotalAmount.Add(res.Entry.Amount)
	return true, res.Entry.Amount, false
}

func (e *Engine) saveRun(ctx context.Context, run Run) {
	if err := e.Purchases.SaveRun(ctx, run); err != nil {
		log.WithError(err).WithField("run_id", run.ID).Error("failed to record reconciliation run")
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
