/*
ledger.go - Ledger service and balance replay

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every commission, withdrawal, refund, and adjustment is recorded here.
  The balance projection is always recomputable by replaying entries —
  Replay below is the single authoritative definition of that computation.

CRITICAL INVARIANTS:
  1. APPEND-MOSTLY: Entries are never deleted; only status transitions occur
  2. IDEMPOTENT: One commission entry per (beneficiary, purchase, tier),
     enforced by the storage layer's UNIQUE index
  3. AUDITABLE: Every balance change is traceable to a reference and metadata

REPLAY RULES (one bucket per entry, by category/direction/status):
  completed credit                -> Available +
  completed debit                 -> Available -
  pending commission credit       -> Pending +
  pending withdrawal debit        -> Processing +
  completed withdrawal debit      -> Withdrawn + (also subtracts from Available)
  commission credit (any live)    -> TotalEarnings +
  failed/cancelled                -> ignored

SEE ALSO:
  - store.go: Persistence interfaces
  - balance/maintainer.go: Uses Replay for resync
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER SERVICE
// =============================================================================

// Ledger wraps an EntryStore with the append contract and read paths.
type Ledger struct {
	Store EntryStore
}

func New(store EntryStore) *Ledger {
	return &Ledger{Store: store}
}

// Append records an entry. A duplicate commission entry surfaces as
// ErrDuplicateEntry; callers decide whether that is a no-op (crediting) or a
// bug (anything else).
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if !e.Amount.IsPositive() {
		return &InvalidAmountError{Amount: e.Amount, Reason: "entry amount must be positive"}
	}
	return l.Store.AppendEntry(ctx, e)
}

// History returns the most recent entries for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.Store.EntriesByUser(ctx, userID, limit)
}

// =============================================================================
// REPLAY - The authoritative balance computation
// =============================================================================

// Replay computes a Balance strictly from a user's entry history. This is the
// repair mechanism when the stored aggregate is suspected to have drifted:
// whatever the balances table says, Replay over the ledger is the truth.
func Replay(userID UserID, entries []Entry, at time.Time) Balance {
	b := NewBalance(userID)
	b.LastSyncedAt = at

	for _, e := range entries {
		if e.Status == StatusFailed || e.Status == StatusCancelled {
			continue
		}

		if e.Category == CategoryCommission && e.Direction == Credit {
			b.TotalEarnings = b.TotalEarnings.Add(e.Amount)
		}

		switch {
		case e.Direction == Credit && e.IsSettled():
			b.Available = b.Available.Add(e.Amount)
		case e.Direction == Credit && e.Status == StatusPending:
			b.Pending = b.Pending.Add(e.Amount)
		case e.Direction == Debit && e.IsSettled():
			b.Available = b.Available.Sub(e.Amount)
			if e.Category == CategoryWithdrawal {
				b.Withdrawn = b.Withdrawn.Add(e.Amount)
			}
		case e.Direction == Debit && e.Status == StatusPending:
			if e.Category == CategoryWithdrawal {
				b.Processing = b.Processing.Add(e.Amount)
			}
		}
	}

	return b
}
