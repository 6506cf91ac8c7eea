/*
Package balance owns the per-user balance aggregate.

PURPOSE:
  Get-or-create, read-only summaries for downstream dashboards, and the
  authoritative resync that rebuilds the aggregate from the ledger.

RESYNC:
  resync recomputes available/pending/processing/withdrawn strictly from
  entry history (ledger.Replay) and overwrites the stored row. It is the
  only sanctioned repair for balance drift — never edit balances by hand.

MUTATION RULES:
  Balance rows are mutated only by the crediting operation and the
  reconciliation engine. Nothing UI-facing writes here.

SEE ALSO:
  - ledger/ledger.go: Replay, the computation resync applies
  - reconcile/engine.go: Calls Resync for every touched beneficiary
*/
package balance

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// MAINTAINER
// =============================================================================

// Maintainer manages balance aggregates over a ledger store.
type Maintainer struct {
	Store ledger.TxStore

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewMaintainer(store ledger.TxStore) *Maintainer {
	return &Maintainer{Store: store, Now: time.Now}
}

// GetOrCreate returns the user's balance, creating a zeroed row if absent.
func (m *Maintainer) GetOrCreate(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if err := m.Store.EnsureBalance(ctx, userID); err != nil {
		return ledger.Balance{}, err
	}
	b, err := m.Store.GetBalance(ctx, userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return *b, nil
}

// Summary is the read-only projection consumed by dashboards.
type Summary struct {
	Balance ledger.Balance
	Recent  []ledger.Entry
}

// GetSummary returns the balance plus the user's most recent ledger entries.
// A user with no balance row yet gets a zeroed balance, not an error.
func (m *Maintainer) GetSummary(ctx context.Context, userID ledger.UserID, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 20
	}

	b, err := m.Store.GetBalance(ctx, userID)
	if err != nil {
		if !errors.Is(err, ledger.ErrBalanceNotFound) {
			return Summary{}, err
		}
		zero := ledger.NewBalance(userID)
		b = &zero
	}

	recent, err := m.Store.EntriesByUser(ctx, userID, limit)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Balance: *b, Recent: recent}, nil
}

// Resync rebuilds the aggregate from entry history and overwrites the stored
// row. Runs inside a transaction so a half-written aggregate can't be
// observed.
func (m *Maintainer) Resync(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	now := m.now()
	var rebuilt ledger.Balance

	err := m.Store.WithTx(ctx, func(tx ledger.Tx) error {
		entries, err := tx.AllEntriesByUser(ctx, userID)
		if err != nil {
			return err
		}
		rebuilt = ledger.Replay(userID, entries, now)
		return tx.SaveBalance(ctx, rebuilt)
	})
	if err != nil {
		return ledger.Balance{}, err
	}

	log.WithFields(log.Fields{
		"user_id":   userID,
		"available": rebuilt.Available.String(),
		"pending":   rebuilt.Pending.String(),
	}).Debug("balance resynced")
	return rebuilt, nil
}

func (m *Maintainer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
