/*
store.go - Persistence interfaces for entries and balances

PURPOSE:
  Defines the contract between the domain logic and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  EntryStore:   Entry persistence (append, status transitions, queries)
  BalanceStore: Balance row persistence with atomic increments
  Tx:           Both of the above, usable inside a transaction
  TxStore:      Adds WithTx for atomic multi-write units

IDEMPOTENCY CONTRACT:
  AppendEntry must enforce at-most-one commission entry per
  (beneficiary, reference, tier) via a storage-level UNIQUE constraint and
  map violations to ErrDuplicateEntry. A read-then-write check in application
  code is NOT sufficient — it races under concurrent crediting.

ATOMICITY CONTRACT:
  The crediting operation runs entry insert + balance increment inside one
  WithTx unit. Either both commit or neither does. Balance increments are
  single statements (x = x + delta), never read-modify-write in Go, so
  concurrent credits for the same beneficiary cannot lose updates.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level service using these interfaces
  - commission/creditor.go: The one writer of commission entries
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

// EntryStore handles persistence of ledger entries. Entries are append-mostly:
// the only mutation is a status transition.
type EntryStore interface {
	// AppendEntry persists an entry. Returns ErrDuplicateEntry if the
	// commission uniqueness constraint is violated.
	AppendEntry(ctx context.Context, e Entry) error

	// GetEntry returns an entry by ID, or ErrEntryNotFound.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// FindCommissionEntry returns the commission entry for the idempotency
	// key (beneficiary, purchase, tier), or nil if none exists.
	FindCommissionEntry(ctx context.Context, beneficiary UserID, purchaseID PurchaseID, tier Tier) (*Entry, error)

	// EntriesByUser returns the most recent entries for a user, newest first.
	EntriesByUser(ctx context.Context, userID UserID, limit int) ([]Entry, error)

	// AllEntriesByUser returns every entry for a user, chronologically.
	// This is the resync read path.
	AllEntriesByUser(ctx context.Context, userID UserID) ([]Entry, error)

	// TransitionStatus moves an entry from one status to another. Returns
	// ErrInvalidStatusTransition if the entry is not in the expected status.
	TransitionStatus(ctx context.Context, id EntryID, from, to Status) error

	// ReleaseMatured promotes pending commission credits whose MaturesAt has
	// passed to completed, returning the promoted entries.
	ReleaseMatured(ctx context.Context, asOf time.Time) ([]Entry, error)

	// CommissionBeneficiaries returns the distinct set of users that have
	// commission entries. Used by reconciliation to know who to resync.
	CommissionBeneficiaries(ctx context.Context) ([]UserID, error)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

// BalanceStore handles persistence of the per-user balance projection.
type BalanceStore interface {
	// EnsureBalance creates a zeroed balance row if none exists (get-or-create
	// semantics, implemented as INSERT ... ON CONFLICT DO NOTHING).
	EnsureBalance(ctx context.Context, userID UserID) error

	// GetBalance returns the balance row, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, userID UserID) (*Balance, error)

	// ApplyCredit atomically increments total_earnings and either the pending
	// or available bucket by amount, stamping last_synced_at. This must be a
	// single SQL statement so concurrent credits serialize at the database.
	ApplyCredit(ctx context.Context, userID UserID, amount Money, toPending bool, at time.Time) error

	// SaveBalance overwrites the stored aggregate. Used only by resync.
	SaveBalance(ctx context.Context, b Balance) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the set of operations available inside a transaction.
type Tx interface {
	EntryStore
	BalanceStore
}

// TxStore wraps the stores with transaction support. Use WithTx when an
// operation must apply multiple writes as one atomic unit.
type TxStore interface {
	Tx

	// WithTx executes fn within a transaction. If fn returns an error, the
	// transaction is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
