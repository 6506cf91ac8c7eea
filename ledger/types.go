/*
Package ledger provides the core commission ledger types.

PURPOSE:
  This package contains the domain-agnostic pieces of the commission engine:
  money amounts, immutable ledger entries, the balance aggregate, and the
  persistence contracts. The ledger is the source of truth for all balance
  state — the balances table is a projection that can always be rebuilt by
  replaying entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A whole-currency-unit amount backed by decimal.Decimal
  - Entry: An immutable ledger record of a single credit or debit
  - Balance: The per-user aggregate (available/pending/processing/withdrawn)
  - Metadata: A category-keyed union — each entry category carries its own
    fixed field set, no free-form bags

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified except for status transitions
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/purchase IDs
  4. Auditability: Every entry carries its reference, tier, and metadata

USAGE:
  entry := ledger.Entry{
      ID:          ledger.NewEntryID(),
      Beneficiary: "user-42",
      Direction:   ledger.Credit,
      Category:    ledger.CategoryCommission,
      Amount:      ledger.NewMoney(1299),
      Tier:        ledger.Tier1,
  }

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Ledger service wrapping a Store
  - errors.go: Sentinel errors and helpers
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Whole currency units, decimal-backed
// =============================================================================

// Money is an amount in whole currency units. Commission computation may
// produce fractional intermediates, but everything written to the ledger has
// already been rounded by the commission policy.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(units int64) Money {
	return Money{Value: decimal.NewFromInt(units)}
}

func NewMoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Value: d}
}

func Zero() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money        { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money        { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money               { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool       { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) String() string           { return m.Value.String() }

func (m Money) MarshalJSON() ([]byte, error) { return m.Value.MarshalJSON() }

func (m *Money) UnmarshalJSON(b []byte) error { return m.Value.UnmarshalJSON(b) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type PurchaseID string

// NewEntryID returns a fresh unique entry identifier.
func NewEntryID() EntryID {
	return EntryID(uuid.NewString())
}

// =============================================================================
// ENTRY - Immutable record of a single credit or debit
// =============================================================================

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

type Category string

const (
	CategoryCommission Category = "commission"
	CategoryWithdrawal Category = "withdrawal"
	CategoryRefund     Category = "refund"
	CategoryAdjustment Category = "adjustment"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Tier identifies which referral level earned a commission.
// TierNone is used for non-commission entries.
type Tier int

const (
	TierNone Tier = 0
	Tier1    Tier = 1
	Tier2    Tier = 2
)

// Entry is a single ledger record.
//
// INVARIANTS:
//   - Immutable after creation, except Status (pending -> completed,
//     pending -> failed/cancelled).
//   - For (Beneficiary, ReferenceID, CategoryCommission, Tier) at most one
//     entry exists. This is enforced by a UNIQUE index at the storage layer,
//     not by application-level checks.
type Entry struct {
	ID          EntryID
	Beneficiary UserID
	Direction   Direction
	Category    Category
	Amount      Money
	Status      Status
	ReferenceID string // PurchaseID for commissions, payout/adjustment ref otherwise
	Tier        Tier   // TierNone unless Category == commission

	// MaturesAt is set on pending commission credits subject to a holding
	// period. The reconciliation engine promotes the entry to completed once
	// this time has passed.
	MaturesAt *time.Time

	Metadata  Metadata
	CreatedAt time.Time
}

// IsSettled reports whether the entry contributes to the available balance.
func (e Entry) IsSettled() bool {
	return e.Status == StatusCompleted
}

// =============================================================================
// METADATA - Category-keyed union, one variant per entry category
// =============================================================================

// Metadata carries the category-specific context of an entry. Exactly one
// variant is set, matching the entry's Category. Consumers switch on the
// populated variant and can handle each case exhaustively.
type Metadata struct {
	Commission *CommissionMetadata
	Withdrawal *WithdrawalMetadata
	Refund     *RefundMetadata
	Adjustment *AdjustmentMetadata
}

type CommissionMetadata struct {
	PurchaseID  PurchaseID `json:"purchase_id"`
	PurchaserID UserID     `json:"purchaser_id"`
	PackageID   string     `json:"package_id,omitempty"`
	Rate        string     `json:"rate"` // e.g. "0.65"
}

type WithdrawalMetadata struct {
	Method      string `json:"method"`
	Destination string `json:"destination,omitempty"`
}

type RefundMetadata struct {
	OriginalEntryID EntryID `json:"original_entry_id"`
	Reason          string  `json:"reason,omitempty"`
}

type AdjustmentMetadata struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}

// metadataEnvelope is the wire form: a category tag plus the variant payload.
type metadataEnvelope struct {
	Category   Category        `json:"category"`
	Commission json.RawMessage `json:"commission,omitempty"`
	Withdrawal json.RawMessage `json:"withdrawal,omitempty"`
	Refund     json.RawMessage `json:"refund,omitempty"`
	Adjustment json.RawMessage `json:"adjustment,omitempty"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	env := metadataEnvelope{}
	var err error
	switch {
	case m.Commission != nil:
		env.Category = CategoryCommission
		env.Commission, err = json.Marshal(m.Commission)
	case m.Withdrawal != nil:
		env.Category = CategoryWithdrawal
		env.Withdrawal, err = json.Marshal(m.Withdrawal)
	case m.Refund != nil:
		env.Category = CategoryRefund
		env.Refund, err = json.Marshal(m.Refund)
	case m.Adjustment != nil:
		env.Category = CategoryAdjustment
		env.Adjustment, err = json.Marshal(m.Adjustment)
	default:
		return []byte("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	*m = Metadata{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	switch env.Category {
	case CategoryCommission:
		m.Commission = &CommissionMetadata{}
		return json.Unmarshal(env.Commission, m.Commission)
	case CategoryWithdrawal:
		m.Withdrawal = &WithdrawalMetadata{}
		return json.Unmarshal(env.Withdrawal, m.Withdrawal)
	case CategoryRefund:
		m.Refund = &RefundMetadata{}
		return json.Unmarshal(env.Refund, m.Refund)
	case CategoryAdjustment:
		m.Adjustment = &AdjustmentMetadata{}
		return json.Unmarshal(env.Adjustment, m.Adjustment)
	case "":
		return nil
	default:
		return fmt.Errorf("unknown metadata category %q", env.Category)
	}
}

// =============================================================================
// BALANCE - Per-user aggregate, fully derivable from entries
// =============================================================================

// Balance is the queryable projection of a user's ledger state.
//
// INVARIANT (when last synced):
//   Available = sum(completed credits) - sum(completed debits)
//
// Balance rows are created lazily on first credit and mutated only by the
// crediting operation and the reconciliation engine.
type Balance struct {
	UserID        UserID
	TotalEarnings Money // all commission credits, pending or completed
	Available     Money
	Pending       Money // commission credits awaiting maturity
	Processing    Money // withdrawal debits in flight
	Withdrawn     Money // completed withdrawal debits
	LastSyncedAt  time.Time
}

// NewBalance returns a zeroed balance for a user.
func NewBalance(userID UserID) Balance {
	return Balance{
		UserID:        userID,
		TotalEarnings: Zero(),
		Available:     Zero(),
		Pending:       Zero(),
		Processing:    Zero(),
		Withdrawn:     Zero(),
	}
}
