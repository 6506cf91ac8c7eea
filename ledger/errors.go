/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All ledger-level error types in one place for consistency and
  discoverability. Domain packages (commission, referral, reconcile) wrap
  these with additional context.

ERROR CATEGORIES:
  1. Idempotency - Duplicate entry detection (expected, not a failure)
  2. Validation - Invalid amounts and status transitions
  3. Store - Persistence-level failures

USAGE:
  if errors.Is(err, ledger.ErrDuplicateEntry) {
      // already credited, safe no-op
  }

SEE ALSO:
  - store.go: Store implementations map UNIQUE violations to ErrDuplicateEntry
  - commission/creditor.go: Treats ErrDuplicateEntry as success
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEntry is returned when inserting an entry that violates the
	// commission uniqueness constraint. This is expected behavior for retries
	// and for re-running reconciliation; callers treat it as a no-op.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrBalanceNotFound is returned when no balance row exists for a user.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInvalidStatusTransition is returned for disallowed status changes
	// (entries only move pending -> completed/failed/cancelled).
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrPersistence is returned for transient storage failures. Safe to
	// retry: the uniqueness constraint makes retries harmless.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateEntryError carries the idempotency key of a rejected insert.
type DuplicateEntryError struct {
	Beneficiary UserID
	ReferenceID string
	Tier        Tier
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("duplicate commission entry: beneficiary=%s reference=%s tier=%d",
		e.Beneficiary, e.ReferenceID, e.Tier)
}

func (e *DuplicateEntryError) Unwrap() error { return ErrDuplicateEntry }

// InvalidAmountError carries the offending amount.
type InvalidAmountError struct {
	Amount Money
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsDuplicate returns true if the error indicates an already-applied write.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStatusTransition)
}
