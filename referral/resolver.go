/*
Package referral resolves the two-level referral graph.

PURPOSE:
  Given a purchaser, determine who earns commissions: the direct referrer
  (tier 1) and the referrer's referrer (tier 2). Also owns the one-time
  assignment of a user's referrer via referral code.

GRAPH SHAPE:
  Users form a forest: each user has at most one ReferredBy pointer and
  cycles must not occur. ReferredBy is write-once — once set it never
  changes, which prevents retroactive reattribution of past purchases.

CYCLE REJECTION:
  Assigning user U's referrer to R is rejected when R == U or when U appears
  anywhere in R's ancestor chain (R being a descendant of U would close a
  loop). The walk is depth-capped as a guard against corrupt data.

SEE ALSO:
  - commission/creditor.go: Consumes resolved beneficiaries
  - store/sqlite/sqlite.go: UserStore implementation
*/
package referral

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/ledger"
)

// maxAncestorDepth caps the referrer chain walk. A legitimate chain is at
// most a handful of levels; anything deeper indicates corrupt data.
const maxAncestorDepth = 64

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrReferrerNotFound is a soft condition: no user matches the supplied
	// referral code. Crediting for that tier is simply skipped.
	ErrReferrerNotFound = errors.New("referrer not found")

	// ErrSelfReferral is returned when a user tries to refer themselves.
	ErrSelfReferral = errors.New("self referral not allowed")

	// ErrReferralCycle is returned when an assignment would close a loop in
	// the referral graph.
	ErrReferralCycle = errors.New("referral cycle detected")

	// ErrReferrerAlreadySet is returned when a user already has a referrer.
	// ReferredBy is write-once.
	ErrReferrerAlreadySet = errors.New("referrer already set")
)

// =============================================================================
// TYPES
// =============================================================================

// User is the slice of the identity subsystem this engine needs: an ID, a
// referral code others can sign up with, and the back-reference to whoever
// referred this user.
type User struct {
	ID           ledger.UserID
	ReferralCode string
	ReferredBy   ledger.UserID // "" when the user has no referrer
	CreatedAt    time.Time
}

// Beneficiaries holds the commission recipients for a purchase.
// An empty UserID means "no beneficiary at that tier".
type Beneficiaries struct {
	Tier1 ledger.UserID
	Tier2 ledger.UserID
}

// UserStore is the persistence contract for the referral graph.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id ledger.UserID) (*User, error)
	GetUserByCode(ctx context.Context, code string) (*User, error)

	// SetReferrer assigns ReferredBy once. Implementations must only update
	// rows where ReferredBy is still unset and return ErrReferrerAlreadySet
	// otherwise, so the write-once invariant holds under concurrency.
	SetReferrer(ctx context.Context, userID, referrerID ledger.UserID) error
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver walks the referral graph.
type Resolver struct {
	Users UserStore
}

func NewResolver(users UserStore) *Resolver {
	return &Resolver{Users: users}
}

// ResolveBeneficiaries returns the tier-1 and tier-2 beneficiaries for a
// purchaser. Missing links are not errors: a purchaser with no referrer
// yields an empty result, and a tier-1 referrer without their own referrer
// yields only Tier1.
func (r *Resolver) ResolveBeneficiaries(ctx context.Context, purchaser ledger.UserID) (Beneficiaries, error) {
	var b Beneficiaries

	u, err := r.Users.GetUser(ctx, purchaser)
	if err != nil {
		return b, err
	}
	if u.ReferredBy == "" {
		return b, nil
	}
	b.Tier1 = u.ReferredBy

	t1, err := r.Users.GetUser(ctx, u.ReferredBy)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Dangling pointer: tier-1 user was removed. Keep tier-1 credit
			// target as recorded, skip tier-2.
			log.WithField("user_id", u.ReferredBy).Warn("tier-1 referrer record missing")
			return b, nil
		}
		return b, err
	}
	b.Tier2 = t1.ReferredBy

	return b, nil
}

// AssignReferrerByCode resolves a referral code and persists it as the user's
// referrer. The assignment is one-time and rejects self-referral and cycles.
func (r *Resolver) AssignReferrerByCode(ctx context.Context, userID ledger.UserID, code string) error {
	u, err := r.Users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.ReferredBy != "" {
		return ErrReferrerAlreadySet
	}

	referrer, err := r.Users.GetUserByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrReferrerNotFound
		}
		return err
	}

	if referrer.ID == userID {
		return ErrSelfReferral
	}
	if err := r.checkNoCycle(ctx, userID, referrer.ID); err != nil {
		return err
	}

	if err := r.Users.SetReferrer(ctx, userID, referrer.ID); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"user_id":     userID,
		"referrer_id": referrer.ID,
	}).Info("referrer assigned")
	return nil
}

// checkNoCycle rejects the assignment if userID appears in the referrer's
// ancestor chain — that would make the referrer a descendant of the user and
// close a loop.
func (r *Resolver) checkNoCycle(ctx context.Context, userID, referrerID ledger.UserID) error {
	current := referrerID
	for depth := 0; depth < maxAncestorDepth && current != ""; depth++ {
		if current == userID {
			return ErrReferralCycle
		}
		ancestor, err := r.Users.GetUser(ctx, current)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil
			}
			return err
		}
		current = ancestor.ReferredBy
	}
	if current != "" {
		return ErrReferralCycle
	}
	return nil
}
