package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestCreditor(t *testing.T, policy commission.Policy) (*commission.Creditor, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return commission.NewCreditor(store, policy), store
}

// instantPolicy credits straight into the available bucket.
func instantPolicy() commission.Policy {
	p := commission.DefaultPolicy()
	p.HoldPeriod = 0
	return p
}

func creditReq(purchaseID, beneficiary string, tier ledger.Tier, amount int64) commission.CreditRequest {
	return commission.CreditRequest{
		PurchaseID:  ledger.PurchaseID(purchaseID),
		PurchaserID: "buyer-1",
		PackageID:   "pkg-gold",
		Beneficiary: ledger.UserID(beneficiary),
		Tier:        tier,
		Amount:      ledger.NewMoney(amount),
	}
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestCreditor_Credit_AppliesOnce(t *testing.T) {
	// GIVEN: A fresh ledger
	// WHEN: Crediting a commission for (purchase, beneficiary, tier)
	// THEN: An entry exists and the balance reflects it

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	res, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ledger.StatusCompleted, res.Entry.Status)

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "650", b.Available.String())
	assert.Equal(t, "650", b.TotalEarnings.String())
}

func TestCreditor_Credit_DuplicateIsNoOp(t *testing.T) {
	// GIVEN: A commission already credited for (purchase, beneficiary, tier)
	// WHEN: Crediting the same key again
	// THEN: No error, applied=false, the original entry is returned, and the
	//       balance is unchanged

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	first, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err, "duplicate crediting must not be an error")
	assert.False(t, second.Applied)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "650", b.Available.String(), "duplicate must not move the balance")
}

func TestCreditor_Credit_DistinctTiersAreDistinctCredits(t *testing.T) {
	// The same user can legitimately earn tier-1 and tier-2 from the same
	// purchase through different referral paths.

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	t1, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)
	assert.True(t, t1.Applied)

	t2, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier2, 50))
	require.NoError(t, err)
	assert.True(t, t2.Applied)

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "700", b.Available.String())
}

func TestCreditor_Credit_DistinctPurchasesAccumulate(t *testing.T) {
	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	for _, pid := range []string{"p-1", "p-2", "p-3"} {
		res, err := creditor.Credit(ctx, creditReq(pid, "ref-1", ledger.Tier1, 100))
		require.NoError(t, err)
		assert.True(t, res.Applied)
	}

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "300", b.Available.String())
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestCreditor_Credit_ConcurrentSameKey_ExactlyOneApplied(t *testing.T) {
	// GIVEN: Ten goroutines crediting the same (purchase, beneficiary, tier)
	// WHEN: They race
	// THEN: Exactly one applies; the final balance shows a single credit

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	const workers = 10
	applied := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := creditor.Credit(ctx, creditReq("p-race", "ref-1", ledger.Tier1, 650))
			applied[i], errs[i] = res.Applied, err
		}(i)
	}
	wg.Wait()

	appliedCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "no racer may observe an error")
		if applied[i] {
			appliedCount++
		}
	}
	assert.Equal(t, 1, appliedCount, "exactly one racer applies the credit")

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "650", b.Available.String())

	entries, err := store.AllEntriesByUser(ctx, "ref-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreditor_Credit_ConcurrentDistinctPurchases_NoLostUpdate(t *testing.T) {
	// GIVEN: Two purchases by different buyers, both owed to the same
	//        beneficiary
	// WHEN: They are credited concurrently
	// THEN: Both apply and the final balance is the exact sum; neither
	//       increment overwrites the other

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	reqA := creditReq("p-a", "ref-1", ledger.Tier1, 650)
	reqB := creditReq("p-b", "ref-1", ledger.Tier1, 650)
	reqB.PurchaserID = "buyer-2"

	var wg sync.WaitGroup
	results := make([]commission.CreditResult, 2)
	errs := make([]error, 2)
	for i, req := range []commission.CreditRequest{reqA, reqB} {
		wg.Add(1)
		go func(i int, req commission.CreditRequest) {
			defer wg.Done()
			results[i], errs[i] = creditor.Credit(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Applied)
	}

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "1300", b.Available.String(), "650 + 650, no lost update")
	assert.Equal(t, "1300", b.TotalEarnings.String())

	entries, err := store.AllEntriesByUser(ctx, "ref-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// =============================================================================
// MATURITY / HOLD TESTS
// =============================================================================

func TestCreditor_Credit_HoldPeriod_LandsInPending(t *testing.T) {
	// GIVEN: A 14-day hold period
	// WHEN: Crediting a commission
	// THEN: The entry is pending with a maturity date, and the amount sits in
	//       the pending bucket, not available

	policy := commission.DefaultPolicy()
	creditor, store := newTestCreditor(t, policy)
	ctx := context.Background()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	creditor.Now = func() time.Time { return now }

	res, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, res.Entry.Status)
	require.NotNil(t, res.Entry.MaturesAt)
	assert.Equal(t, now.Add(policy.HoldPeriod), *res.Entry.MaturesAt)

	b, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "650", b.Pending.String())
	assert.Equal(t, "0", b.Available.String())
	assert.Equal(t, "650", b.TotalEarnings.String())
}

func TestCreditor_Credit_HoldThenRelease(t *testing.T) {
	// Matured entries released by the store become completed.

	policy := commission.DefaultPolicy()
	creditor, store := newTestCreditor(t, policy)
	ctx := context.Background()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	creditor.Now = func() time.Time { return now }

	res, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)

	// Before maturity: nothing to release.
	released, err := store.ReleaseMatured(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, released)

	// After maturity: the entry completes.
	released, err = store.ReleaseMatured(ctx, now.Add(policy.HoldPeriod).Add(time.Second))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, res.Entry.ID, released[0].ID)
	assert.Equal(t, ledger.StatusCompleted, released[0].Status)
}

// =============================================================================
// VALIDATION AND ATOMICITY TESTS
// =============================================================================

func TestCreditor_Credit_RejectsNonPositiveAmount(t *testing.T) {
	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	_, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, -5))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// No partial state from the rejected attempts.
	entries, err := store.AllEntriesByUser(ctx, "ref-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreditor_Credit_RejectsMissingBeneficiary(t *testing.T) {
	creditor, _ := newTestCreditor(t, instantPolicy())

	_, err := creditor.Credit(context.Background(), creditReq("p-1", "", ledger.Tier1, 650))
	assert.Error(t, err)
}

func TestCreditor_CreditForPrice_ComputesThenCredits(t *testing.T) {
	// GIVEN: A 1999-unit purchase
	// WHEN: Crediting by price at both tiers
	// THEN: The rounded commission amounts land on the ledger

	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()
	price := ledger.NewMoney(1999)

	t1, err := creditor.CreditForPrice(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 0), price)
	require.NoError(t, err)
	assert.Equal(t, "1299", t1.Entry.Amount.String())

	t2, err := creditor.CreditForPrice(ctx, creditReq("p-1", "ref-2", ledger.Tier2, 0), price)
	require.NoError(t, err)
	assert.Equal(t, "100", t2.Entry.Amount.String())

	b1, err := store.GetBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "1299", b1.Available.String())

	b2, err := store.GetBalance(ctx, "ref-2")
	require.NoError(t, err)
	assert.Equal(t, "100", b2.Available.String())
}

func TestCreditor_Credit_EntryCarriesAuditMetadata(t *testing.T) {
	creditor, store := newTestCreditor(t, instantPolicy())
	ctx := context.Background()

	res, err := creditor.Credit(ctx, creditReq("p-1", "ref-1", ledger.Tier1, 650))
	require.NoError(t, err)

	stored, err := store.GetEntry(ctx, res.Entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata.Commission)
	assert.Equal(t, ledger.PurchaseID("p-1"), stored.Metadata.Commission.PurchaseID)
	assert.Equal(t, ledger.UserID("buyer-1"), stored.Metadata.Commission.PurchaserID)
	assert.Equal(t, "pkg-gold", stored.Metadata.Commission.PackageID)
	assert.Equal(t, "0.65", stored.Metadata.Commission.Rate)
}
