package ledger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func commissionCredit(user string, purchaseID string, tier ledger.Tier, amount int64, status ledger.Status) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.NewEntryID(),
		Beneficiary: ledger.UserID(user),
		Direction:   ledger.Credit,
		Category:    ledger.CategoryCommission,
		Amount:      ledger.NewMoney(amount),
		Status:      status,
		ReferenceID: purchaseID,
		Tier:        tier,
		CreatedAt:   time.Now().UTC(),
	}
}

func withdrawalDebit(user string, amount int64, status ledger.Status) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.NewEntryID(),
		Beneficiary: ledger.UserID(user),
		Direction:   ledger.Debit,
		Category:    ledger.CategoryWithdrawal,
		Amount:      ledger.NewMoney(amount),
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

// =============================================================================
// REPLAY TESTS
// =============================================================================

func TestReplay_EmptyHistory(t *testing.T) {
	now := time.Now().UTC()
	b := ledger.Replay("u-1", nil, now)

	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.TotalEarnings.IsZero())
	assert.Equal(t, now, b.LastSyncedAt)
}

func TestReplay_BucketRules(t *testing.T) {
	// GIVEN: A mixed history of completed/pending commissions and withdrawals
	// WHEN: Replaying
	// THEN: Each entry lands in exactly the right bucket

	entries := []ledger.Entry{
		commissionCredit("u-1", "p-1", ledger.Tier1, 650, ledger.StatusCompleted),
		commissionCredit("u-1", "p-2", ledger.Tier1, 650, ledger.StatusCompleted),
		commissionCredit("u-1", "p-3", ledger.Tier2, 50, ledger.StatusPending),
		withdrawalDebit("u-1", 200, ledger.StatusCompleted),
		withdrawalDebit("u-1", 100, ledger.StatusPending),
	}

	b := ledger.Replay("u-1", entries, time.Now().UTC())

	assert.Equal(t, "1350", b.TotalEarnings.String(), "all non-dead commission credits")
	assert.Equal(t, "1100", b.Available.String(), "650+650-200")
	assert.Equal(t, "50", b.Pending.String(), "pending commission")
	assert.Equal(t, "100", b.Processing.String(), "pending withdrawal")
	assert.Equal(t, "200", b.Withdrawn.String(), "completed withdrawal")
}

func TestReplay_IgnoresDeadEntries(t *testing.T) {
	entries := []ledger.Entry{
		commissionCredit("u-1", "p-1", ledger.Tier1, 650, ledger.StatusCompleted),
		commissionCredit("u-1", "p-2", ledger.Tier1, 999, ledger.StatusFailed),
		commissionCredit("u-1", "p-3", ledger.Tier1, 999, ledger.StatusCancelled),
		withdrawalDebit("u-1", 999, ledger.StatusFailed),
	}

	b := ledger.Replay("u-1", entries, time.Now().UTC())

	assert.Equal(t, "650", b.TotalEarnings.String())
	assert.Equal(t, "650", b.Available.String())
	assert.True(t, b.Withdrawn.IsZero())
}

func TestReplay_ConservationOfEarnings(t *testing.T) {
	// For a user with no non-commission entries: the sum of completed
	// commission credits equals the available bucket.

	entries := []ledger.Entry{
		commissionCredit("u-1", "p-1", ledger.Tier1, 1299, ledger.StatusCompleted),
		commissionCredit("u-1", "p-2", ledger.Tier2, 100, ledger.StatusCompleted),
		commissionCredit("u-1", "p-3", ledger.Tier1, 650, ledger.StatusPending),
	}

	b := ledger.Replay("u-1", entries, time.Now().UTC())

	assert.Equal(t, "1399", b.Available.String())
	assert.Equal(t, "650", b.Pending.String())
	assert.Equal(t, b.TotalEarnings.String(), b.Available.Add(b.Pending).String())
}

// =============================================================================
// LEDGER SERVICE TESTS
// =============================================================================

func TestLedger_Append_RejectsNonPositiveAmounts(t *testing.T) {
	l := ledger.New(store.NewMemory())

	e := commissionCredit("u-1", "p-1", ledger.Tier1, 0, ledger.StatusCompleted)
	err := l.Append(context.Background(), e)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	e.Amount = ledger.NewMoney(-10)
	err = l.Append(context.Background(), e)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestLedger_History_NewestFirst(t *testing.T) {
	mem := store.NewMemory()
	l := ledger.New(mem)
	ctx := context.Background()

	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i, pid := range []string{"p-1", "p-2", "p-3"} {
		e := commissionCredit("u-1", pid, ledger.Tier1, 100, ledger.StatusCompleted)
		e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Append(ctx, e))
	}

	history, err := l.History(ctx, "u-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "p-3", history[0].ReferenceID)
	assert.Equal(t, "p-2", history[1].ReferenceID)
}

// =============================================================================
// METADATA ENCODING TESTS
// =============================================================================

func TestMetadata_CommissionRoundTrip(t *testing.T) {
	// The tagged union keeps its variant through JSON encoding.

	md := ledger.Metadata{
		Commission: &ledger.CommissionMetadata{
			PurchaseID:  "p-1",
			PurchaserID: "buyer-1",
			PackageID:   "pkg-gold",
			Rate:        "0.65",
		},
	}

	raw, err := json.Marshal(md)
	require.NoError(t, err)

	var decoded ledger.Metadata
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.NotNil(t, decoded.Commission)
	assert.Nil(t, decoded.Withdrawal)
	assert.Equal(t, md.Commission, decoded.Commission)
}

func TestMetadata_EmptyRoundTrip(t *testing.T) {
	raw, err := json.Marshal(ledger.Metadata{})
	require.NoError(t, err)

	var decoded ledger.Metadata
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Nil(t, decoded.Commission)
	assert.Nil(t, decoded.Withdrawal)
	assert.Nil(t, decoded.Refund)
	assert.Nil(t, decoded.Adjustment)
}
