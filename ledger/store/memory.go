// Package store provides in-memory implementations of the ledger stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore in memory. It mirrors the SQLite store's
// semantics, including the commission uniqueness constraint.
type Memory struct {
	mu       sync.RWMutex
	entries  map[ledger.EntryID]ledger.Entry
	byUser   map[ledger.UserID][]ledger.EntryID
	unique   map[commissionKey]ledger.EntryID
	balances map[ledger.UserID]ledger.Balance
}

type commissionKey struct {
	Beneficiary ledger.UserID
	ReferenceID string
	Tier        ledger.Tier
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[ledger.EntryID]ledger.Entry),
		byUser:   make(map[ledger.UserID][]ledger.EntryID),
		unique:   make(map[commissionKey]ledger.EntryID),
		balances: make(map[ledger.UserID]ledger.Balance),
	}
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e ledger.Entry) error {
	if e.Category == ledger.CategoryCommission {
		k := commissionKey{Beneficiary: e.Beneficiary, ReferenceID: e.ReferenceID, Tier: e.Tier}
		if _, exists := m.unique[k]; exists {
			return &ledger.DuplicateEntryError{
				Beneficiary: e.Beneficiary,
				ReferenceID: e.ReferenceID,
				Tier:        e.Tier,
			}
		}
		m.unique[k] = e.ID
	}
	m.entries[e.ID] = e
	m.byUser[e.Beneficiary] = append(m.byUser[e.Beneficiary], e.ID)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (m *Memory) FindCommissionEntry(_ context.Context, beneficiary ledger.UserID, purchaseID ledger.PurchaseID, tier ledger.Tier) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := commissionKey{Beneficiary: beneficiary, ReferenceID: string(purchaseID), Tier: tier}
	id, ok := m.unique[k]
	if !ok {
		return nil, nil
	}
	e := m.entries[id]
	return &e, nil
}

func (m *Memory) EntriesByUser(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.userEntriesLocked(userID)
	// Newest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) AllEntriesByUser(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.userEntriesLocked(userID)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (m *Memory) userEntriesLocked(userID ledger.UserID) []ledger.Entry {
	ids := m.byUser[userID]
	entries := make([]ledger.Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, m.entries[id])
	}
	return entries
}

func (m *Memory) TransitionStatus(_ context.Context, id ledger.EntryID, from, to ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != from {
		return ledger.ErrInvalidStatusTransition
	}
	e.Status = to
	m.entries[id] = e
	return nil
}

func (m *Memory) ReleaseMatured(_ context.Context, asOf time.Time) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []ledger.Entry
	for id, e := range m.entries {
		if e.Category != ledger.CategoryCommission || e.Status != ledger.StatusPending {
			continue
		}
		if e.MaturesAt == nil || e.MaturesAt.After(asOf) {
			continue
		}
		e.Status = ledger.StatusCompleted
		m.entries[id] = e
		released = append(released, e)
	}
	return released, nil
}

func (m *Memory) CommissionBeneficiaries(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.UserID]bool)
	var users []ledger.UserID
	for _, e := range m.entries {
		if e.Category == ledger.CategoryCommission && !seen[e.Beneficiary] {
			seen[e.Beneficiary] = true
			users = append(users, e.Beneficiary)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (m *Memory) EnsureBalance(_ context.Context, userID ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureBalanceLocked(userID)
	return nil
}

func (m *Memory) ensureBalanceLocked(userID ledger.UserID) {
	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = ledger.NewBalance(userID)
	}
}

func (m *Memory) GetBalance(_ context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	return &b, nil
}

func (m *Memory) ApplyCredit(_ context.Context, userID ledger.UserID, amount ledger.Money, toPending bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureBalanceLocked(userID)
	b := m.balances[userID]
	b.TotalEarnings = b.TotalEarnings.Add(amount)
	if toPending {
		b.Pending = b.Pending.Add(amount)
	} else {
		b.Available = b.Available.Add(amount)
	}
	b.LastSyncedAt = at
	m.balances[userID] = b
	return nil
}

func (m *Memory) SaveBalance(_ context.Context, b ledger.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.UserID] = b
	return nil
}

// =============================================================================
// TRANSACTION SUPPORT - Snapshot + rollback on error
// =============================================================================

func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries  map[ledger.EntryID]ledger.Entry
	byUser   map[ledger.UserID][]ledger.EntryID
	unique   map[commissionKey]ledger.EntryID
	balances map[ledger.UserID]ledger.Balance
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:  make(map[ledger.EntryID]ledger.Entry, len(m.entries)),
		byUser:   make(map[ledger.UserID][]ledger.EntryID, len(m.byUser)),
		unique:   make(map[commissionKey]ledger.EntryID, len(m.unique)),
		balances: make(map[ledger.UserID]ledger.Balance, len(m.balances)),
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.byUser {
		s.byUser[k] = append([]ledger.EntryID{}, v...)
	}
	for k, v := range m.unique {
		s.unique[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.byUser = s.byUser
	m.unique = s.unique
	m.balances = s.balances
}

// txView exposes the locked parent inside WithTx. The parent's mutex is
// already held, so all calls go through the *Locked helpers.
type txView struct {
	parent *Memory
}

func (tv *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txView) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	e, ok := tv.parent.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (tv *txView) FindCommissionEntry(_ context.Context, beneficiary ledger.UserID, purchaseID ledger.PurchaseID, tier ledger.Tier) (*ledger.Entry, error) {
	k := commissionKey{Beneficiary: beneficiary, ReferenceID: string(purchaseID), Tier: tier}
	id, ok := tv.parent.unique[k]
	if !ok {
		return nil, nil
	}
	e := tv.parent.entries[id]
	return &e, nil
}

func (tv *txView) EntriesByUser(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Entry, error) {
	entries := tv.parent.userEntriesLocked(userID)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (tv *txView) AllEntriesByUser(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	entries := tv.parent.userEntriesLocked(userID)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (tv *txView) TransitionStatus(_ context.Context, id ledger.EntryID, from, to ledger.Status) error {
	e, ok := tv.parent.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != from {
		return ledger.ErrInvalidStatusTransition
	}
	e.Status = to
	tv.parent.entries[id] = e
	return nil
}

func (tv *txView) ReleaseMatured(_ context.Context, asOf time.Time) ([]ledger.Entry, error) {
	var released []ledger.Entry
	for id, e := range tv.parent.entries {
		if e.Category != ledger.CategoryCommission || e.Status != ledger.StatusPending {
			continue
		}
		if e.MaturesAt == nil || e.MaturesAt.After(asOf) {
			continue
		}
		e.Status = ledger.StatusCompleted
		tv.parent.entries[id] = e
		released = append(released, e)
	}
	return released, nil
}

func (tv *txView) CommissionBeneficiaries(_ context.Context) ([]ledger.UserID, error) {
	seen := make(map[ledger.UserID]bool)
	var users []ledger.UserID
	for _, e := range tv.parent.entries {
		if e.Category == ledger.CategoryCommission && !seen[e.Beneficiary] {
			seen[e.Beneficiary] = true
			users = append(users, e.Beneficiary)
		}
	}
	return users, nil
}

func (tv *txView) EnsureBalance(_ context.Context, userID ledger.UserID) error {
	tv.parent.ensureBalanceLocked(userID)
	return nil
}

func (tv *txView) GetBalance(_ context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	b, ok := tv.parent.balances[userID]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	return &b, nil
}

func (tv *txView) ApplyCredit(_ context.Context, userID ledger.UserID, amount ledger.Money, toPending bool, at time.Time) error {
	tv.parent.ensureBalanceLocked(userID)
	b := tv.parent.balances[userID]
	b.TotalEarnings = b.TotalEarnings.Add(amount)
	if toPending {
		b.Pending = b.Pending.Add(amount)
	} else {
		b.Available = b.Available.Add(amount)
	}
	b.LastSyncedAt = at
	tv.parent.balances[userID] = b
	return nil
}

func (tv *txView) SaveBalance(_ context.Context, b ledger.Balance) error {
	tv.parent.balances[b.UserID] = b
	return nil
}
