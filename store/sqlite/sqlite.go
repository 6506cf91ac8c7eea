/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.TxStore, referral.UserStore,
  reconcile.PurchaseStore) using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

IDEMPOTENCY ENFORCEMENT:
  The commission uniqueness invariant lives HERE, not in application code:

    CREATE UNIQUE INDEX idx_unique_commission
      ON entries(beneficiary_id, reference_id, category, tier)
      WHERE category = 'commission'

  The insert itself fails atomically on duplicates and is mapped to
  ledger.ErrDuplicateEntry. No read-then-write check exists anywhere.

ATOMIC BALANCE UPDATES:
  Balance buckets are INTEGER columns (amounts are whole currency units)
  updated with single "x = x + ?" statements inside the same transaction as
  the entry insert. Concurrent credits for the same user serialize at the
  database; no Go-side read-modify-write occurs.

KEY TABLES:
  entries:               The ledger (append-mostly, only status mutates)
  balances:              One row per user, fully derivable from entries
  users:                 Referral graph (referred_by is write-once)
  purchases:             Mirror of purchase records (reconciliation source)
  reconciliation_cursor: Scan watermark (single row)
  reconciliation_runs:   Recorded run reports

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions and contracts
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/referral"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// every caller sees the same schema.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-mostly; only status mutates)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		category TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		reference_id TEXT,
		tier INTEGER NOT NULL DEFAULT 0,
		matures_at TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- The idempotency invariant: at most one commission entry per
	-- (beneficiary, purchase, tier). The insert fails atomically on
	-- duplicates; application code never checks-then-inserts.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_commission
		ON entries(beneficiary_id, reference_id, category, tier)
		WHERE category = 'commission';

	CREATE INDEX IF NOT EXISTS idx_entries_beneficiary
		ON entries(beneficiary_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_id) WHERE reference_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_maturity
		ON entries(matures_at) WHERE status = 'pending' AND matures_at IS NOT NULL;

	-- Balance projection (one row per user, rebuilt by resync)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		total_earnings INTEGER NOT NULL DEFAULT 0,
		available INTEGER NOT NULL DEFAULT 0,
		pending INTEGER NOT NULL DEFAULT 0,
		processing INTEGER NOT NULL DEFAULT 0,
		withdrawn INTEGER NOT NULL DEFAULT 0,
		last_synced_at TEXT NOT NULL
	);

	-- Referral graph
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;

	-- Purchase mirror (reconciliation scan source)
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		affiliate_id TEXT,
		tier2_affiliate_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_status_created
		ON purchases(status, created_at);

	-- Reconciliation cursor (single-row watermark)
	CREATE TABLE IF NOT EXISTS reconciliation_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		watermark TEXT NOT NULL
	);

	-- Reconciliation run reports (audit)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		purchases_seen INTEGER NOT NULL DEFAULT 0,
		credits_added INTEGER NOT NULL DEFAULT 0,
		users_resynced INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		tier1_total INTEGER NOT NULL DEFAULT 0,
		tier2_total INTEGER NOT NULL DEFAULT 0,
		total_amount INTEGER NOT NULL DEFAULT 0,
		cursor_before TEXT,
		cursor_after TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so the same statement helpers serve
// both direct calls and WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRY STORE (ledger.EntryStore interface)
// =============================================================================

const entryColumns = `id, beneficiary_id, direction, category, amount, status,
	reference_id, tier, matures_at, metadata_json, created_at`

// AppendEntry persists a ledger entry.
func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntry(ctx, s.db, e)
}

func (s *Store) appendEntry(ctx context.Context, q querier, e ledger.Entry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var maturesAt *string
	if e.MaturesAt != nil {
		t := e.MaturesAt.UTC().Format(time.RFC3339)
		maturesAt = &t
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entries
		(id, beneficiary_id, direction, category, amount, status,
		 reference_id, tier, matures_at, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Beneficiary,
		e.Direction,
		e.Category,
		moneyToUnits(e.Amount),
		e.Status,
		nullString(e.ReferenceID),
		int(e.Tier),
		maturesAt,
		string(metadataJSON),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.DuplicateEntryError{
				Beneficiary: e.Beneficiary,
				ReferenceID: e.ReferenceID,
				Tier:        e.Tier,
			}
		}
		return fmt.Errorf("%w: failed to append entry: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// GetEntry returns an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntry(ctx, s.db, id)
}

func (s *Store) getEntry(ctx context.Context, q querier, id ledger.EntryID) (*ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ledger.ErrEntryNotFound
	}
	return &entries[0], nil
}

// FindCommissionEntry looks up the entry for an idempotency key, nil if none.
func (s *Store) FindCommissionEntry(ctx context.Context, beneficiary ledger.UserID, purchaseID ledger.PurchaseID, tier ledger.Tier) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findCommissionEntry(ctx, s.db, beneficiary, purchaseID, tier)
}

func (s *Store) findCommissionEntry(ctx context.Context, q querier, beneficiary ledger.UserID, purchaseID ledger.PurchaseID, tier ledger.Tier) (*ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM entries
		 WHERE beneficiary_id = ? AND reference_id = ? AND category = ? AND tier = ?`,
		beneficiary, string(purchaseID), ledger.CategoryCommission, int(tier))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// EntriesByUser returns the most recent entries, newest first.
func (s *Store) EntriesByUser(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesByUser(ctx, s.db, userID, limit)
}

func (s *Store) entriesByUser(ctx context.Context, q querier, userID ledger.UserID, limit int) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM entries
		 WHERE beneficiary_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, userID, limit)
}

// AllEntriesByUser returns every entry for a user, chronologically.
func (s *Store) AllEntriesByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allEntriesByUser(ctx, s.db, userID)
}

func (s *Store) allEntriesByUser(ctx context.Context, q querier, userID ledger.UserID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM entries
		 WHERE beneficiary_id = ?
		 ORDER BY created_at ASC, id ASC`, userID)
}

// TransitionStatus moves an entry between statuses, guarded by the expected
// current status.
func (s *Store) TransitionStatus(ctx context.Context, id ledger.EntryID, from, to ledger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionStatus(ctx, s.db, id, from, to)
}

func (s *Store) transitionStatus(ctx context.Context, q querier, id ledger.EntryID, from, to ledger.Status) error {
	res, err := q.ExecContext(ctx,
		`UPDATE entries SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("%w: status transition failed: %v", ledger.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the entry doesn't exist or it isn't in the expected status.
		if _, err := s.getEntry(ctx, q, id); err != nil {
			return err
		}
		return ledger.ErrInvalidStatusTransition
	}
	return nil
}

// ReleaseMatured promotes matured pending commission credits to completed and
// returns them.
func (s *Store) ReleaseMatured(ctx context.Context, asOf time.Time) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseMatured(ctx, s.db, asOf)
}

func (s *Store) releaseMatured(ctx context.Context, q querier, asOf time.Time) ([]ledger.Entry, error) {
	cutoff := asOf.UTC().Format(time.RFC3339)

	matured, err := s.queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM entries
		 WHERE category = ? AND status = ? AND matures_at IS NOT NULL AND matures_at <= ?
		 ORDER BY created_at ASC`,
		ledger.CategoryCommission, ledger.StatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	if len(matured) == 0 {
		return nil, nil
	}

	_, err = q.ExecContext(ctx,
		`UPDATE entries SET status = ?
		 WHERE category = ? AND status = ? AND matures_at IS NOT NULL AND matures_at <= ?`,
		ledger.StatusCompleted, ledger.CategoryCommission, ledger.StatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: maturity release failed: %v", ledger.ErrPersistence, err)
	}

	for i := range matured {
		matured[i].Status = ledger.StatusCompleted
	}
	return matured, nil
}

// CommissionBeneficiaries returns the distinct users holding commission entries.
func (s *Store) CommissionBeneficiaries(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commissionBeneficiaries(ctx, s.db)
}

func (s *Store) commissionBeneficiaries(ctx context.Context, q querier) ([]ledger.UserID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT beneficiary_id FROM entries WHERE category = ? ORDER BY beneficiary_id`,
		ledger.CategoryCommission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		amount       int64
		referenceID  sql.NullString
		tier         int
		maturesAt    sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&e.ID, &e.Beneficiary, &e.Direction, &e.Category, &amount, &e.Status,
		&referenceID, &tier, &maturesAt, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Amount = ledger.NewMoney(amount)
	e.ReferenceID = referenceID.String
	e.Tier = ledger.Tier(tier)
	if maturesAt.Valid {
		t, _ := time.Parse(time.RFC3339, maturesAt.String)
		e.MaturesAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return e, nil
}

// =============================================================================
// BALANCE STORE (ledger.BalanceStore interface)
// =============================================================================

// EnsureBalance creates a zeroed balance row if none exists.
func (s *Store) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureBalance(ctx, s.db, userID)
}

func (s *Store) ensureBalance(ctx context.Context, q querier, userID ledger.UserID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (user_id, last_synced_at)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: failed to ensure balance: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// GetBalance returns the balance row for a user.
func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBalance(ctx, s.db, userID)
}

func (s *Store) getBalance(ctx context.Context, q querier, userID ledger.UserID) (*ledger.Balance, error) {
	var (
		b                                                        ledger.Balance
		totalEarnings, available, pending, processing, withdrawn int64
		lastSyncedAt                                             string
	)

	err := q.QueryRowContext(ctx, `
		SELECT user_id, total_earnings, available, pending, processing, withdrawn, last_synced_at
		FROM balances WHERE user_id = ?
	`, userID).Scan(&b.UserID, &totalEarnings, &available, &pending, &processing, &withdrawn, &lastSyncedAt)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}

	b.TotalEarnings = ledger.NewMoney(totalEarnings)
	b.Available = ledger.NewMoney(available)
	b.Pending = ledger.NewMoney(pending)
	b.Processing = ledger.NewMoney(processing)
	b.Withdrawn = ledger.NewMoney(withdrawn)
	b.LastSyncedAt, _ = time.Parse(time.RFC3339, lastSyncedAt)
	return &b, nil
}

// ApplyCredit atomically increments the balance buckets. One statement:
// concurrent credits for the same user serialize at the database, never in Go.
func (s *Store) ApplyCredit(ctx context.Context, userID ledger.UserID, amount ledger.Money, toPending bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCredit(ctx, s.db, userID, amount, toPending, at)
}

func (s *Store) applyCredit(ctx context.Context, q querier, userID ledger.UserID, amount ledger.Money, toPending bool, at time.Time) error {
	bucket := "available"
	if toPending {
		bucket = "pending"
	}

	query := fmt.Sprintf(`
		UPDATE balances
		SET total_earnings = total_earnings + ?, %s = %s + ?, last_synced_at = ?
		WHERE user_id = ?
	`, bucket, bucket)

	res, err := q.ExecContext(ctx, query,
		moneyToUnits(amount), moneyToUnits(amount),
		at.UTC().Format(time.RFC3339), userID)
	if err != nil {
		return fmt.Errorf("%w: failed to apply credit: %v", ledger.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrBalanceNotFound
	}
	return nil
}

// SaveBalance overwrites the stored aggregate. Used only by resync.
func (s *Store) SaveBalance(ctx context.Context, b ledger.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveBalance(ctx, s.db, b)
}

func (s *Store) saveBalance(ctx context.Context, q querier, b ledger.Balance) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (user_id, total_earnings, available, pending, processing, withdrawn, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			total_earnings = excluded.total_earnings,
			available = excluded.available,
			pending = excluded.pending,
			processing = excluded.processing,
			withdrawn = excluded.withdrawn,
			last_synced_at = excluded.last_synced_at
	`,
		b.UserID,
		moneyToUnits(b.TotalEarnings),
		moneyToUnits(b.Available),
		moneyToUnits(b.Pending),
		moneyToUnits(b.Processing),
		moneyToUnits(b.Withdrawn),
		b.LastSyncedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to save balance: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Any error from fn rolls
// the whole unit back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ledger.ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{parent: s, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txView routes Tx operations through an open *sql.Tx.
type txView struct {
	parent *Store
	tx     *sql.Tx
}

func (tv *txView) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return tv.parent.appendEntry(ctx, tv.tx, e)
}

func (tv *txView) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return tv.parent.getEntry(ctx, tv.tx, id)
}

func (tv *txView) FindCommissionEntry(ctx context.Context, beneficiary ledger.UserID, purchaseID ledger.PurchaseID, tier ledger.Tier) (*ledger.Entry, error) {
	return tv.parent.findCommissionEntry(ctx, tv.tx, beneficiary, purchaseID, tier)
}

func (tv *txView) EntriesByUser(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Entry, error) {
	return tv.parent.entriesByUser(ctx, tv.tx, userID, limit)
}

func (tv *txView) AllEntriesByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return tv.parent.allEntriesByUser(ctx, tv.tx, userID)
}

func (tv *txView) TransitionStatus(ctx context.Context, id ledger.EntryID, from, to ledger.Status) error {
	return tv.parent.transitionStatus(ctx, tv.tx, id, from, to)
}

func (tv *txView) ReleaseMatured(ctx context.Context, asOf time.Time) ([]ledger.Entry, error) {
	return tv.parent.releaseMatured(ctx, tv.tx, asOf)
}

func (tv *txView) CommissionBeneficiaries(ctx context.Context) ([]ledger.UserID, error) {
	return tv.parent.commissionBeneficiaries(ctx, tv.tx)
}

func (tv *txView) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	return tv.parent.ensureBalance(ctx, tv.tx, userID)
}

func (tv *txView) GetBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	return tv.parent.getBalance(ctx, tv.tx, userID)
}

func (tv *txView) ApplyCredit(ctx context.Context, userID ledger.UserID, amount ledger.Money, toPending bool, at time.Time) error {
	return tv.parent.applyCredit(ctx, tv.tx, userID, amount, toPending, at)
}

func (tv *txView) SaveBalance(ctx context.Context, b ledger.Balance) error {
	return tv.parent.saveBalance(ctx, tv.tx, b)
}

// =============================================================================
// USER STORE (referral.UserStore interface)
// =============================================================================

// CreateUser inserts a user record.
func (s *Store) CreateUser(ctx context.Context, u referral.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, referral_code, referred_by, created_at)
		VALUES (?, ?, ?, ?)
	`,
		u.ID,
		u.ReferralCode,
		nullString(string(u.ReferredBy)),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (*referral.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(ctx,
		`SELECT id, referral_code, referred_by, created_at FROM users WHERE id = ?`, id)
}

// GetUserByCode returns a user by referral code.
func (s *Store) GetUserByCode(ctx context.Context, code string) (*referral.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(ctx,
		`SELECT id, referral_code, referred_by, created_at FROM users WHERE referral_code = ?`, code)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*referral.User, error) {
	var (
		u          referral.User
		referredBy sql.NullString
		createdAt  string
	)

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.ReferralCode, &referredBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	u.ReferredBy = ledger.UserID(referredBy.String)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// SetReferrer assigns referred_by once. The WHERE clause makes the write-once
// invariant hold even under concurrent assignment attempts.
func (s *Store) SetReferrer(ctx context.Context, userID, referrerID ledger.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET referred_by = ? WHERE id = ? AND referred_by IS NULL
	`, referrerID, userID)
	if err != nil {
		return fmt.Errorf("failed to set referrer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return referral.ErrUserNotFound
		}
		return referral.ErrReferrerAlreadySet
	}
	return nil
}

// =============================================================================
// PURCHASE STORE (reconcile.PurchaseStore interface)
// =============================================================================

// SavePurchase upserts a purchase mirror record. Status and affiliates may be
// updated by later syncs; amount and ownership never change.
func (s *Store) SavePurchase(ctx context.Context, p reconcile.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, user_id, package_id, amount, status, affiliate_id, tier2_affiliate_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			affiliate_id = excluded.affiliate_id,
			tier2_affiliate_id = excluded.tier2_affiliate_id
	`,
		p.ID,
		p.UserID,
		nullString(p.PackageID),
		moneyToUnits(p.Amount),
		p.Status,
		nullString(string(p.AffiliateID)),
		nullString(string(p.Tier2AffiliateID)),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	return nil
}

// GetPurchase returns a purchase by ID, or nil if absent.
func (s *Store) GetPurchase(ctx context.Context, id ledger.PurchaseID) (*reconcile.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchases, err := s.queryPurchases(ctx, `
		SELECT id, user_id, package_id, amount, status, affiliate_id, tier2_affiliate_id, created_at
		FROM purchases WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, nil
	}
	return &purchases[0], nil
}

// ApprovedPurchasesSince returns approved purchases keyset-paged by
// (created_at, id), oldest first. The watermark second is included so
// same-second late arrivals are never skipped; afterID excludes rows
// already handed out at that second (empty admits the whole second).
func (s *Store) ApprovedPurchasesSince(ctx context.Context, watermark time.Time, afterID ledger.PurchaseID, limit int) ([]reconcile.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wm := watermark.UTC().Format(time.RFC3339)
	return s.queryPurchases(ctx, `
		SELECT id, user_id, package_id, amount, status, affiliate_id, tier2_affiliate_id, created_at
		FROM purchases
		WHERE status = ? AND (created_at > ? OR (created_at = ? AND id > ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, reconcile.PurchaseApproved, wm, wm, string(afterID), limit)
}

func (s *Store) queryPurchases(ctx context.Context, query string, args ...any) ([]reconcile.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []reconcile.Purchase
	for rows.Next() {
		var (
			p                                      reconcile.Purchase
			packageID, affiliateID, t2AffiliateID  sql.NullString
			amount                                 int64
			createdAt                              string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &packageID, &amount, &p.Status,
			&affiliateID, &t2AffiliateID, &createdAt); err != nil {
			return nil, err
		}
		p.PackageID = packageID.String
		p.Amount = ledger.NewMoney(amount)
		p.AffiliateID = ledger.UserID(affiliateID.String)
		p.Tier2AffiliateID = ledger.UserID(t2AffiliateID.String)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// Cursor returns the reconciliation watermark (zero time when unset).
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var watermark string
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM reconciliation_cursor WHERE id = 1`).Scan(&watermark)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, _ := time.Parse(time.RFC3339, watermark)
	return t, nil
}

// SetCursor stores the reconciliation watermark.
func (s *Store) SetCursor(ctx context.Context, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_cursor (id, watermark) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET watermark = excluded.watermark
	`, watermark.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// SaveRun records a reconciliation run report.
func (s *Store) SaveRun(ctx context.Context, r reconcile.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, started_at, finished_at, purchases_seen, credits_added, users_resynced,
		 failures, tier1_total, tier2_total, total_amount, cursor_before, cursor_after, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.StartedAt.UTC().Format(time.RFC3339),
		r.FinishedAt.UTC().Format(time.RFC3339),
		r.PurchasesSeen,
		r.CreditsAdded,
		r.UsersResynced,
		r.Failures,
		moneyToUnits(r.Tier1Total),
		moneyToUnits(r.Tier2Total),
		moneyToUnits(r.TotalAmount),
		r.CursorBefore.UTC().Format(time.RFC3339),
		r.CursorAfter.UTC().Format(time.RFC3339),
		nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Runs returns recorded reconciliation runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]reconcile.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, purchases_seen, credits_added, users_resynced,
		       failures, tier1_total, tier2_total, total_amount, cursor_before, cursor_after, error
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []reconcile.Run
	for rows.Next() {
		var (
			r                                                reconcile.Run
			startedAt, finishedAt, cursorBefore, cursorAfter string
			tier1, tier2, total                              int64
			runErr                                           sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.PurchasesSeen, &r.CreditsAdded,
			&r.UsersResynced, &r.Failures, &tier1, &tier2, &total,
			&cursorBefore, &cursorAfter, &runErr); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
		r.Tier1Total = ledger.NewMoney(tier1)
		r.Tier2Total = ledger.NewMoney(tier2)
		r.TotalAmount = ledger.NewMoney(total)
		r.CursorBefore, _ = time.Parse(time.RFC3339, cursorBefore)
		r.CursorAfter, _ = time.Parse(time.RFC3339, cursorAfter)
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"entries", "balances", "users", "purchases", "reconciliation_cursor", "reconciliation_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// moneyToUnits converts a Money to whole currency units for storage. Ledger
// amounts are rounded before they ever reach the store.
func moneyToUnits(m ledger.Money) int64 {
	return m.Value.IntPart()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
