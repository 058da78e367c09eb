/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore using SQLite. The database is the authority
  for the contract ledger: balances are recomputed from the posted rows
  of the transactions table, never incrementally adjusted.

KEY TABLES:
  residents:        NDIS participants
  contracts:        Funding contracts (version column for compare-and-swap)
  transactions:     Drawdown transactions, draft → posted → voided
  audit_log:        Append-only audit trail for residents and transactions
  automations:      Billing templates (items stored as JSON)
  automation_runs:  One row per automation per day

INDEXES:
  - idx_transactions_contract_posted: Covering index for SumPosted (hot path)
  - idx_contracts_resident:           Resident detail view
  - idx_contracts_parent:             Renewal chains
  - automation_runs UNIQUE(automation_id, run_date): per-day run claim

TRIGGERS:
  The schema itself refuses writes that would rewrite history:
  - posted rows may only change to voided (amount and contract fixed)
  - voided rows never change
  - only drafts may be deleted
  - audit_log rows are never updated or deleted
  - contracts.original_amount never changes

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) guarded by sync.RWMutex. WithTx holds
  the writer lock for the whole callback, and transactions begin with
  BEGIN IMMEDIATE so a second process also waits for the write lock.
  Inside WithTx the callback gets an unlocked view bound to the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/drawdown.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - queries.go: SQL and row decoding per table
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/drawdown-engine/generic"
)

// Store implements generic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate"
	if !strings.Contains(dbPath, ":memory:") {
		dsn += "&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema. New already calls it; exposed for the CLI.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrate(ctx)
}

const schema = `
	-- Residents (NDIS participants)
	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		ndis_number TEXT,
		house_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Funding contracts; renewals link to their parent row
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL REFERENCES residents(id),
		contract_type TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		drawdown_rate TEXT NOT NULL,
		auto_drawdown INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		parent_contract_id TEXT REFERENCES contracts(id),
		last_drawdown_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_resident
		ON contracts(resident_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_contracts_parent
		ON contracts(parent_contract_id) WHERE parent_contract_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_contracts_status
		ON contracts(status);

	CREATE TRIGGER IF NOT EXISTS contracts_original_amount_immutable
	BEFORE UPDATE OF original_amount ON contracts
	WHEN NEW.original_amount != OLD.original_amount
	BEGIN
		SELECT RAISE(ABORT, 'original_amount is immutable');
	END;

	-- Transactions (draft -> posted -> voided)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		occurred_at TEXT NOT NULL,
		service_item_code TEXT,
		description TEXT,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_overridden INTEGER NOT NULL DEFAULT 0,
		is_drawdown INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		drawdown_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT,
		posted_at TEXT,
		posted_by TEXT,
		voided_at TEXT,
		voided_by TEXT,
		void_reason TEXT
	);

	-- Covering index: SumPosted never touches the table
	CREATE INDEX IF NOT EXISTS idx_transactions_contract_posted
		ON transactions(contract_id, status, id, amount);
	CREATE INDEX IF NOT EXISTS idx_transactions_resident
		ON transactions(resident_id, occurred_at);

	CREATE TRIGGER IF NOT EXISTS transactions_posted_immutable
	BEFORE UPDATE ON transactions
	WHEN OLD.status = 'posted'
	 AND (NEW.status != 'voided' OR NEW.amount != OLD.amount OR NEW.contract_id != OLD.contract_id)
	BEGIN
		SELECT RAISE(ABORT, 'posted transactions are immutable except for voiding');
	END;

	CREATE TRIGGER IF NOT EXISTS transactions_voided_immutable
	BEFORE UPDATE ON transactions
	WHEN OLD.status = 'voided'
	BEGIN
		SELECT RAISE(ABORT, 'voided transactions are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS transactions_delete_draft_only
	BEFORE DELETE ON transactions
	WHEN OLD.status != 'draft'
	BEGIN
		SELECT RAISE(ABORT, 'only draft transactions can be deleted');
	END;

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		entity_id TEXT,
		action TEXT NOT NULL,
		field TEXT,
		old_value TEXT,
		new_value TEXT,
		timestamp TEXT NOT NULL,
		user_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject
		ON audit_log(subject_type, subject_id, seq);

	CREATE TRIGGER IF NOT EXISTS audit_log_no_update
	BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
	BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit log is append-only');
	END;

	-- Billing automations
	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		frequency TEXT NOT NULL,
		next_run_date TEXT NOT NULL,
		anchor_date TEXT NOT NULL,
		last_run_at TEXT,
		items_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One run per automation per day
	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL REFERENCES automations(id),
		run_date TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		results_json TEXT NOT NULL DEFAULT '[]',
		total_posted TEXT NOT NULL DEFAULT '0',
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		UNIQUE(automation_id, run_date)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_automation_started
		ON automation_runs(automation_id, started_at DESC);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops and recreates every table (for testing/demo). The history
// triggers forbid DELETE, so the tables are dropped instead.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"automation_runs", "automations", "audit_log", "transactions", "contracts", "residents"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return &generic.StorageError{Op: "reset " + table, Err: err}
		}
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &generic.StorageError{Op: "begin", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &generic.StorageError{Op: "commit", Err: err}
	}
	return nil
}

func (s *Store) q() *queries { return &queries{db: s.db} }

// =============================================================================
// LOCKED API (generic.Store interface)
// =============================================================================

func (s *Store) SaveResident(ctx context.Context, r *generic.Resident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SaveResident(ctx, r)
}

func (s *Store) GetResident(ctx context.Context, id generic.ResidentID) (*generic.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetResident(ctx, id)
}

func (s *Store) ListResidents(ctx context.Context) ([]generic.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListResidents(ctx)
}

func (s *Store) InsertContract(ctx context.Context, c *generic.FundingContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().InsertContract(ctx, c)
}

func (s *Store) SaveContract(ctx context.Context, c *generic.FundingContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SaveContract(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id generic.ContractID) (*generic.FundingContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, f generic.ContractFilter) ([]generic.FundingContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListContracts(ctx, f)
}

func (s *Store) InsertTransaction(ctx context.Context, tx *generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().InsertTransaction(ctx, tx)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().UpdateTransaction(ctx, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, id generic.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().DeleteTransaction(ctx, id)
}

func (s *Store) GetTransaction(ctx context.Context, id generic.TransactionID) (*generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetTransaction(ctx, id)
}

func (s *Store) ListTransactions(ctx context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListTransactions(ctx, f)
}

func (s *Store) SumPosted(ctx context.Context, contractID generic.ContractID, exclude generic.TransactionID) (generic.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().SumPosted(ctx, contractID, exclude)
}

func (s *Store) AppendAudit(ctx context.Context, e generic.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().AppendAudit(ctx, e)
}

func (s *Store) AuditTrail(ctx context.Context, subject generic.AuditSubject, subjectID string) ([]generic.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().AuditTrail(ctx, subject, subjectID)
}

func (s *Store) SaveAutomation(ctx context.Context, a *generic.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SaveAutomation(ctx, a)
}

func (s *Store) GetAutomation(ctx context.Context, id generic.AutomationID) (*generic.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetAutomation(ctx, id)
}

func (s *Store) ListAutomations(ctx context.Context) ([]generic.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListAutomations(ctx)
}

func (s *Store) InsertRun(ctx context.Context, run *generic.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().InsertRun(ctx, run)
}

func (s *Store) UpdateRun(ctx context.Context, run *generic.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().UpdateRun(ctx, run)
}

func (s *Store) FindRun(ctx context.Context, id generic.AutomationID, runDate generic.TimePoint) (*generic.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().FindRun(ctx, id, runDate)
}

func (s *Store) ListRuns(ctx context.Context, id generic.AutomationID) ([]generic.AutomationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListRuns(ctx, id)
}
