/*
store.go - Persistence interfaces for residents, contracts and the ledger

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage without
  changing the balance semantics.

KEY INTERFACES:
  ResidentStore:    Resident rows
  ContractStore:    Funding contracts with version compare-and-swap
  TransactionStore: Transactions and the indexed posted-amount sum
  AuditLog:         Append-only audit trail
  AutomationStore:  Billing automations and per-day run claims
  Store:            All of the above
  TxStore:          Store plus atomic WithTx

ATOMICITY:
  "Validate → post → recompute balance" runs inside one WithTx call. The
  implementation holds its writer lock for the whole callback, so two
  concurrent posts cannot both pass the sufficiency check against the
  same ledger. If fn returns an error nothing it wrote is visible.

OPTIMISTIC CONCURRENCY:
  SaveContract compares the caller's Version with the stored one and
  fails with ErrConcurrentModification on mismatch. On success the
  stored Version and the caller's struct are both incremented.

ERRORS:
  Missing rows return *NotFoundError. Rows that fail to decode return
  *CorruptRecordError rather than being skipped.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - drawdown/service.go: Uses WithTx for post and void
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for engine persistence
// =============================================================================

type ResidentStore interface {
	// SaveResident inserts or updates a resident row. Contracts and
	// AuditTrail views are ignored.
	SaveResident(ctx context.Context, r *Resident) error
	GetResident(ctx context.Context, id ResidentID) (*Resident, error)
	ListResidents(ctx context.Context) ([]Resident, error)
}

type ContractStore interface {
	// InsertContract stores a new contract with Version 1.
	InsertContract(ctx context.Context, c *FundingContract) error

	// SaveContract updates a contract if c.Version matches the stored version.
	SaveContract(ctx context.Context, c *FundingContract) error

	GetContract(ctx context.Context, id ContractID) (*FundingContract, error)

	// ListContracts returns matching contracts ordered by StartDate, then ID.
	ListContracts(ctx context.Context, filter ContractFilter) ([]FundingContract, error)
}

type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransaction persists a lifecycle change (post or void).
	UpdateTransaction(ctx context.Context, tx *Transaction) error

	// DeleteTransaction removes a draft.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListTransactions returns matching transactions ordered by OccurredAt, then ID.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// SumPosted totals posted amounts on a contract, skipping exclude (may be empty).
	SumPosted(ctx context.Context, contractID ContractID, exclude TransactionID) (Money, error)
}

// AuditLog stores audit entries. Append-only: there is no update or delete.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditLogEntry) error

	// AuditTrail returns a subject's entries in append order.
	AuditTrail(ctx context.Context, subject AuditSubject, subjectID string) ([]AuditLogEntry, error)
}

type AutomationStore interface {
	SaveAutomation(ctx context.Context, a *Automation) error
	GetAutomation(ctx context.Context, id AutomationID) (*Automation, error)
	ListAutomations(ctx context.Context) ([]Automation, error)

	// InsertRun claims (AutomationID, RunDate). A second claim for the same
	// day returns ErrRunAlreadyClaimed.
	InsertRun(ctx context.Context, run *AutomationRun) error
	UpdateRun(ctx context.Context, run *AutomationRun) error

	// FindRun returns the run for a day, or *NotFoundError.
	FindRun(ctx context.Context, automationID AutomationID, runDate TimePoint) (*AutomationRun, error)

	// ListRuns returns an automation's runs, newest first.
	ListRuns(ctx context.Context, automationID AutomationID) ([]AutomationRun, error)
}

type Store interface {
	ResidentStore
	ContractStore
	TransactionStore
	AuditLog
	AutomationStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
