/*
transaction.go - Drawdown transactions against funding contracts

PURPOSE:
  A Transaction records one atomic, auditable support delivery billed
  against a resident's funding contract. Only posted transactions affect
  the contract balance.

LIFECYCLE:
  draft ──► posted ──► voided (terminal)
    │
    └──► deleted (record removed; drafts have no balance effect)

  Posted transactions are immutable except for the voided transition.
  Voiding never removes history.

INVARIANTS:
  - Amount > 0
  - Amount = Quantity × UnitPrice unless AmountOverridden
  - Σ Amount over posted transactions on a contract <= OriginalAmount

SEE ALSO:
  - drawdown/validator.go: Rules checked before posting
  - drawdown/service.go: Create, post, void, delete
*/
package generic

import "time"

type TransactionStatus string

const (
	TxDraft  TransactionStatus = "draft"
	TxPosted TransactionStatus = "posted"
	TxVoided TransactionStatus = "voided"
)

type DrawdownStatus string

const (
	DrawdownPending DrawdownStatus = "pending"
	DrawdownPosted  DrawdownStatus = "posted"
)

type Transaction struct {
	ID               TransactionID
	ResidentID       ResidentID
	ContractID       ContractID
	OccurredAt       time.Time
	ServiceItemCode  string
	Description      string
	Quantity         int
	UnitPrice        Money
	Amount           Money
	AmountOverridden bool
	IsDrawdown       bool
	Status           TransactionStatus
	DrawdownStatus   DrawdownStatus

	// Audit fields
	CreatedAt  time.Time
	CreatedBy  string
	PostedAt   *time.Time
	PostedBy   string
	VoidedAt   *time.Time
	VoidedBy   string
	VoidReason string

	// View populated on read.
	AuditTrail []AuditLogEntry
}

// ComputedAmount is Quantity × UnitPrice.
func (t Transaction) ComputedAmount() Money {
	return t.UnitPrice.MulInt(t.Quantity)
}

// TransactionFilter narrows ListTransactions. Zero value matches everything.
type TransactionFilter struct {
	ResidentID *ResidentID
	ContractID *ContractID
	Status     *TransactionStatus
}

func (f TransactionFilter) Matches(t Transaction) bool {
	if f.ResidentID != nil && t.ResidentID != *f.ResidentID {
		return false
	}
	if f.ContractID != nil && t.ContractID != *f.ContractID {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	return true
}

// PostedOn builds a filter for the posted ledger of a contract.
func PostedOn(contractID ContractID) TransactionFilter {
	status := TxPosted
	return TransactionFilter{ContractID: &contractID, Status: &status}
}
