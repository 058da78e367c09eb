/*
contract.go - Funding contracts and the contract status state machine

PURPOSE:
  A FundingContract is a resident's funding agreement: a fixed original
  amount that depletes over its term. Contracts are never edited into a
  new agreement. A renewal creates a new contract row linked back to its
  parent through ParentContractID, so the full history of a resident's
  funding is an arena of contracts keyed by ID.

STATE MACHINE:
  Draft ──► Active ──► Expired ──► Renewed
              │  ▲         ▲
              │  └─ Deactivated
              └──────────► Renewed

  Draft → Active        balance initialised to OriginalAmount
  Active → Expired      balance forced to 0 (end date passed)
  Active → Renewed      superseded by a child contract
  Active → Deactivated  suspended; may be reactivated
  Deactivated → Active  balance recomputed from the ledger
  Expired → Renewed     a lapsed contract is renewed

INVARIANTS:
  - 0 <= CurrentBalance <= OriginalAmount
  - OriginalAmount never changes after creation
  - Version increases by one on every successful save

SEE ALSO:
  - balance.go: Time-based balance from contract terms
  - contracts/service.go: Status updates and renewals with audit
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// CONTRACT ENUMS
// =============================================================================

type ContractType string

const (
	ContractDrawDown       ContractType = "Draw Down"
	ContractCaptureInvoice ContractType = "Capture & Invoice"
	ContractHybrid         ContractType = "Hybrid"
)

func (t ContractType) Valid() bool {
	switch t {
	case ContractDrawDown, ContractCaptureInvoice, ContractHybrid:
		return true
	}
	return false
}

type ContractStatus string

const (
	ContractDraft       ContractStatus = "Draft"
	ContractActive      ContractStatus = "Active"
	ContractExpired     ContractStatus = "Expired"
	ContractRenewed     ContractStatus = "Renewed"
	ContractDeactivated ContractStatus = "Deactivated"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractDraft, ContractActive, ContractExpired, ContractRenewed, ContractDeactivated:
		return true
	}
	return false
}

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractDraft:       {ContractActive},
	ContractActive:      {ContractExpired, ContractRenewed, ContractDeactivated},
	ContractDeactivated: {ContractActive},
	ContractExpired:     {ContractRenewed},
}

// CanTransition reports whether a contract may move from -> to.
// Same-state moves are never valid.
func CanTransition(from, to ContractStatus) bool {
	for _, allowed := range contractTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// =============================================================================
// FUNDING CONTRACT
// =============================================================================

type FundingContract struct {
	ID               ContractID
	ResidentID       ResidentID
	Type             ContractType
	OriginalAmount   Money
	CurrentBalance   Money
	StartDate        TimePoint
	EndDate          *TimePoint
	DrawdownRate     DrawdownRate
	AutoDrawdown     bool
	Status           ContractStatus
	ParentContractID *ContractID
	LastDrawdownAt   *time.Time

	// Optimistic concurrency column, checked by Store.SaveContract.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the contract term. ok is false when the contract is open-ended.
func (c FundingContract) Period() (p Period, ok bool) {
	if c.EndDate == nil {
		return Period{}, false
	}
	return Period{Start: c.StartDate, End: *c.EndDate}, true
}

// ClampBalance keeps a computed balance inside [0, OriginalAmount].
func (c FundingContract) ClampBalance(b Money) Money {
	return b.Max(ZeroMoney()).Min(c.OriginalAmount)
}

// =============================================================================
// CONTRACT TERMS - Input for new contracts and renewals
// =============================================================================

type ContractTerms struct {
	Type           ContractType
	OriginalAmount Money
	StartDate      TimePoint
	EndDate        *TimePoint
	DrawdownRate   DrawdownRate
	AutoDrawdown   bool
}

// Validate returns every problem with the terms at once.
func (t ContractTerms) Validate() []Violation {
	var v []Violation
	if !t.Type.Valid() {
		v = append(v, Violation{Code: RuleContractType, Field: "type",
			Message: fmt.Sprintf("unknown contract type %q", t.Type)})
	}
	if !t.OriginalAmount.IsPositive() {
		v = append(v, Violation{Code: RuleAmountNotPositive, Field: "originalAmount",
			Message: "original amount must be greater than zero"})
	}
	if t.StartDate.IsZero() {
		v = append(v, Violation{Code: RuleInvalidDate, Field: "startDate",
			Message: "start date is required"})
	}
	if t.EndDate != nil && !t.StartDate.IsZero() && t.EndDate.Before(t.StartDate) {
		v = append(v, Violation{Code: RuleInvalidPeriod, Field: "endDate",
			Message: fmt.Sprintf("end date %s is before start date %s", t.EndDate, t.StartDate)})
	}
	if !t.DrawdownRate.Valid() {
		v = append(v, Violation{Code: RuleDrawdownRate, Field: "drawdownRate",
			Message: fmt.Sprintf("unknown drawdown rate %q", t.DrawdownRate)})
	}
	return v
}

// NewContract builds a Draft contract from validated terms.
func NewContract(id ContractID, resident ResidentID, t ContractTerms, now time.Time) FundingContract {
	return FundingContract{
		ID:             id,
		ResidentID:     resident,
		Type:           t.Type,
		OriginalAmount: t.OriginalAmount,
		CurrentBalance: t.OriginalAmount,
		StartDate:      t.StartDate,
		EndDate:        t.EndDate,
		DrawdownRate:   t.DrawdownRate,
		AutoDrawdown:   t.AutoDrawdown,
		Status:         ContractDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ContractFilter narrows ListContracts. Zero value matches everything.
type ContractFilter struct {
	ResidentID *ResidentID
	Statuses   []ContractStatus
}

func (f ContractFilter) Matches(c FundingContract) bool {
	if f.ResidentID != nil && c.ResidentID != *f.ResidentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}
