/*
Package drawdown validates, posts and voids transactions against funding contracts.

PURPOSE:
  validator.go is the rule engine that decides whether a transaction may
  be posted. It is pure: the caller supplies the contract and its posted
  ledger, so the same function serves dry runs (UI "check") and the real
  post inside a store transaction.

RULES (every rule is evaluated; all failures are reported):
  amount_not_positive      amount > 0
  service_code_missing     service item code present
  service_code_format      NN_NNN_NNNN_N_N
  participant_mismatch     transaction resident owns the contract
  invalid_date             occurredAt set
  contract_not_found       contract resolved
  contract_not_active      contract status is Active
  insufficient_balance     ledger balance covers the amount
  description_missing      support description present
  quantity_invalid         quantity is a positive integer
  outside_contract_period  drawdown only: occurredAt within [start, end]

BALANCE IMPACT:
  current = original − Σ posted amounts (excluding this transaction)
  new     = current − amount
  valid   = new >= 0
  The contract's cached CurrentBalance is never used here.

SEE ALSO:
  - service.go: Runs Validate against live state before posting
  - generic/errors.go: ValidationFailedError, InsufficientBalanceError
*/
package drawdown

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/drawdown-engine/generic"
)

// ServiceCodePattern is the NDIS support item number format.
var ServiceCodePattern = regexp.MustCompile(`^\d{2}_\d{3}_\d{4}_\d_\d$`)

const (
	lowBalanceFraction = "0.10"
	expiryWarningDays  = 30
)

// BalanceImpact is the ledger view of what posting would do.
type BalanceImpact struct {
	ContractID     generic.ContractID
	CurrentBalance generic.Money
	Amount         generic.Money
	NewBalance     generic.Money
	Shortfall      generic.Money
	IsValid        bool
}

type ValidationResult struct {
	IsValid       bool
	Errors        []generic.Violation
	Warnings      []string
	BalanceImpact BalanceImpact
	CanProceed    bool
}

// Err returns a *generic.ValidationFailedError, or nil when the transaction
// can proceed.
func (r ValidationResult) Err() error {
	if r.CanProceed {
		return nil
	}
	e := &generic.ValidationFailedError{Violations: r.Errors}
	if !r.BalanceImpact.IsValid && r.BalanceImpact.Shortfall.IsPositive() {
		e.Insufficient = &generic.InsufficientBalanceError{
			ContractID: r.BalanceImpact.ContractID,
			Available:  r.BalanceImpact.CurrentBalance,
			Requested:  r.BalanceImpact.Amount,
			Shortfall:  r.BalanceImpact.Shortfall,
		}
	}
	return e
}

// Validate checks tx against contract (nil when it did not resolve) and the
// contract's posted ledger.
func Validate(tx generic.Transaction, contract *generic.FundingContract, posted []generic.Transaction, now time.Time) ValidationResult {
	var v violations

	if !tx.Amount.IsPositive() {
		v.add(generic.RuleAmountNotPositive, "amount", "amount must be greater than zero")
	}
	v.serviceCode(tx.ServiceItemCode)
	if tx.OccurredAt.IsZero() {
		v.add(generic.RuleInvalidDate, "occurredAt", "occurred-at date is missing or invalid")
	}
	if strings.TrimSpace(tx.Description) == "" {
		v.add(generic.RuleDescriptionMissing, "description", "a description of the support delivered is required")
	}
	if tx.Quantity <= 0 {
		v.add(generic.RuleQuantityInvalid, "quantity", "quantity must be a positive integer")
	}

	var impact BalanceImpact
	switch {
	case contract == nil:
		v.add(generic.RuleContractNotFound, "contractId", fmt.Sprintf("contract %s not found", tx.ContractID))
		impact = BalanceImpact{ContractID: tx.ContractID, Amount: tx.Amount}
	default:
		if tx.ResidentID != contract.ResidentID {
			v.add(generic.RuleParticipantMismatch, "residentId",
				fmt.Sprintf("transaction participant %s does not own contract %s", tx.ResidentID, contract.ID))
		}
		if contract.Status != generic.ContractActive {
			v.add(generic.RuleContractNotActive, "contractId",
				fmt.Sprintf("contract %s is %s, not Active", contract.ID, contract.Status))
		}
		if tx.IsDrawdown {
			// Re-asserted for drawdowns; add() keeps the error list free of duplicates.
			v.serviceCode(tx.ServiceItemCode)
		}
		if tx.IsDrawdown && !tx.OccurredAt.IsZero() {
			if period, ok := contract.Period(); ok && !period.Contains(generic.DateOf(tx.OccurredAt)) {
				v.add(generic.RuleOutsideContractPeriod, "occurredAt",
					fmt.Sprintf("%s is outside the contract period %s", generic.DateOf(tx.OccurredAt), period))
			}
		}

		impact = CalculateBalanceImpact(tx, *contract, posted)
		if !impact.IsValid {
			v.add(generic.RuleInsufficientBalance, "amount",
				fmt.Sprintf("amount %s exceeds available balance %s by $%s",
					impact.Amount, impact.CurrentBalance, impact.Shortfall))
		}
	}

	result := ValidationResult{
		IsValid:       len(v.list) == 0,
		Errors:        v.list,
		BalanceImpact: impact,
	}
	result.CanProceed = result.IsValid && impact.IsValid
	result.Warnings = warnings(tx, contract, impact, now)
	return result
}

// CalculateBalanceImpact derives the balance from the posted ledger,
// excluding tx itself so revalidating a posted transaction is stable.
func CalculateBalanceImpact(tx generic.Transaction, contract generic.FundingContract, posted []generic.Transaction) BalanceImpact {
	spent := generic.ZeroMoney()
	for _, p := range posted {
		if p.ID == tx.ID || p.ContractID != contract.ID || p.Status != generic.TxPosted {
			continue
		}
		spent = spent.Add(p.Amount)
	}

	current := contract.OriginalAmount.Sub(spent)
	next := current.Sub(tx.Amount)
	impact := BalanceImpact{
		ContractID:     contract.ID,
		CurrentBalance: current,
		Amount:         tx.Amount,
		NewBalance:     next,
		Shortfall:      generic.ZeroMoney(),
		IsValid:        !next.IsNegative(),
	}
	if next.IsNegative() {
		impact.Shortfall = next.Neg()
	}
	return impact
}

func warnings(tx generic.Transaction, contract *generic.FundingContract, impact BalanceImpact, now time.Time) []string {
	var w []string
	if tx.AmountOverridden {
		if computed := tx.ComputedAmount(); !computed.Equal(tx.Amount) {
			w = append(w, fmt.Sprintf("amount %s overrides quantity × unit price (%s)", tx.Amount, computed))
		}
	}
	if contract == nil {
		return w
	}
	if impact.IsValid && contract.OriginalAmount.IsPositive() {
		threshold := contract.OriginalAmount.Mul(decimal.RequireFromString(lowBalanceFraction))
		if impact.NewBalance.LessThan(threshold) {
			w = append(w, fmt.Sprintf("remaining balance %s is below 10%% of the contract amount", impact.NewBalance))
		}
	}
	if generic.IsContractExpiringSoon(*contract, expiryWarningDays, now) {
		days, _ := generic.DaysUntilExpiry(*contract, now)
		w = append(w, fmt.Sprintf("contract %s ends in %d days", contract.ID, days))
	}
	return w
}

type violations struct {
	list []generic.Violation
}

func (v *violations) add(code generic.RuleCode, field, msg string) {
	for _, existing := range v.list {
		if existing.Code == code && existing.Field == field {
			return
		}
	}
	v.list = append(v.list, generic.Violation{Code: code, Field: field, Message: msg})
}

func (v *violations) serviceCode(code string) {
	switch {
	case strings.TrimSpace(code) == "":
		v.add(generic.RuleServiceCodeMissing, "serviceItemCode", "NDIS service item code is required")
	case !ServiceCodePattern.MatchString(code):
		v.add(generic.RuleServiceCodeFormat, "serviceItemCode",
			fmt.Sprintf("service item code %q does not match NDIS format NN_NNN_NNNN_N_N", code))
	}
}
