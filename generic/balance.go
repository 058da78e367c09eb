/*
balance.go - Time-based balance calculation for funding contracts

PURPOSE:
  Computes how much of a contract's entitlement remains at a point in time
  when the contract depletes linearly over its term. This is a pure
  function of (contract terms, now): no store access, no mutation.

THE FORMULA:
  elapsed  = PeriodsBetween(start, now, rate)
  total    = PeriodsBetween(start, end, rate)
  fraction = clamp(elapsed / total, 0, 1)
  balance  = max(0, original × (1 − fraction))

  Evaluated as original × (total − elapsed) / total and rounded to cents,
  so CalculateDrawdownAmount + CalculateCurrentBalance == original exactly.

NO DEPLETION WHEN:
  - the contract is not Active
  - AutoDrawdown is false
  - the contract has no end date

EXAMPLE:
  12000, 2024-01-01..2024-12-31, monthly, now 2024-07-01
  elapsed 5, total 11 → 12000 × 6 / 11 = 6545.45

SEE ALSO:
  - period.go: Period counting per drawdown rate
  - drawdown/validator.go: Ledger-based sufficiency (the ground truth for posting)
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// RenewalThresholdDays is the window in which a contract is flagged for renewal.
const RenewalThresholdDays = 30

// CalculateCurrentBalance returns the time-based remaining entitlement.
func CalculateCurrentBalance(c FundingContract, now time.Time) Money {
	if c.Status != ContractActive || !c.AutoDrawdown || c.EndDate == nil {
		return c.OriginalAmount
	}

	today := DateOf(now)
	total := PeriodsBetween(c.StartDate, *c.EndDate, c.DrawdownRate)
	if total <= 0 {
		return ZeroMoney()
	}

	elapsed := PeriodsBetween(c.StartDate, today, c.DrawdownRate)
	if elapsed > total {
		elapsed = total
	}

	remaining := decimal.NewFromInt(int64(total - elapsed))
	balance := c.OriginalAmount.Value.Mul(remaining).Div(decimal.NewFromInt(int64(total)))
	return Money{Value: balance}.Round().Max(ZeroMoney())
}

// CalculateDrawdownAmount is the portion of the entitlement already depleted.
func CalculateDrawdownAmount(c FundingContract, now time.Time) Money {
	return c.OriginalAmount.Sub(CalculateCurrentBalance(c, now))
}

// GetDrawdownPercentage returns drawdown / original × 100 in [0, 100].
func GetDrawdownPercentage(c FundingContract, now time.Time) decimal.Decimal {
	if c.OriginalAmount.IsZero() {
		return decimal.Zero
	}
	pct := CalculateDrawdownAmount(c, now).Value.
		Div(c.OriginalAmount.Value).
		Mul(decimal.NewFromInt(100))
	hundred := decimal.NewFromInt(100)
	if pct.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct.Round(2)
}

// DaysUntilExpiry returns days from now until the end date. ok is false for
// open-ended contracts.
func DaysUntilExpiry(c FundingContract, now time.Time) (days int, ok bool) {
	if c.EndDate == nil {
		return 0, false
	}
	return DaysBetween(DateOf(now), *c.EndDate), true
}

// IsContractExpiringSoon is true iff the end date is within [0, thresholdDays] days.
func IsContractExpiringSoon(c FundingContract, thresholdDays int, now time.Time) bool {
	days, ok := DaysUntilExpiry(c, now)
	return ok && days >= 0 && days <= thresholdDays
}

// NeedsRenewal flags contracts ending within RenewalThresholdDays, including
// ones whose end date has already passed. Contracts already Renewed or
// Deactivated, and Drafts, are never flagged.
func NeedsRenewal(c FundingContract, now time.Time) bool {
	if c.Status != ContractActive && c.Status != ContractExpired {
		return false
	}
	days, ok := DaysUntilExpiry(c, now)
	return ok && days <= RenewalThresholdDays
}

// =============================================================================
// CONTRACT SUMMARY - Derived view for dashboards and renewal queues
// =============================================================================

type ContractSummary struct {
	ContractID         ContractID
	ResidentID         ResidentID
	Status             ContractStatus
	AsOf               TimePoint
	OriginalAmount     Money
	LedgerBalance      Money // cached CurrentBalance (original − Σ posted)
	TimeBasedBalance   Money
	DrawdownAmount     Money
	DrawdownPercentage decimal.Decimal
	DaysUntilExpiry    *int
	ExpiringSoon       bool
	NeedsRenewal       bool
}

func Summarize(c FundingContract, now time.Time) ContractSummary {
	s := ContractSummary{
		ContractID:         c.ID,
		ResidentID:         c.ResidentID,
		Status:             c.Status,
		AsOf:               DateOf(now),
		OriginalAmount:     c.OriginalAmount,
		LedgerBalance:      c.CurrentBalance,
		TimeBasedBalance:   CalculateCurrentBalance(c, now),
		DrawdownAmount:     CalculateDrawdownAmount(c, now),
		DrawdownPercentage: GetDrawdownPercentage(c, now),
		ExpiringSoon:       IsContractExpiringSoon(c, RenewalThresholdDays, now),
		NeedsRenewal:       NeedsRenewal(c, now),
	}
	if days, ok := DaysUntilExpiry(c, now); ok {
		s.DaysUntilExpiry = &days
	}
	return s
}
