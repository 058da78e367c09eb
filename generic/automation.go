/*
automation.go - Scheduled billing automations and their run history

PURPOSE:
  An Automation is a saved billing template: a list of (resident, contract,
  service item) lines that are drawn down together on a schedule. Each
  execution produces one AutomationRun with a per-item result.

ONE RUN PER DAY:
  (AutomationID, RunDate) is unique. The store rejects a second claim for
  the same day with ErrRunAlreadyClaimed, which is what stops a scheduled
  run and a manual "Run Now" from billing the same items twice.

SEE ALSO:
  - billing/job.go: Executes automations
  - factory/automation.go: JSON definitions
*/
package generic

import (
	"fmt"
	"strings"
	"time"
)

// Automation is a billing template. AnchorDate is the first scheduled date;
// monthly runs step from it so a month-end start keeps its day after a
// short month.
type Automation struct {
	ID          AutomationID
	Name        string
	Enabled     bool
	Frequency   DrawdownRate
	NextRunDate TimePoint
	AnchorDate  TimePoint
	LastRunAt   *time.Time
	Items       []AutomationItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Due reports whether the automation should run on today.
func (a Automation) Due(today TimePoint) bool {
	return a.Enabled && a.NextRunDate.BeforeOrEqual(today)
}

// Advance moves NextRunDate forward by Frequency until it is after today.
func (a *Automation) Advance(today TimePoint) {
	next := a.NextRunDate
	if next.IsZero() {
		next = today
	}
	if a.AnchorDate.IsZero() {
		a.AnchorDate = next
	}
	if a.Frequency == RateMonthly {
		for k := 1; !next.After(today); k++ {
			next = a.AnchorDate.AddMonths(k)
		}
	} else {
		for !next.After(today) {
			next = a.Frequency.Next(next)
		}
	}
	a.NextRunDate = next
}

func (a Automation) Validate() []Violation {
	var v []Violation
	if strings.TrimSpace(a.Name) == "" {
		v = append(v, Violation{Code: RuleNameMissing, Field: "name", Message: "automation name is required"})
	}
	if !a.Frequency.Valid() {
		v = append(v, Violation{Code: RuleDrawdownRate, Field: "frequency",
			Message: fmt.Sprintf("unknown frequency %q", a.Frequency)})
	}
	if a.NextRunDate.IsZero() {
		v = append(v, Violation{Code: RuleInvalidDate, Field: "nextRunDate", Message: "next run date is required"})
	}
	if len(a.Items) == 0 {
		v = append(v, Violation{Code: RuleItemsMissing, Field: "items", Message: "automation needs at least one item"})
	}
	for i, item := range a.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ResidentID == "" || item.ContractID == "" {
			v = append(v, Violation{Code: RuleItemTarget, Field: field, Message: "resident and contract are required"})
		}
		if item.Quantity <= 0 {
			v = append(v, Violation{Code: RuleQuantityInvalid, Field: field + ".quantity", Message: "quantity must be a positive integer"})
		}
		if item.UnitPrice.IsNegative() {
			v = append(v, Violation{Code: RuleUnitPriceNegative, Field: field + ".unitPrice", Message: "unit price must not be negative"})
		}
		if !item.UnitPrice.WholeCents() {
			v = append(v, Violation{Code: RuleSubCentAmount, Field: field + ".unitPrice", Message: "unit price must be in whole cents"})
		}
	}
	return v
}

type AutomationItem struct {
	ResidentID      ResidentID
	ContractID      ContractID
	ServiceItemCode string
	Description     string
	Quantity        int
	UnitPrice       Money
}

// =============================================================================
// AUTOMATION RUN
// =============================================================================

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type AutomationRun struct {
	ID           RunID
	AutomationID AutomationID
	RunDate      TimePoint
	Trigger      RunTrigger
	Status       RunStatus
	Results      []RunItemResult
	TotalPosted  Money
	Succeeded    int
	Failed       int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

type RunItemResult struct {
	ResidentID    ResidentID
	ContractID    ContractID
	TransactionID TransactionID
	Amount        Money
	Success       bool
	Errors        []string
}

// Record appends an item result and updates the run totals.
func (r *AutomationRun) Record(res RunItemResult) {
	r.Results = append(r.Results, res)
	if res.Success {
		r.Succeeded++
		r.TotalPosted = r.TotalPosted.Add(res.Amount)
		return
	}
	r.Failed++
}
