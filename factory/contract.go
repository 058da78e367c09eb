/*
Package factory converts JSON definitions into contract terms and automations.

PURPOSE:
  Contract terms and billing automations are authored as JSON by the admin
  UI and stored scenario fixtures. The factory parses that JSON, applies
  defaults and reports every problem as a *generic.ValidationFailedError,
  so a bad date and a bad amount surface together.

CONTRACT TERMS SCHEMA:
  {
    "type": "Draw Down",
    "original_amount": 12000,
    "start_date": "2024-01-01",
    "end_date": "2024-12-31",
    "drawdown_rate": "monthly",
    "auto_drawdown": true
  }

DEFAULTS:
  type           Draw Down
  drawdown_rate  monthly

SEE ALSO:
  - automation.go: Automation schema
  - generic/contract.go: ContractTerms
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/drawdown-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type ContractTermsJSON struct {
	Type           string          `json:"type,omitempty"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date,omitempty"`
	DrawdownRate   string          `json:"drawdown_rate,omitempty"`
	AutoDrawdown   bool            `json:"auto_drawdown"`
}

// ParseContractTerms parses and validates a JSON terms document.
func ParseContractTerms(data []byte) (generic.ContractTerms, error) {
	var tj ContractTermsJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return generic.ContractTerms{}, fmt.Errorf("failed to parse contract terms JSON: %w", err)
	}
	return ContractTermsFromJSON(tj)
}

// ContractTermsFromJSON applies defaults, parses dates and validates.
func ContractTermsFromJSON(tj ContractTermsJSON) (generic.ContractTerms, error) {
	var v []generic.Violation

	terms := generic.ContractTerms{
		Type:           generic.ContractType(defaultString(tj.Type, string(generic.ContractDrawDown))),
		OriginalAmount: generic.MoneyFromDecimal(tj.OriginalAmount),
		DrawdownRate:   generic.DrawdownRate(strings.ToLower(defaultString(tj.DrawdownRate, string(generic.RateMonthly)))),
		AutoDrawdown:   tj.AutoDrawdown,
	}

	start, ok := parseDate(tj.StartDate, "startDate", &v)
	if ok {
		terms.StartDate = start
	}
	if strings.TrimSpace(tj.EndDate) != "" {
		if end, ok := parseDate(tj.EndDate, "endDate", &v); ok {
			terms.EndDate = &end
		}
	}

	// Terms.Validate reports a missing start date itself.
	for _, tv := range terms.Validate() {
		if tv.Field == "startDate" && strings.TrimSpace(tj.StartDate) != "" {
			continue
		}
		v = append(v, tv)
	}
	if err := generic.Invalid(v); err != nil {
		return generic.ContractTerms{}, err
	}
	return terms, nil
}

// TermsToJSON is the inverse of ContractTermsFromJSON.
func TermsToJSON(t generic.ContractTerms) ContractTermsJSON {
	tj := ContractTermsJSON{
		Type:           string(t.Type),
		OriginalAmount: t.OriginalAmount.Value,
		StartDate:      t.StartDate.String(),
		DrawdownRate:   string(t.DrawdownRate),
		AutoDrawdown:   t.AutoDrawdown,
	}
	if t.EndDate != nil {
		tj.EndDate = t.EndDate.String()
	}
	return tj
}

// =============================================================================
// PRESETS
// =============================================================================

// AnnualDrawDown is a twelve-month auto-drawdown contract starting on start.
func AnnualDrawDown(amount int64, start generic.TimePoint, rate generic.DrawdownRate) generic.ContractTerms {
	end := start.AddMonths(12).AddDays(-1)
	return generic.ContractTerms{
		Type:           generic.ContractDrawDown,
		OriginalAmount: generic.NewMoneyFromInt(amount),
		StartDate:      start,
		EndDate:        &end,
		DrawdownRate:   rate,
		AutoDrawdown:   true,
	}
}

// CaptureAndInvoice is an open-ended contract billed only by posted invoices.
func CaptureAndInvoice(amount int64, start generic.TimePoint) generic.ContractTerms {
	return generic.ContractTerms{
		Type:           generic.ContractCaptureInvoice,
		OriginalAmount: generic.NewMoneyFromInt(amount),
		StartDate:      start,
		DrawdownRate:   generic.RateMonthly,
	}
}

func parseDate(s, field string, v *[]generic.Violation) (generic.TimePoint, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return generic.TimePoint{}, false
	}
	tp, err := generic.ParseDate(s)
	if err != nil {
		*v = append(*v, generic.Violation{
			Code: generic.RuleInvalidDate, Field: field,
			Message: fmt.Sprintf("%s %q is not a YYYY-MM-DD date", field, s),
		})
		return generic.TimePoint{}, false
	}
	return tp, true
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}
