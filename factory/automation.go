package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/drawdown-engine/generic"
)

// AutomationJSON is the JSON representation of a billing automation.
//
//	{
//	  "name": "Weekly SIL",
//	  "frequency": "weekly",
//	  "next_run_date": "2024-07-01",
//	  "enabled": true,
//	  "items": [
//	    {"resident_id": "res-1", "contract_id": "ctr-1",
//	     "service_item_code": "01_011_0107_1_1", "quantity": 1, "unit_price": 250}
//	  ]
//	}
type AutomationJSON struct {
	Name        string               `json:"name"`
	Frequency   string               `json:"frequency,omitempty"`
	NextRunDate string               `json:"next_run_date"`
	Enabled     *bool                `json:"enabled,omitempty"`
	Items       []AutomationItemJSON `json:"items"`
}

type AutomationItemJSON struct {
	ResidentID      string          `json:"resident_id"`
	ContractID      string          `json:"contract_id"`
	ServiceItemCode string          `json:"service_item_code"`
	Description     string          `json:"description,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

func ParseAutomation(data []byte) (generic.Automation, error) {
	var aj AutomationJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return generic.Automation{}, fmt.Errorf("failed to parse automation JSON: %w", err)
	}
	return AutomationFromJSON(aj)
}

// AutomationFromJSON builds an unsaved automation. Enabled defaults to true
// and frequency to weekly.
func AutomationFromJSON(aj AutomationJSON) (generic.Automation, error) {
	var v []generic.Violation

	a := generic.Automation{
		Name:      strings.TrimSpace(aj.Name),
		Enabled:   aj.Enabled == nil || *aj.Enabled,
		Frequency: generic.DrawdownRate(strings.ToLower(defaultString(aj.Frequency, string(generic.RateWeekly)))),
	}
	if next, ok := parseDate(aj.NextRunDate, "nextRunDate", &v); ok {
		a.NextRunDate = next
	}
	for _, ij := range aj.Items {
		a.Items = append(a.Items, generic.AutomationItem{
			ResidentID:      generic.ResidentID(strings.TrimSpace(ij.ResidentID)),
			ContractID:      generic.ContractID(strings.TrimSpace(ij.ContractID)),
			ServiceItemCode: strings.TrimSpace(ij.ServiceItemCode),
			Description:     strings.TrimSpace(ij.Description),
			Quantity:        ij.Quantity,
			UnitPrice:       generic.MoneyFromDecimal(ij.UnitPrice),
		})
	}

	for _, av := range a.Validate() {
		if av.Field == "nextRunDate" && strings.TrimSpace(aj.NextRunDate) != "" {
			continue
		}
		v = append(v, av)
	}
	if err := generic.Invalid(v); err != nil {
		return generic.Automation{}, err
	}
	return a, nil
}
