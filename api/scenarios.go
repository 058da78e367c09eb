/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with realistic residents, contracts, transactions
	and automations that demonstrate specific behaviours. Everything is
	created through the services, so scenario data carries the same audit
	entries and balances as data entered through the UI.

AVAILABLE SCENARIOS:

	sil-drawdown:         Active annual SIL contract with posted drawdowns
	insufficient-balance: Draft that exceeds the remaining balance
	renewal-due:          Contracts expiring soon, one lapsed, one renewed
	billing-automation:   Weekly automation across two residents

Dates are relative to the handler clock so scenarios never go stale.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "renewal-due"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Service handlers the loaders mirror
  - factory/contract.go: Contract presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/factory"
	"github.com/warp/drawdown-engine/generic"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "sil-drawdown",
		Name:        "SIL Drawdown",
		Description: "Active annual Supported Independent Living contract with monthly drawdown and posted invoices",
	},
	{
		ID:          "insufficient-balance",
		Name:        "Insufficient Balance",
		Description: "A $500 draft against a contract with $300 left: posting is rejected with a $200 shortfall",
	},
	{
		ID:          "renewal-due",
		Name:        "Renewal Due",
		Description: "Contracts ending within 30 days, one already expired and one renewal chain",
	},
	{
		ID:          "billing-automation",
		Name:        "Billing Automation",
		Description: "Weekly billing automation drawing down two residents' contracts",
	},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	loaders := map[string]func(context.Context) error{
		"sil-drawdown":         h.loadSILDrawdownScenario,
		"insufficient-balance": h.loadInsufficientBalanceScenario,
		"renewal-due":          h.loadRenewalDueScenario,
		"billing-automation":   h.loadBillingAutomationScenario,
	}
	load, ok := loaders[id]
	if !ok {
		return errUnknownScenario
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSILDrawdownScenario(ctx context.Context) error {
	today := generic.Today(h.Clock)
	res, contract, err := h.seedActiveContract(ctx, "Aisha", "Karimi", "430000001",
		factory.AnnualDrawDown(52000, today.AddMonths(-3), generic.RateMonthly))
	if err != nil {
		return err
	}
	for i, week := range []int{-10, -6, -2} {
		if _, err := h.seedPosted(ctx, res.ID, contract.ID, today.AddDays(week*7),
			"01_011_0107_1_1", fmt.Sprintf("SIL week %d", i+1), 1, generic.NewMoneyFromInt(1000)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadInsufficientBalanceScenario(ctx context.Context) error {
	today := generic.Today(h.Clock)
	res, contract, err := h.seedActiveContract(ctx, "Ben", "Okafor", "430000002",
		factory.AnnualDrawDown(1000, today.AddMonths(-1), generic.RateMonthly))
	if err != nil {
		return err
	}
	if _, err := h.seedPosted(ctx, res.ID, contract.ID, today.AddDays(-7),
		"04_104_0125_6_1", "Community access", 1, generic.NewMoneyFromInt(700)); err != nil {
		return err
	}
	// Left as a draft; posting it is rejected with a $200 shortfall.
	_, err = h.Transactions.CreateTransaction(ctx, drawdown.CreateTransactionInput{
		ResidentID:      res.ID,
		ContractID:      contract.ID,
		OccurredAt:      today.Time,
		ServiceItemCode: "04_104_0125_6_1",
		Description:     "Community access (over budget)",
		Quantity:        1,
		UnitPrice:       generic.NewMoneyFromInt(500),
		IsDrawdown:      true,
	}, scenarioActor)
	return err
}

func (h *Handler) loadRenewalDueScenario(ctx context.Context) error {
	today := generic.Today(h.Clock)

	// Ends in about two weeks.
	soon := factory.AnnualDrawDown(24000, today.AddMonths(-12).AddDays(14), generic.RateMonthly)
	if _, _, err := h.seedActiveContract(ctx, "Chloe", "Nguyen", "430000003", soon); err != nil {
		return err
	}

	// Lapsed last week, then expired by the sweep.
	lapsed := factory.AnnualDrawDown(18000, today.AddMonths(-12).AddDays(-7), generic.RateWeekly)
	if _, _, err := h.seedActiveContract(ctx, "Dev", "Patel", "430000004", lapsed); err != nil {
		return err
	}
	if _, err := h.Contracts.ExpireOverdue(ctx, scenarioActor); err != nil {
		return err
	}

	// Renewed once already: parent Renewed, child Active.
	prev := factory.AnnualDrawDown(30000, today.AddMonths(-12).AddDays(3), generic.RateMonthly)
	res, parent, err := h.seedActiveContract(ctx, "Ella", "Walsh", "430000005", prev)
	if err != nil {
		return err
	}
	next := factory.AnnualDrawDown(32000, parent.EndDate.AddDays(1), generic.RateMonthly)
	renewed, err := h.Contracts.CreateContractRenewal(ctx, res.ID, parent.ID, next, scenarioActor)
	if err != nil {
		return err
	}
	for _, c := range renewed.Contracts {
		if c.ParentContractID != nil && *c.ParentContractID == parent.ID {
			_, err = h.Contracts.UpdateContractStatus(ctx, res.ID, c.ID, generic.ContractActive, scenarioActor)
			return err
		}
	}
	return nil
}

func (h *Handler) loadBillingAutomationScenario(ctx context.Context) error {
	today := generic.Today(h.Clock)
	a := generic.Automation{
		Name:        "Weekly SIL billing",
		Enabled:     true,
		Frequency:   generic.RateWeekly,
		NextRunDate: today,
	}
	for _, p := range []struct{ first, last, ndis string }{
		{"Finn", "Murphy", "430000006"},
		{"Grace", "Tan", "430000007"},
	} {
		res, contract, err := h.seedActiveContract(ctx, p.first, p.last, p.ndis,
			factory.AnnualDrawDown(40000, today.AddMonths(-2), generic.RateWeekly))
		if err != nil {
			return err
		}
		a.Items = append(a.Items, generic.AutomationItem{
			ResidentID:      res.ID,
			ContractID:      contract.ID,
			ServiceItemCode: "01_011_0107_1_1",
			Description:     "Weekly SIL",
			Quantity:        1,
			UnitPrice:       generic.NewMoneyFromInt(750),
		})
	}
	_, err := h.Billing.CreateAutomation(ctx, a)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// seedActiveContract creates a resident with one contract and activates it.
func (h *Handler) seedActiveContract(ctx context.Context, first, last, ndis string, terms generic.ContractTerms) (*generic.Resident, *generic.FundingContract, error) {
	res, err := h.Contracts.CreateResident(ctx, generic.NewResident{
		FirstName: first, LastName: last, NDISNumber: ndis, HouseID: "house-01",
	}, scenarioActor)
	if err != nil {
		return nil, nil, err
	}
	res, err = h.Contracts.CreateContract(ctx, res.ID, terms, scenarioActor)
	if err != nil {
		return nil, nil, err
	}
	id := res.Contracts[len(res.Contracts)-1].ID
	res, err = h.Contracts.UpdateContractStatus(ctx, res.ID, id, generic.ContractActive, scenarioActor)
	if err != nil {
		return nil, nil, err
	}
	c, _ := res.Contract(id)
	return res, &c, nil
}

func (h *Handler) seedPosted(ctx context.Context, resident generic.ResidentID, contract generic.ContractID, at generic.TimePoint, code, desc string, qty int, price generic.Money) (*generic.Transaction, error) {
	tx, err := h.Transactions.CreateTransaction(ctx, drawdown.CreateTransactionInput{
		ResidentID:      resident,
		ContractID:      contract,
		OccurredAt:      at.Time,
		ServiceItemCode: code,
		Description:     desc,
		Quantity:        qty,
		UnitPrice:       price,
		IsDrawdown:      true,
	}, scenarioActor)
	if err != nil {
		return nil, err
	}
	return h.Transactions.PostTransaction(ctx, tx.ID, scenarioActor)
}
