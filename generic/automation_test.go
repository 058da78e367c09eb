package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/generic/store"
)

// =============================================================================
// AUTOMATION SCHEDULE TESTS
// =============================================================================

func TestAutomation_Due(t *testing.T) {
	a := generic.Automation{Enabled: true, NextRunDate: generic.MustDate("2024-03-04")}

	assert.False(t, a.Due(generic.MustDate("2024-03-03")))
	assert.True(t, a.Due(generic.MustDate("2024-03-04")))
	assert.True(t, a.Due(generic.MustDate("2024-03-20")))

	a.Enabled = false
	assert.False(t, a.Due(generic.MustDate("2024-03-20")))
}

func TestAutomation_Advance_SkipsMissedPeriods(t *testing.T) {
	// GIVEN: A weekly automation that last should have run on Jan 1
	// WHEN: It runs late on Jan 20
	// THEN: The next run is the first weekly slot after today, not Jan 8

	a := generic.Automation{Frequency: generic.RateWeekly, NextRunDate: generic.MustDate("2024-01-01")}

	a.Advance(generic.MustDate("2024-01-20"))

	assert.Equal(t, "2024-01-22", a.NextRunDate.String())
}

func TestAutomation_Advance_OnDueDate(t *testing.T) {
	a := generic.Automation{Frequency: generic.RateMonthly, NextRunDate: generic.MustDate("2024-01-31")}

	a.Advance(generic.MustDate("2024-01-31"))

	assert.Equal(t, "2024-02-29", a.NextRunDate.String())
}

func TestAutomation_Advance_MonthEndKeepsAnchorDay(t *testing.T) {
	// GIVEN: A monthly automation anchored on Jan 31
	// WHEN: It runs on each scheduled date through May
	// THEN: Short months clamp, and later months return to the 31st or
	//       the last day of the month

	a := generic.Automation{Frequency: generic.RateMonthly, NextRunDate: generic.MustDate("2024-01-31")}

	var got []string
	for i := 0; i < 4; i++ {
		a.Advance(a.NextRunDate)
		got = append(got, a.NextRunDate.String())
	}

	assert.Equal(t, []string{"2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"}, got)
	assert.Equal(t, "2024-01-31", a.AnchorDate.String())
}

func TestAutomation_Advance_MonthlyLateRun(t *testing.T) {
	a := generic.Automation{
		Frequency:   generic.RateMonthly,
		NextRunDate: generic.MustDate("2024-02-29"),
		AnchorDate:  generic.MustDate("2024-01-31"),
	}

	a.Advance(generic.MustDate("2024-04-02"))

	assert.Equal(t, "2024-04-30", a.NextRunDate.String())
}

func TestAutomation_Validate(t *testing.T) {
	a := generic.Automation{
		Frequency:   "hourly",
		NextRunDate: generic.MustDate("2024-01-01"),
		Items: []generic.AutomationItem{
			{ResidentID: "res-1", ContractID: "", Quantity: 0, UnitPrice: generic.MustMoney("-1")},
		},
	}

	codes := map[generic.RuleCode]bool{}
	for _, v := range a.Validate() {
		codes[v.Code] = true
	}

	assert.True(t, codes[generic.RuleNameMissing])
	assert.True(t, codes[generic.RuleDrawdownRate])
	assert.True(t, codes[generic.RuleItemTarget])
	assert.True(t, codes[generic.RuleQuantityInvalid])
	assert.True(t, codes[generic.RuleUnitPriceNegative])
}

func TestAutomationRun_Record(t *testing.T) {
	run := generic.AutomationRun{TotalPosted: generic.ZeroMoney()}

	run.Record(generic.RunItemResult{Success: true, Amount: generic.MustMoney("193.99")})
	run.Record(generic.RunItemResult{Success: false, Amount: generic.MustMoney("50"), Errors: []string{"inactive"}})
	run.Record(generic.RunItemResult{Success: true, Amount: generic.MustMoney("6.01")})

	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, "200.00", run.TotalPosted.String())
	assert.Len(t, run.Results, 3)
}

// =============================================================================
// LEDGER RECOMPUTATION TESTS
// =============================================================================

func TestRecomputeContractBalance_FromPostedOnly(t *testing.T) {
	// GIVEN: A 1000 contract with one posted, one draft and one voided transaction
	// WHEN: Recomputing its balance
	// THEN: Only the posted amount is deducted

	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	c := activeContract("1000", "2024-01-01", "2024-12-31", generic.RateMonthly)
	require.NoError(t, st.InsertContract(ctx, &c))

	for _, tx := range []generic.Transaction{
		{ID: "tx-1", ContractID: c.ID, Amount: generic.MustMoney("250"), Status: generic.TxPosted},
		{ID: "tx-2", ContractID: c.ID, Amount: generic.MustMoney("100"), Status: generic.TxDraft},
		{ID: "tx-3", ContractID: c.ID, Amount: generic.MustMoney("400"), Status: generic.TxVoided},
	} {
		require.NoError(t, st.InsertTransaction(ctx, &tx))
	}

	var got *generic.FundingContract
	err := st.WithTx(ctx, func(s generic.Store) error {
		var err error
		got, err = generic.RecomputeContractBalance(ctx, s, c.ID, now)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, "750.00", got.CurrentBalance.String())
	assert.Equal(t, 2, got.Version)
}

func TestRecomputeContractBalance_ExpiredStaysZero(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	c := activeContract("1000", "2024-01-01", "2024-12-31", generic.RateMonthly)
	c.Status = generic.ContractExpired
	c.CurrentBalance = generic.ZeroMoney()
	require.NoError(t, st.InsertContract(ctx, &c))

	got, err := generic.RecomputeContractBalance(ctx, st, c.ID, time.Now())

	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.IsZero())
	assert.Equal(t, 1, got.Version, "unchanged balance is not re-saved")
}

func TestLedgerBalance_Clamps(t *testing.T) {
	c := activeContract("1000", "2024-01-01", "2024-12-31", generic.RateMonthly)

	assert.True(t, generic.LedgerBalance(c, generic.MustMoney("1500")).IsZero())
	assert.Equal(t, "1000.00", generic.LedgerBalance(c, generic.ZeroMoney()).String())
}

func TestSequenceGenerator_PerPrefix(t *testing.T) {
	ids := generic.NewSequenceGenerator()

	assert.Equal(t, "tx-1", ids.NewID(generic.PrefixTransaction))
	assert.Equal(t, "tx-2", ids.NewID(generic.PrefixTransaction))
	assert.Equal(t, "ctr-1", ids.NewID(generic.PrefixContract))
	assert.Regexp(t, `^res-[0-9a-f-]{36}$`, generic.UUIDGenerator{}.NewID(generic.PrefixResident))
}
