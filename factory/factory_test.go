package factory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/factory"
	"github.com/warp/drawdown-engine/generic"
)

func violationFields(t *testing.T, err error) []string {
	t.Helper()
	var vf *generic.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	out := make([]string, len(vf.Violations))
	for i, v := range vf.Violations {
		out[i] = v.Field
	}
	return out
}

// =============================================================================
// CONTRACT TERMS TESTS
// =============================================================================

func TestParseContractTerms_Defaults(t *testing.T) {
	terms, err := factory.ParseContractTerms([]byte(`{"original_amount": 12000, "start_date": "2024-01-01"}`))

	require.NoError(t, err)
	assert.Equal(t, generic.ContractDrawDown, terms.Type)
	assert.Equal(t, generic.RateMonthly, terms.DrawdownRate)
	assert.Equal(t, "12000.00", terms.OriginalAmount.String())
	assert.Nil(t, terms.EndDate)
	assert.False(t, terms.AutoDrawdown)
}

func TestParseContractTerms_Full(t *testing.T) {
	terms, err := factory.ParseContractTerms([]byte(`{
		"type": "Capture & Invoice",
		"original_amount": "5000.50",
		"start_date": "2024-07-01",
		"end_date": "2025-06-30",
		"drawdown_rate": "Weekly",
		"auto_drawdown": true
	}`))

	require.NoError(t, err)
	assert.Equal(t, generic.ContractCaptureInvoice, terms.Type)
	assert.Equal(t, generic.RateWeekly, terms.DrawdownRate)
	assert.Equal(t, "5000.50", terms.OriginalAmount.String())
	require.NotNil(t, terms.EndDate)
	assert.Equal(t, "2025-06-30", terms.EndDate.String())
	assert.True(t, terms.AutoDrawdown)
}

func TestParseContractTerms_ReportsEveryProblem(t *testing.T) {
	// GIVEN: Terms with a bad type, a zero amount, a malformed start date and
	//        an unknown rate
	// WHEN: Parsing
	// THEN: Each problem is reported once, including the date

	_, err := factory.ParseContractTerms([]byte(`{
		"type": "Grant",
		"original_amount": 0,
		"start_date": "01/07/2024",
		"drawdown_rate": "fortnightly"
	}`))

	assert.ElementsMatch(t, []string{"startDate", "type", "originalAmount", "drawdownRate"}, violationFields(t, err))
}

func TestParseContractTerms_MissingStartAndEndBeforeStart(t *testing.T) {
	_, err := factory.ParseContractTerms([]byte(`{"original_amount": 100}`))
	assert.Equal(t, []string{"startDate"}, violationFields(t, err))

	_, err = factory.ParseContractTerms([]byte(`{"original_amount": 100, "start_date": "2024-07-01", "end_date": "2024-06-30"}`))
	assert.Equal(t, []string{"endDate"}, violationFields(t, err))
}

func TestParseContractTerms_MalformedJSON(t *testing.T) {
	_, err := factory.ParseContractTerms([]byte(`{"original_amount": `))

	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrValidationFailed)
}

func TestTermsToJSON_RoundTrip(t *testing.T) {
	want := factory.AnnualDrawDown(12000, generic.MustDate("2024-07-01"), generic.RateMonthly)

	got, err := factory.ContractTermsFromJSON(factory.TermsToJSON(want))

	require.NoError(t, err)
	assert.Equal(t, want.OriginalAmount.String(), got.OriginalAmount.String())
	assert.Equal(t, want.EndDate.String(), got.EndDate.String())
	assert.Equal(t, want.AutoDrawdown, got.AutoDrawdown)
}

// =============================================================================
// PRESET TESTS
// =============================================================================

func TestAnnualDrawDown_EndsDayBeforeAnniversary(t *testing.T) {
	terms := factory.AnnualDrawDown(12000, generic.MustDate("2024-01-01"), generic.RateMonthly)

	require.NotNil(t, terms.EndDate)
	assert.Equal(t, "2024-12-31", terms.EndDate.String())
	assert.True(t, terms.AutoDrawdown)
	assert.Empty(t, terms.Validate())
}

func TestCaptureAndInvoice_OpenEnded(t *testing.T) {
	terms := factory.CaptureAndInvoice(5000, generic.MustDate("2024-01-01"))

	assert.Nil(t, terms.EndDate)
	assert.False(t, terms.AutoDrawdown)
	assert.Empty(t, terms.Validate())
}

// =============================================================================
// AUTOMATION TESTS
// =============================================================================

func TestParseAutomation_Defaults(t *testing.T) {
	a, err := factory.ParseAutomation([]byte(`{
		"name": " Weekly SIL ",
		"next_run_date": "2024-07-01",
		"items": [{"resident_id": "res-1", "contract_id": "ctr-1",
		           "service_item_code": "01_011_0107_1_1", "quantity": 1, "unit_price": 250}]
	}`))

	require.NoError(t, err)
	assert.Equal(t, "Weekly SIL", a.Name)
	assert.True(t, a.Enabled)
	assert.Equal(t, generic.RateWeekly, a.Frequency)
	assert.Equal(t, "2024-07-01", a.NextRunDate.String())
	require.Len(t, a.Items, 1)
	assert.Equal(t, "250.00", a.Items[0].UnitPrice.String())
	assert.Empty(t, a.ID)
}

func TestParseAutomation_Disabled(t *testing.T) {
	a, err := factory.ParseAutomation([]byte(`{
		"name": "Paused", "enabled": false, "frequency": "monthly", "next_run_date": "2024-07-01",
		"items": [{"resident_id": "res-1", "contract_id": "ctr-1", "quantity": 1, "unit_price": 1}]
	}`))

	require.NoError(t, err)
	assert.False(t, a.Enabled)
	assert.Equal(t, generic.RateMonthly, a.Frequency)
}

func TestParseAutomation_Violations(t *testing.T) {
	_, err := factory.ParseAutomation([]byte(`{
		"next_run_date": "July",
		"items": [{"contract_id": "ctr-1", "quantity": 0, "unit_price": -5}]
	}`))

	assert.ElementsMatch(t, []string{
		"nextRunDate", "name", "items[0]", "items[0].quantity", "items[0].unitPrice",
	}, violationFields(t, err))
}
