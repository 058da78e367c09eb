package contracts_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/contracts"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march1 = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Memory
	ids   *generic.SequenceGenerator
	svc   *contracts.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), ids: generic.NewSequenceGenerator()}
	f.svc = f.at(march1)
	return f
}

// at returns a service over the same store whose clock reads now.
func (f *fixture) at(now time.Time) *contracts.Service {
	return contracts.NewService(f.store, f.ids, generic.FixedClock{At: now}, zerolog.Nop(), nil)
}

func terms(amount, start, end string) generic.ContractTerms {
	t := generic.ContractTerms{
		Type:           generic.ContractDrawDown,
		OriginalAmount: generic.MustMoney(amount),
		StartDate:      generic.MustDate(start),
		DrawdownRate:   generic.RateMonthly,
		AutoDrawdown:   true,
	}
	if end != "" {
		e := generic.MustDate(end)
		t.EndDate = &e
	}
	return t
}

func (f *fixture) resident(t *testing.T) generic.ResidentID {
	t.Helper()
	r, err := f.svc.CreateResident(context.Background(), generic.NewResident{
		FirstName: "Ada", LastName: "Byron", NDISNumber: "431234567", HouseID: "house-1",
	}, "coordinator-1")
	require.NoError(t, err)
	return r.ID
}

// contract creates a contract for rid and optionally activates it.
func (f *fixture) contract(t *testing.T, rid generic.ResidentID, ct generic.ContractTerms, activate bool) generic.ContractID {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.CreateContract(ctx, rid, ct, "coordinator-1")
	require.NoError(t, err)
	id := newestContract(r)
	if activate {
		_, err = f.svc.UpdateContractStatus(ctx, rid, id, generic.ContractActive, "coordinator-1")
		require.NoError(t, err)
	}
	return id
}

// newestContract reads the contract a create or renewal just wrote from the
// last audit entry; Contracts is ordered by start date.
func newestContract(r *generic.Resident) generic.ContractID {
	return generic.ContractID(r.AuditTrail[len(r.AuditTrail)-1].EntityID)
}

func contractIn(t *testing.T, r *generic.Resident, id generic.ContractID) generic.FundingContract {
	t.Helper()
	c, ok := r.Contract(id)
	require.True(t, ok, "contract %s not on resident", id)
	return c
}

// =============================================================================
// RESIDENT TESTS
// =============================================================================

func TestCreateResident_AuditsCreation(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.CreateResident(context.Background(), generic.NewResident{
		FirstName: "  Ada ", LastName: "Byron", NDISNumber: "431234567",
	}, "coordinator-1")

	require.NoError(t, err)
	assert.Equal(t, "Ada", r.FirstName)
	assert.Equal(t, generic.ResidentActive, r.Status)
	require.Len(t, r.AuditTrail, 1)
	assert.Equal(t, generic.AuditResidentCreated, r.AuditTrail[0].Action)
	assert.Equal(t, "coordinator-1", r.AuditTrail[0].UserID)
	assert.Equal(t, march1, r.AuditTrail[0].Timestamp)
}

func TestCreateResident_Invalid_NothingStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateResident(ctx, generic.NewResident{FirstName: "Ada", NDISNumber: "12"}, "coordinator-1")

	var vf *generic.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.Len(t, vf.Violations, 2)

	residents, err := f.svc.ListResidents(ctx)
	require.NoError(t, err)
	assert.Empty(t, residents)
}

// =============================================================================
// CONTRACT CREATION TESTS
// =============================================================================

func TestCreateContract_StartsDraft(t *testing.T) {
	f := newFixture(t)
	rid := f.resident(t)

	r, err := f.svc.CreateContract(context.Background(), rid, terms("12000", "2024-01-01", "2024-12-31"), "coordinator-1")

	require.NoError(t, err)
	require.Len(t, r.Contracts, 1)
	c := r.Contracts[0]
	assert.Equal(t, generic.ContractDraft, c.Status)
	assert.Equal(t, "12000.00", c.CurrentBalance.String())

	last := r.AuditTrail[len(r.AuditTrail)-1]
	assert.Equal(t, generic.AuditContractCreated, last.Action)
	assert.Equal(t, string(c.ID), last.EntityID)
	assert.Equal(t, string(generic.ContractDraft), last.NewValue)
}

func TestCreateContract_UnknownResident(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateContract(context.Background(), "res-404", terms("100", "2024-01-01", ""), "coordinator-1")

	assert.True(t, generic.IsNotFound(err))
}

func TestCreateContract_InvalidTerms(t *testing.T) {
	f := newFixture(t)
	rid := f.resident(t)

	_, err := f.svc.CreateContract(context.Background(), rid, terms("0", "2024-06-01", "2024-01-01"), "coordinator-1")

	var vf *generic.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.True(t, vf.Has(generic.RuleAmountNotPositive))
	assert.True(t, vf.Has(generic.RuleInvalidPeriod))
}

// =============================================================================
// STATUS TRANSITION TESTS
// =============================================================================

func TestUpdateStatus_Activate_SetsBalance(t *testing.T) {
	// GIVEN: A Draft contract
	// WHEN: It is activated
	// THEN: Balance is the original amount, the drawdown clock starts,
	//       and one audit entry records Draft -> Active

	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("12000", "2024-01-01", "2024-12-31"), false)

	r, err := f.svc.UpdateContractStatus(ctx, rid, cid, generic.ContractActive, "coordinator-2")

	require.NoError(t, err)
	c := contractIn(t, r, cid)
	assert.Equal(t, generic.ContractActive, c.Status)
	assert.Equal(t, "12000.00", c.CurrentBalance.String())
	require.NotNil(t, c.LastDrawdownAt)
	assert.Equal(t, march1, *c.LastDrawdownAt)

	require.Len(t, r.AuditTrail, 3)
	entry := r.AuditTrail[2]
	assert.Equal(t, generic.AuditContractStatusChange, entry.Action)
	assert.Equal(t, "contractStatus", entry.Field)
	assert.Equal(t, "Draft", entry.OldValue)
	assert.Equal(t, "Active", entry.NewValue)
	assert.Equal(t, "coordinator-2", entry.UserID)
}

func TestUpdateStatus_InvalidTransition_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), false)

	_, err := f.svc.UpdateContractStatus(ctx, rid, cid, generic.ContractExpired, "coordinator-1")

	var it *generic.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	assert.Equal(t, "Draft", it.From)
	assert.Equal(t, "Expired", it.To)

	r, err := f.svc.GetResident(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, generic.ContractDraft, contractIn(t, r, cid).Status)
	assert.Len(t, r.AuditTrail, 2, "rejected transitions are not audited")
}

func TestUpdateStatus_DirectRenewed_Rejected(t *testing.T) {
	f := newFixture(t)
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)

	_, err := f.svc.UpdateContractStatus(context.Background(), rid, cid, generic.ContractRenewed, "coordinator-1")

	var it *generic.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	assert.Contains(t, it.Reason, "renewal")
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), false)

	_, err := f.svc.UpdateContractStatus(context.Background(), rid, cid, "Paused", "coordinator-1")

	var vf *generic.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.True(t, vf.Has(generic.RuleStatusUnknown))
}

func TestUpdateStatus_Expire_ZeroesBalance(t *testing.T) {
	f := newFixture(t)
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)

	r, err := f.svc.UpdateContractStatus(context.Background(), rid, cid, generic.ContractExpired, "coordinator-1")

	require.NoError(t, err)
	c := contractIn(t, r, cid)
	assert.Equal(t, generic.ContractExpired, c.Status)
	assert.True(t, c.CurrentBalance.IsZero())
}

func TestUpdateStatus_Reactivate_RecomputesFromLedger(t *testing.T) {
	// GIVEN: An active 1000 contract with 300 posted, then deactivated, whose
	//        cached balance was overwritten while suspended
	// WHEN: It is reactivated
	// THEN: The balance is recomputed from the ledger, not trusted

	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)

	txs := drawdown.NewService(f.store, f.ids, generic.FixedClock{At: march1}, zerolog.Nop(), nil)
	tx, err := txs.CreateTransaction(ctx, drawdown.CreateTransactionInput{
		ResidentID:      rid,
		ContractID:      cid,
		OccurredAt:      march1,
		ServiceItemCode: "01_011_0107_1_1",
		Description:     "Self-care",
		Quantity:        3,
		UnitPrice:       generic.MustMoney("100"),
	}, "coordinator-1")
	require.NoError(t, err)
	_, err = txs.PostTransaction(ctx, tx.ID, "coordinator-1")
	require.NoError(t, err)

	_, err = f.svc.UpdateContractStatus(ctx, rid, cid, generic.ContractDeactivated, "coordinator-1")
	require.NoError(t, err)

	stale, err := f.store.GetContract(ctx, cid)
	require.NoError(t, err)
	stale.CurrentBalance = generic.MustMoney("1000")
	require.NoError(t, f.store.SaveContract(ctx, stale))

	r, err := f.svc.UpdateContractStatus(ctx, rid, cid, generic.ContractActive, "coordinator-1")

	require.NoError(t, err)
	assert.Equal(t, "700.00", contractIn(t, r, cid).CurrentBalance.String())
}

func TestUpdateStatus_OtherResidentsContract_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.resident(t)
	other := f.resident(t)
	cid := f.contract(t, owner, terms("1000", "2024-01-01", "2024-12-31"), false)

	_, err := f.svc.UpdateContractStatus(ctx, other, cid, generic.ContractActive, "coordinator-1")

	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// RENEWAL TESTS
// =============================================================================

func TestRenewal_CreatesLinkedDraft(t *testing.T) {
	// GIVEN: An Active contract
	// WHEN: A renewal is created
	// THEN: A Draft child links to the parent, the parent is Renewed, and
	//       exactly one audit entry records the renewal

	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	parent := f.contract(t, rid, terms("12000", "2024-01-01", "2024-12-31"), true)

	before, err := f.svc.GetResident(ctx, rid)
	require.NoError(t, err)

	r, err := f.svc.CreateContractRenewal(ctx, rid, parent, terms("13000", "2025-01-01", "2025-12-31"), "coordinator-1")

	require.NoError(t, err)
	require.Len(t, r.Contracts, 2)
	assert.Equal(t, generic.ContractRenewed, contractIn(t, r, parent).Status)

	child := r.Contracts[1]
	assert.Equal(t, generic.ContractDraft, child.Status)
	require.NotNil(t, child.ParentContractID)
	assert.Equal(t, parent, *child.ParentContractID)
	assert.Equal(t, "13000.00", child.CurrentBalance.String())

	require.Len(t, r.AuditTrail, len(before.AuditTrail)+1)
	entry := r.AuditTrail[len(r.AuditTrail)-1]
	assert.Equal(t, generic.AuditContractRenewed, entry.Action)
	assert.Equal(t, string(child.ID), entry.EntityID)
	assert.Equal(t, "parentContractId", entry.Field)
	assert.Equal(t, string(parent), entry.NewValue)
}

func TestRenewal_ExpiredParentAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	parent := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)
	_, err := f.svc.UpdateContractStatus(ctx, rid, parent, generic.ContractExpired, "coordinator-1")
	require.NoError(t, err)

	r, err := f.svc.CreateContractRenewal(ctx, rid, parent, terms("1000", "2025-01-01", "2025-12-31"), "coordinator-1")

	require.NoError(t, err)
	assert.Equal(t, generic.ContractRenewed, contractIn(t, r, parent).Status)
}

func TestRenewal_DraftParent_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	parent := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), false)

	_, err := f.svc.CreateContractRenewal(ctx, rid, parent, terms("1000", "2025-01-01", "2025-12-31"), "coordinator-1")

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	r, err := f.svc.GetResident(ctx, rid)
	require.NoError(t, err)
	assert.Len(t, r.Contracts, 1, "no child is left behind")
}

func TestRenewal_AlreadyRenewed_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	parent := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)
	_, err := f.svc.CreateContractRenewal(ctx, rid, parent, terms("1000", "2025-01-01", "2025-12-31"), "coordinator-1")
	require.NoError(t, err)

	_, err = f.svc.CreateContractRenewal(ctx, rid, parent, terms("1000", "2025-01-01", "2025-12-31"), "coordinator-1")

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestRenewalChain_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)

	first := f.contract(t, rid, terms("1000", "2023-01-01", "2023-12-31"), true)
	r, err := f.svc.CreateContractRenewal(ctx, rid, first, terms("1100", "2024-01-01", "2024-12-31"), "coordinator-1")
	require.NoError(t, err)
	second := newestContract(r)
	_, err = f.svc.UpdateContractStatus(ctx, rid, second, generic.ContractActive, "coordinator-1")
	require.NoError(t, err)
	r, err = f.svc.CreateContractRenewal(ctx, rid, second, terms("1200", "2025-01-01", "2025-12-31"), "coordinator-1")
	require.NoError(t, err)
	third := newestContract(r)

	chain, err := f.svc.RenewalChain(ctx, third)

	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, third, chain[0].ID)
	assert.Equal(t, second, chain[1].ID)
	assert.Equal(t, first, chain[2].ID)
	assert.Nil(t, chain[2].ParentContractID)
}

func TestRenewalChain_CycleIsCorrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), false)

	c, err := f.store.GetContract(ctx, cid)
	require.NoError(t, err)
	self := cid
	c.ParentContractID = &self
	require.NoError(t, f.store.SaveContract(ctx, c))

	_, err = f.svc.RenewalChain(ctx, cid)

	assert.ErrorIs(t, err, generic.ErrCorruptRecord)
}

// =============================================================================
// EXPIRY AND RENEWAL QUEUE TESTS
// =============================================================================

func TestExpireOverdue_OnlyPastEnd(t *testing.T) {
	// GIVEN: Two active contracts, one ending yesterday and one next month
	// WHEN: The expiry sweep runs
	// THEN: Only the overdue one expires with a zero balance, and a second
	//       sweep finds nothing

	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	overdue := f.contract(t, rid, terms("1000", "2023-03-01", "2024-02-29"), true)
	current := f.contract(t, rid, terms("1000", "2024-01-01", "2024-03-31"), true)
	open := f.contract(t, rid, terms("1000", "2024-01-01", ""), true)

	n, err := f.svc.ExpireOverdue(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := f.svc.GetResident(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, generic.ContractExpired, contractIn(t, r, overdue).Status)
	assert.True(t, contractIn(t, r, overdue).CurrentBalance.IsZero())
	assert.Equal(t, generic.ContractActive, contractIn(t, r, current).Status)
	assert.Equal(t, generic.ContractActive, contractIn(t, r, open).Status)

	last := r.AuditTrail[len(r.AuditTrail)-1]
	assert.Equal(t, "system", last.UserID)
	assert.Equal(t, string(overdue), last.EntityID)

	n, err = f.svc.ExpireOverdue(ctx, "system")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenewalQueue_SoonestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)

	later := f.contract(t, rid, terms("1000", "2023-04-01", "2024-03-25"), true)
	sooner := f.contract(t, rid, terms("1000", "2023-03-10", "2024-03-09"), true)
	f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)
	f.contract(t, rid, terms("1000", "2023-03-01", "2024-03-05"), false)
	lapsed := f.contract(t, rid, terms("1000", "2023-01-01", "2024-01-31"), true)
	_, err := f.svc.UpdateContractStatus(ctx, rid, lapsed, generic.ContractExpired, "coordinator-1")
	require.NoError(t, err)

	queue, err := f.svc.RenewalQueue(ctx)

	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, lapsed, queue[0].ContractID)
	assert.Equal(t, sooner, queue[1].ContractID)
	assert.Equal(t, later, queue[2].ContractID)
	assert.Equal(t, 8, *queue[1].DaysUntilExpiry)
	assert.True(t, queue[0].NeedsRenewal)
}

func TestSummaryAsOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	cid := f.contract(t, rid, terms("12000", "2024-01-01", "2024-12-31"), true)

	now, err := f.svc.Summary(ctx, rid, cid)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", now.AsOf.String())

	july, err := f.svc.SummaryAsOf(ctx, rid, cid, generic.MustDate("2024-07-01"))
	require.NoError(t, err)
	assert.Equal(t, "6545.45", july.TimeBasedBalance.String())
	assert.Equal(t, "12000.00", july.LedgerBalance.String())

	_, err = f.svc.Summary(ctx, rid, "ctr-404")
	assert.True(t, generic.IsNotFound(err))
}

func TestExpireOverdue_DayAfterEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := f.resident(t)
	f.contract(t, rid, terms("1000", "2024-01-01", "2024-12-31"), true)

	n, err := f.at(time.Date(2024, time.December, 31, 23, 59, 0, 0, time.UTC)).ExpireOverdue(ctx, "system")
	require.NoError(t, err)
	assert.Zero(t, n, "the end date itself is still inside the term")

	n, err = f.at(time.Date(2025, time.January, 1, 0, 0, 1, 0, time.UTC)).ExpireOverdue(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
