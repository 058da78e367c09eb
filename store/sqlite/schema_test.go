package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/drawdown-engine/generic"
)

// These tests write rows behind the store's back to check what the schema
// itself enforces and how unreadable rows surface.

func newRawStore(t *testing.T) *Store {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveResident(ctx, &generic.Resident{
		ID: "res-1", FirstName: "Ada", LastName: "Byron", Status: generic.ResidentActive, CreatedAt: now, UpdatedAt: now,
	}))
	c := generic.FundingContract{
		ID: "ctr-1", ResidentID: "res-1", Type: generic.ContractDrawDown,
		OriginalAmount: generic.MustMoney("1000"), CurrentBalance: generic.MustMoney("1000"),
		StartDate: generic.MustDate("2024-01-01"), DrawdownRate: generic.RateMonthly,
		Status: generic.ContractActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertContract(ctx, &c))
	return store
}

func TestSchema_OriginalAmountImmutable(t *testing.T) {
	store := newRawStore(t)

	_, err := store.db.Exec("UPDATE contracts SET original_amount = '5000' WHERE id = 'ctr-1'")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "original_amount is immutable")
}

func TestSchema_AuditLogAppendOnly(t *testing.T) {
	store := newRawStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendAudit(ctx, generic.AuditLogEntry{
		ID: "aud-1", SubjectType: generic.AuditSubjectResident, SubjectID: "res-1",
		Action: generic.AuditResidentCreated, Timestamp: time.Now(),
	}))

	_, err := store.db.Exec("UPDATE audit_log SET user_id = 'someone' WHERE id = 'aud-1'")
	assert.ErrorContains(t, err, "append-only")

	_, err = store.db.Exec("DELETE FROM audit_log WHERE id = 'aud-1'")
	assert.ErrorContains(t, err, "append-only")
}

func TestSchema_CorruptContractRow_Surfaces(t *testing.T) {
	// GIVEN: A contract row whose balance is not a number
	// WHEN: Reading it
	// THEN: A CorruptRecordError names the row instead of it being skipped

	store := newRawStore(t)
	_, err := store.db.Exec("UPDATE contracts SET current_balance = 'lots' WHERE id = 'ctr-1'")
	require.NoError(t, err)

	_, err = store.GetContract(context.Background(), "ctr-1")

	var corrupt *generic.CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "contract", corrupt.Kind)
	assert.Equal(t, "ctr-1", corrupt.ID)
	assert.ErrorIs(t, err, generic.ErrCorruptRecord)

	_, err = store.ListContracts(context.Background(), generic.ContractFilter{})
	assert.ErrorIs(t, err, generic.ErrCorruptRecord)
}

func TestSchema_UnknownContractStatus_Surfaces(t *testing.T) {
	store := newRawStore(t)
	_, err := store.db.Exec("UPDATE contracts SET status = 'Paused' WHERE id = 'ctr-1'")
	require.NoError(t, err)

	_, err = store.GetContract(context.Background(), "ctr-1")

	assert.ErrorIs(t, err, generic.ErrCorruptRecord)
}

func TestSchema_MigrateIsIdempotent(t *testing.T) {
	store := newRawStore(t)

	require.NoError(t, store.Migrate(context.Background()))

	c, err := store.GetContract(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", c.OriginalAmount.String())
}
