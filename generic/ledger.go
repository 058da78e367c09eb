/*
ledger.go - Contract balance recomputation from the transaction ledger

PURPOSE:
  The transaction ledger is the source of truth for a contract's cached
  CurrentBalance. After every post or void the balance is recomputed in
  full from the posted rows, never adjusted incrementally:

    CurrentBalance = max(0, OriginalAmount − Σ amount where status = posted)

  The sum comes from Store.SumPosted, an indexed query scoped to one
  contract, instead of loading and filtering every transaction.

EXPIRED CONTRACTS:
  Expiry forces the balance to 0 and recomputation leaves it there.

SEE ALSO:
  - drawdown/service.go: Calls RecomputeContractBalance inside WithTx
  - contracts/service.go: Calls it on reactivation
*/
package generic

import (
	"context"
	"time"
)

// LedgerBalance is OriginalAmount minus the posted total, clamped to
// [0, OriginalAmount].
func LedgerBalance(c FundingContract, postedTotal Money) Money {
	return c.ClampBalance(c.OriginalAmount.Sub(postedTotal))
}

// RecomputeContractBalance reloads the contract, recomputes its balance from
// the posted ledger and saves it with version compare-and-swap. Call it with
// the Store handed to a WithTx callback.
func RecomputeContractBalance(ctx context.Context, st Store, id ContractID, now time.Time) (*FundingContract, error) {
	c, err := st.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	balance := ZeroMoney()
	if c.Status != ContractExpired {
		posted, err := st.SumPosted(ctx, id, "")
		if err != nil {
			return nil, err
		}
		balance = LedgerBalance(*c, posted)
	}

	if balance.Equal(c.CurrentBalance) {
		return c, nil
	}
	c.CurrentBalance = balance
	c.UpdatedAt = now
	if err := st.SaveContract(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
