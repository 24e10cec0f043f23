// Package ledger implements the per-user entitlement ledger: a free allowance,
// a paid-credit balance and per-feature unit costs.
package ledger

import (
	"github.com/capitalize-ai/streamturn/internal/model"
)

// CanAfford reports whether acct can pay for one action of the given cost.
// One free unit covers one action regardless of the feature's unit cost.
func CanAfford(acct model.Account, cost model.FeatureCost) bool {
	if acct.FreeRemaining() > 0 {
		return true
	}
	if acct.IsGuest {
		return false
	}
	return acct.PaidBalance.GreaterThanOrEqual(cost.Unit)
}

// Debit applies one action to acct. The free allowance is always drawn first;
// guests never spend from a paid balance.
func Debit(acct model.Account, cost model.FeatureCost) (model.Account, model.ChargeSource, error) {
	if acct.FreeRemaining() > 0 {
		acct.FreeUsed++
		return acct, model.SourceFree, nil
	}
	if acct.IsGuest || acct.PaidBalance.LessThan(cost.Unit) {
		return acct, "", ErrInsufficientCredits
	}
	acct.PaidBalance = acct.PaidBalance.Sub(cost.Unit)
	return acct, model.SourcePaid, nil
}
