package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChargeSource records which tier of an account paid for an action.
type ChargeSource string

const (
	SourceFree ChargeSource = "free"
	SourcePaid ChargeSource = "paid"
)

// Account is a user's entitlement record. FreeUsed never exceeds FreeAllowance and
// PaidBalance never goes negative; guests never hold a paid balance.
type Account struct {
	UserID        string          `json:"user_id"`
	FreeAllowance int             `json:"free_allowance"`
	FreeUsed      int             `json:"free_used"`
	PaidBalance   decimal.Decimal `json:"paid_balance"`
	IsGuest       bool            `json:"is_guest"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	// Revision is the store's optimistic-concurrency token; zero means not yet stored.
	Revision uint64 `json:"-"`
}

// FreeRemaining returns the unused part of the free allowance.
func (a Account) FreeRemaining() int {
	if a.FreeUsed >= a.FreeAllowance {
		return 0
	}
	return a.FreeAllowance - a.FreeUsed
}

// GrantRequest is a confirmed payment event adding paid credits.
type GrantRequest struct {
	Credits   decimal.Decimal `json:"credits"`
	PaymentID string          `json:"payment_id"`
}

// AllowanceRequest raises an account's free allowance.
type AllowanceRequest struct {
	Additional int `json:"additional"`
}
