package ledger

import "errors"

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrAlreadyCharged      = errors.New("turn already charged")
	ErrAccountNotFound     = errors.New("account not found")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrRevisionConflict    = errors.New("account revision conflict")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrGuestPaidCredits    = errors.New("guest accounts cannot hold paid credits")
)
