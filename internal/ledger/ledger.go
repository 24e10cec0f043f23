package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/metrics"
)

const (
	saveAttempts = 3
	maxReceipts  = 10000
)

// ReceiptKind distinguishes debits from credit grants in the journal.
type ReceiptKind string

const (
	KindDebit ReceiptKind = "debit"
	KindGrant ReceiptKind = "grant"
)

// Receipt is the outcome of a committed ledger operation.
type Receipt struct {
	Key     string             `json:"key"`
	Kind    ReceiptKind        `json:"kind"`
	UserID  string             `json:"user_id"`
	Feature model.Feature      `json:"feature,omitempty"`
	Source  model.ChargeSource `json:"source,omitempty"`
	Amount  decimal.Decimal    `json:"amount"`
	At      time.Time          `json:"at"`

	// Account is the post-commit record as written to the store.
	Account model.Account `json:"account"`
}

// Config holds ledger settings supplied by the host application.
type Config struct {
	Costs          CostTable
	FreeAllowance  int
	GuestAllowance int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal records every receipt to j.
func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger decides affordability and performs debits against an AccountStore.
// Check-and-debit for one account is serialized by a per-account mutex, and
// each turn id is charged at most once.
type Ledger struct {
	store   AccountStore
	journal Journal
	cfg     Config
	logger  *logger.Logger
	locks   *keyedMutex
	now     func() time.Time

	mu       sync.Mutex
	receipts map[string]Receipt
	order    []string
}

// New creates a ledger.
func New(store AccountStore, cfg Config, log *logger.Logger, opts ...Option) *Ledger {
	if cfg.Costs == nil {
		cfg.Costs = DefaultCostTable()
	}
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		logger:   logger.OrGlobal(log),
		locks:    newKeyedMutex(),
		now:      time.Now,
		receipts: make(map[string]Receipt),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Costs returns the configured cost table.
func (l *Ledger) Costs() CostTable {
	return l.cfg.Costs
}

// Policy returns when feature f is charged.
func (l *Ledger) Policy(f model.Feature) (model.ChargePolicy, error) {
	cost, err := l.cfg.Costs.Lookup(f)
	if err != nil {
		return "", err
	}
	return cost.Policy, nil
}

// Account returns the current record for userID.
func (l *Ledger) Account(ctx context.Context, userID string) (model.Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// Open returns the account for userID, creating it with the configured free
// allowance (or the guest allowance) on first use.
func (l *Ledger) Open(ctx context.Context, userID string, guest bool) (model.Account, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return model.Account{}, fmt.Errorf("failed to load account: %w", err)
	}

	now := l.now()
	acct = model.Account{
		UserID:        userID,
		FreeAllowance: l.cfg.FreeAllowance,
		PaidBalance:   decimal.Zero,
		IsGuest:       guest,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if guest {
		acct.FreeAllowance = l.cfg.GuestAllowance
	}

	saved, err := l.store.SaveAccount(ctx, acct)
	if errors.Is(err, ErrRevisionConflict) {
		// Created concurrently elsewhere.
		return l.store.GetAccount(ctx, userID)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	l.logger.Info("account opened",
		zap.String("user_id", userID),
		zap.Bool("guest", guest),
		zap.Int("free_allowance", saved.FreeAllowance),
	)
	return saved, nil
}

// CanAfford reports whether userID can pay for one action of feature f.
func (l *Ledger) CanAfford(ctx context.Context, userID string, f model.Feature) (bool, error) {
	cost, err := l.cfg.Costs.Lookup(f)
	if err != nil {
		return false, err
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load account: %w", err)
	}

	ok := CanAfford(acct, cost)
	if !ok {
		metrics.LedgerRejectionsTotal.WithLabelValues(string(f), strconv.FormatBool(acct.IsGuest)).Inc()
	}
	return ok, nil
}

// Commit debits one action of feature f for the turn identified by turnID.
// A second commit for the same turn returns the original receipt together with
// ErrAlreadyCharged and changes nothing.
func (l *Ledger) Commit(ctx context.Context, userID string, f model.Feature, turnID string) (*Receipt, error) {
	cost, err := l.cfg.Costs.Lookup(f)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	prior, found, err := l.prior(ctx, KindDebit, turnID)
	if err != nil {
		return nil, err
	}
	if found {
		return &prior, ErrAlreadyCharged
	}

	receipt := Receipt{
		Key:     turnID,
		Kind:    KindDebit,
		UserID:  userID,
		Feature: f,
	}
	saved, err := l.update(ctx, userID, func(acct model.Account) (model.Account, error) {
		next, src, err := Debit(acct, cost)
		if err != nil {
			return acct, err
		}
		receipt.Source = src
		receipt.Amount = decimal.NewFromInt(1)
		if src == model.SourcePaid {
			receipt.Amount = cost.Unit
		}
		receipt.At = l.now()
		return next, nil
	}, &receipt)
	if errors.Is(err, ErrAlreadyCharged) {
		return l.replayed(ctx, KindDebit, turnID)
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.LedgerRejectionsTotal.WithLabelValues(string(f), strconv.FormatBool(saved.IsGuest)).Inc()
		}
		return nil, err
	}

	receipt.Account = saved
	l.remember(receipt)
	l.record(ctx, receipt)

	source, amount := receipt.Source, receipt.Amount
	spent := 0.0
	if source == model.SourcePaid {
		spent = cost.Unit.InexactFloat64()
	}
	metrics.RecordCommit(string(f), string(source), spent)

	l.logger.Info("ledger commit",
		zap.String("user_id", userID),
		zap.String("turn_id", turnID),
		zap.String("feature", string(f)),
		zap.String("source", string(source)),
		zap.String("amount", amount.String()),
		zap.Int("free_used", saved.FreeUsed),
		zap.String("paid_balance", saved.PaidBalance.String()),
	)

	return &receipt, nil
}

// Grant adds paid credits from a confirmed payment. Replaying the same payment
// id returns the original receipt with ErrAlreadyCharged.
func (l *Ledger) Grant(ctx context.Context, userID string, credits decimal.Decimal, paymentID string) (*Receipt, error) {
	if !credits.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	key := "payment:" + paymentID
	var receipt *Receipt
	if paymentID != "" {
		prior, found, err := l.prior(ctx, KindGrant, key)
		if err != nil {
			return nil, err
		}
		if found {
			return &prior, ErrAlreadyCharged
		}
		receipt = &Receipt{Key: key, Kind: KindGrant, UserID: userID, Amount: credits}
	}

	saved, err := l.update(ctx, userID, func(acct model.Account) (model.Account, error) {
		if acct.IsGuest {
			return acct, ErrGuestPaidCredits
		}
		acct.PaidBalance = acct.PaidBalance.Add(credits)
		if receipt != nil {
			receipt.At = l.now()
		}
		return acct, nil
	}, receipt)
	if errors.Is(err, ErrAlreadyCharged) {
		return l.replayed(ctx, KindGrant, key)
	}
	if err != nil {
		return nil, err
	}

	if receipt == nil {
		receipt = &Receipt{Key: key, Kind: KindGrant, UserID: userID, Amount: credits, At: l.now()}
	} else {
		l.remember(*receipt)
	}
	receipt.Account = saved
	l.record(ctx, *receipt)

	l.logger.Info("credits granted",
		zap.String("user_id", userID),
		zap.String("payment_id", paymentID),
		zap.String("credits", credits.String()),
		zap.String("paid_balance", saved.PaidBalance.String()),
	)
	return receipt, nil
}

// RaiseAllowance adds n units to the free allowance (admin or promotional grant).
func (l *Ledger) RaiseAllowance(ctx context.Context, userID string, n int) (model.Account, error) {
	if n <= 0 {
		return model.Account{}, ErrInvalidAmount
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	saved, err := l.update(ctx, userID, func(acct model.Account) (model.Account, error) {
		acct.FreeAllowance += n
		return acct, nil
	}, nil)
	if err != nil {
		return model.Account{}, err
	}

	l.logger.Info("free allowance raised",
		zap.String("user_id", userID),
		zap.Int("additional", n),
		zap.Int("free_allowance", saved.FreeAllowance),
	)
	return saved, nil
}

// update applies fn to the stored account and writes it back, retrying when
// another writer won the revision race. When r is set and the store is a
// ReceiptStore, r is written in the same step and a replay surfaces as
// ErrAlreadyCharged. Callers hold the account lock.
func (l *Ledger) update(ctx context.Context, userID string, fn func(model.Account) (model.Account, error), r *Receipt) (model.Account, error) {
	receipts, durable := l.store.(ReceiptStore)
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		acct, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return model.Account{}, fmt.Errorf("failed to load account: %w", err)
		}

		next, err := fn(acct)
		if err != nil {
			return acct, err
		}
		next.UpdatedAt = l.now()

		var saved model.Account
		if durable && r != nil {
			saved, err = receipts.SaveAccountReceipt(ctx, next, *r)
		} else {
			saved, err = l.store.SaveAccount(ctx, next)
		}
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, ErrAlreadyCharged) {
			return model.Account{}, err
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return model.Account{}, fmt.Errorf("failed to save account: %w", err)
		}
		lastErr = err
		l.logger.Warn("account revision conflict, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
		)
	}
	return model.Account{}, lastErr
}

// prior finds an earlier receipt for key, first in the in-process cache and
// then in the store when it keeps receipts.
func (l *Ledger) prior(ctx context.Context, kind ReceiptKind, key string) (Receipt, bool, error) {
	if r, ok := l.receipt(key); ok {
		return r, true, nil
	}
	receipts, ok := l.store.(ReceiptStore)
	if !ok {
		return Receipt{}, false, nil
	}

	r, err := receipts.LookupReceipt(ctx, kind, key)
	if errors.Is(err, ErrReceiptNotFound) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("failed to look up receipt: %w", err)
	}
	l.remember(r)
	return r, true, nil
}

// replayed loads the receipt that won a race with the current write.
func (l *Ledger) replayed(ctx context.Context, kind ReceiptKind, key string) (*Receipt, error) {
	r, found, err := l.prior(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrAlreadyCharged
	}
	return &r, ErrAlreadyCharged
}

func (l *Ledger) receipt(key string) (Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[key]
	return r, ok
}

func (l *Ledger) remember(r Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.receipts[r.Key] = r
	l.order = append(l.order, r.Key)
	if len(l.order) > maxReceipts {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.receipts, evict)
	}
}

func (l *Ledger) record(ctx context.Context, r Receipt) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordCharge(ctx, r); err != nil {
		l.logger.Error("failed to journal receipt",
			zap.String("key", r.Key),
			zap.String("user_id", r.UserID),
			zap.Error(err),
		)
	}
}
