package ledger

import (
	"context"
	"sync"

	"github.com/capitalize-ai/streamturn/internal/model"
)

// AccountStore is the authoritative home of entitlement accounts.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (model.Account, error)

	// SaveAccount writes acct if its Revision matches the stored one (zero for a
	// new account) and returns it with the new Revision, or ErrRevisionConflict.
	SaveAccount(ctx context.Context, acct model.Account) (model.Account, error)
}

// ReceiptStore is an AccountStore that writes a receipt in the same atomic
// step as the account it describes. Ledgers backed by one detect replayed
// turns and payments across restarts.
type ReceiptStore interface {
	AccountStore

	// LookupReceipt returns ErrReceiptNotFound when no receipt has kind and key.
	LookupReceipt(ctx context.Context, kind ReceiptKind, key string) (Receipt, error)

	// SaveAccountReceipt behaves like SaveAccount and also stores r, with
	// r.Account set to the written account. If a receipt with the same kind
	// and key exists it writes nothing and returns ErrAlreadyCharged.
	SaveAccountReceipt(ctx context.Context, acct model.Account, r Receipt) (model.Account, error)
}

// Journal receives an audit record of every debit and grant.
type Journal interface {
	RecordCharge(ctx context.Context, receipt Receipt) error
}

// MemoryAccountStore keeps accounts in process memory.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	receipts map[string]Receipt
}

// NewMemoryAccountStore creates an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts: make(map[string]model.Account),
		receipts: make(map[string]Receipt),
	}
}

// GetAccount implements AccountStore.
func (s *MemoryAccountStore) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return model.Account{}, ErrAccountNotFound
	}
	return acct, nil
}

// SaveAccount implements AccountStore.
func (s *MemoryAccountStore) SaveAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(acct)
}

// LookupReceipt implements ReceiptStore.
func (s *MemoryAccountStore) LookupReceipt(ctx context.Context, kind ReceiptKind, key string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[receiptID(kind, key)]
	if !ok {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

// SaveAccountReceipt implements ReceiptStore.
func (s *MemoryAccountStore) SaveAccountReceipt(ctx context.Context, acct model.Account, r Receipt) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := receiptID(r.Kind, r.Key)
	if _, ok := s.receipts[id]; ok {
		return model.Account{}, ErrAlreadyCharged
	}

	saved, err := s.save(acct)
	if err != nil {
		return model.Account{}, err
	}
	r.Account = saved
	s.receipts[id] = r
	return saved, nil
}

func (s *MemoryAccountStore) save(acct model.Account) (model.Account, error) {
	current, exists := s.accounts[acct.UserID]
	switch {
	case !exists && acct.Revision != 0:
		return model.Account{}, ErrRevisionConflict
	case exists && current.Revision != acct.Revision:
		return model.Account{}, ErrRevisionConflict
	}

	acct.Revision++
	s.accounts[acct.UserID] = acct
	return acct, nil
}

func receiptID(kind ReceiptKind, key string) string {
	return string(kind) + ":" + key
}
