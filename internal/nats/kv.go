package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

const (
	// ConversationsBucket holds one JSON document per conversation.
	ConversationsBucket = "STREAMTURN_CONVERSATIONS"

	// AccountsBucket holds one JSON document per entitlement account.
	AccountsBucket = "STREAMTURN_ACCOUNTS"

	// ReceiptsBucket holds one JSON receipt per applied turn or payment.
	ReceiptsBucket = "STREAMTURN_RECEIPTS"
)

// Store keeps conversations and accounts in JetStream key-value buckets. The
// KV revision of an account entry is its optimistic-concurrency token.
type Store struct {
	conversations jetstream.KeyValue
	accounts      jetstream.KeyValue
	receipts      jetstream.KeyValue
	logger        *logger.Logger
}

// NewStore opens the buckets, creating them on first use.
func NewStore(ctx context.Context, client *Client, log *logger.Logger) (*Store, error) {
	conversations, err := ensureBucket(ctx, client.JetStream(), jetstream.KeyValueConfig{
		Bucket:      ConversationsBucket,
		Description: "Conversation histories",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	accounts, err := ensureBucket(ctx, client.JetStream(), jetstream.KeyValueConfig{
		Bucket:      AccountsBucket,
		Description: "Entitlement accounts",
		History:     5,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	receipts, err := ensureBucket(ctx, client.JetStream(), jetstream.KeyValueConfig{
		Bucket:      ReceiptsBucket,
		Description: "Applied debits and grants",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		conversations: conversations,
		accounts:      accounts,
		receipts:      receipts,
		logger:        logger.OrGlobal(log),
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Key returns the KV key for an id. KV keys are restricted to a small
// alphabet, so ids are base64url encoded.
func Key(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// SaveConversation implements service.ConversationPersister.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.conversations.Put(ctx, Key(conv.ID), data); err != nil {
		return fmt.Errorf("failed to put conversation: %w", err)
	}
	return nil
}

// LoadConversation implements service.ConversationPersister.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	entry, err := s.conversations.Get(ctx, Key(conversationID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, service.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations implements service.ConversationLister by scanning the
// bucket's current values.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	watcher, err := s.conversations.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch conversations: %w", err)
	}
	defer watcher.Stop()

	var convs []*model.Conversation
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			// A nil entry marks the end of the initial values.
			if !ok || entry == nil {
				return convs, nil
			}
			var conv model.Conversation
			if err := json.Unmarshal(entry.Value(), &conv); err != nil {
				s.logger.Warn("skipping unreadable conversation",
					zap.String("key", entry.Key()),
					zap.Error(err),
				)
				continue
			}
			if conv.UserID == userID && !conv.Deleted {
				convs = append(convs, &conv)
			}
		}
	}
}

// GetAccount implements ledger.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	entry, err := s.accounts.Get(ctx, Key(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to get account: %w", err)
	}

	var acct model.Account
	if err := json.Unmarshal(entry.Value(), &acct); err != nil {
		return model.Account{}, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	acct.Revision = entry.Revision()
	return acct, nil
}

// SaveAccount implements ledger.AccountStore. A zero revision creates the
// entry; otherwise the write only succeeds if the entry is still at that
// revision.
func (s *Store) SaveAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	data, err := json.Marshal(acct)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to marshal account: %w", err)
	}

	var rev uint64
	if acct.Revision == 0 {
		rev, err = s.accounts.Create(ctx, Key(acct.UserID), data)
	} else {
		rev, err = s.accounts.Update(ctx, Key(acct.UserID), data, acct.Revision)
	}
	if isRevisionConflict(err) {
		return model.Account{}, ledger.ErrRevisionConflict
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to write account: %w", err)
	}

	acct.Revision = rev
	return acct, nil
}

// LookupReceipt implements ledger.ReceiptStore.
func (s *Store) LookupReceipt(ctx context.Context, kind ledger.ReceiptKind, key string) (ledger.Receipt, error) {
	entry, err := s.receipts.Get(ctx, receiptKey(kind, key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to get receipt: %w", err)
	}

	var r ledger.Receipt
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return r, nil
}

// SaveAccountReceipt implements ledger.ReceiptStore. KV buckets have no
// multi-key transactions, so the receipt key is claimed with Create before
// the account write and released again if that write fails. A crash between
// the two leaves the claim without the credit, never the credit twice.
func (s *Store) SaveAccountReceipt(ctx context.Context, acct model.Account, r ledger.Receipt) (model.Account, error) {
	r.Account = acct
	data, err := json.Marshal(r)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to marshal receipt: %w", err)
	}

	key := receiptKey(r.Kind, r.Key)
	claim, err := s.receipts.Create(ctx, key, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return model.Account{}, ledger.ErrAlreadyCharged
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to claim receipt: %w", err)
	}

	saved, err := s.SaveAccount(ctx, acct)
	if err != nil {
		if delErr := s.receipts.Delete(ctx, key, jetstream.LastRevision(claim)); delErr != nil {
			s.logger.Error("failed to release receipt claim",
				zap.String("kind", string(r.Kind)),
				zap.String("key", r.Key),
				zap.Error(delErr),
			)
		}
		return model.Account{}, err
	}
	return saved, nil
}

func receiptKey(kind ledger.ReceiptKind, key string) string {
	return string(kind) + "." + Key(key)
}

func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
