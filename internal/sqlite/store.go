// Package sqlite persists conversations, accounts and the turn and charge
// journal in a single SQLite file for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, deleted);

CREATE TABLE IF NOT EXISTS accounts (
	user_id  TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	doc      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	turn_id         TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	state           TEXT NOT NULL,
	ended_at        INTEGER NOT NULL,
	doc             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, ended_at);

CREATE TABLE IF NOT EXISTS receipts (
	kind    TEXT NOT NULL,
	key     TEXT NOT NULL,
	user_id TEXT NOT NULL,
	at      INTEGER NOT NULL,
	doc     TEXT NOT NULL,
	PRIMARY KEY (kind, key)
);
`

// Store is a SQLite-backed conversation persister, account store and journal.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log = logger.OrGlobal(log)
	log.Info("sqlite store opened", zap.String("path", path))
	return &Store{db: db, logger: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveConversation implements service.ConversationPersister.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, deleted, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deleted = excluded.deleted,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		conv.ID, conv.UserID, conv.Deleted, conv.UpdatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// LoadConversation implements service.ConversationPersister.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM conversations WHERE id = ?`, conversationID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal([]byte(doc), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations implements service.ConversationLister.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM conversations
		WHERE user_id = ? AND deleted = 0
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv model.Conversation
		if err := json.Unmarshal([]byte(doc), &conv); err != nil {
			s.logger.Warn("skipping unreadable conversation", zap.Error(err))
			continue
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// GetAccount implements ledger.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	var (
		doc      string
		revision uint64
	)
	err := s.db.QueryRowContext(ctx, `SELECT doc, revision FROM accounts WHERE user_id = ?`, userID).Scan(&doc, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to load account: %w", err)
	}

	var acct model.Account
	if err := json.Unmarshal([]byte(doc), &acct); err != nil {
		return model.Account{}, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	acct.Revision = revision
	return acct, nil
}

// SaveAccount implements ledger.AccountStore with a compare-and-swap on the
// revision column.
func (s *Store) SaveAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	return saveAccount(ctx, s.db, acct)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveAccount(ctx context.Context, db execer, acct model.Account) (model.Account, error) {
	doc, err := json.Marshal(acct)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to marshal account: %w", err)
	}

	next := acct.Revision + 1
	var res sql.Result
	if acct.Revision == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, revision, doc) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			acct.UserID, next, string(doc))
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE accounts SET revision = ?, doc = ?
			WHERE user_id = ? AND revision = ?`,
			next, string(doc), acct.UserID, acct.Revision)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to save account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to save account: %w", err)
	}
	if n == 0 {
		return model.Account{}, ledger.ErrRevisionConflict
	}

	acct.Revision = next
	return acct, nil
}

// SaveAccountReceipt implements ledger.ReceiptStore. The receipt insert and
// the account write share one transaction, so a replayed key leaves the
// account untouched.
func (s *Store) SaveAccountReceipt(ctx context.Context, acct model.Account, r ledger.Receipt) (model.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved, err := saveAccount(ctx, tx, acct)
	if err != nil {
		return model.Account{}, err
	}

	r.Account = saved
	doc, err := json.Marshal(r)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to marshal receipt: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (kind, key, user_id, at, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO NOTHING`,
		string(r.Kind), r.Key, r.UserID, r.At.UnixNano(), string(doc))
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to record receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Account{}, fmt.Errorf("failed to record receipt: %w", err)
	} else if n == 0 {
		return model.Account{}, ledger.ErrAlreadyCharged
	}

	if err := tx.Commit(); err != nil {
		return model.Account{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

// LookupReceipt implements ledger.ReceiptStore.
func (s *Store) LookupReceipt(ctx context.Context, kind ledger.ReceiptKind, key string) (ledger.Receipt, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE kind = ? AND key = ?`, string(kind), key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to load receipt: %w", err)
	}

	var r ledger.Receipt
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return r, nil
}

// RecordCharge implements ledger.Journal. Replayed receipts are ignored.
func (s *Store) RecordCharge(ctx context.Context, r ledger.Receipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (kind, key, user_id, at, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO NOTHING`,
		string(r.Kind), r.Key, r.UserID, r.At.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to record receipt: %w", err)
	}
	return nil
}

// Receipts returns the receipts of userID, oldest first.
func (s *Store) Receipts(ctx context.Context, userID string) ([]ledger.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM receipts WHERE user_id = ? ORDER BY at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []ledger.Receipt
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		var r ledger.Receipt
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// PublishTurnEvent implements service.TurnJournal.
func (s *Store) PublishTurnEvent(ctx context.Context, ev *model.TurnEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal turn event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, user_id, conversation_id, state, ended_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			doc = excluded.doc`,
		ev.TurnID, ev.UserID, ev.ConversationID, string(ev.State), ev.EndedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns of userID finished since the given
// time, oldest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, since time.Time, limit int) ([]model.TurnEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM turns
		WHERE user_id = ? AND ended_at >= ?
		ORDER BY ended_at
		LIMIT ?`, userID, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	events := make([]model.TurnEvent, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var ev model.TurnEvent
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
