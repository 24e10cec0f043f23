package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
)

const (
	// StreamName is the name of the journal stream.
	StreamName = "STREAMTURN_JOURNAL"

	// TurnSubjectPrefix prefixes finished-turn records.
	TurnSubjectPrefix = "turn"

	// LedgerSubjectPrefix prefixes debit and grant receipts.
	LedgerSubjectPrefix = "ledger"
)

// Journal appends finished turns and ledger receipts to a JetStream stream.
type Journal struct {
	client *Client
}

// NewJournal creates a journal on client.
func NewJournal(client *Client) *Journal {
	return &Journal{client: client}
}

// EnsureStream ensures the journal stream exists with proper configuration.
func (j *Journal) EnsureStream(ctx context.Context) error {
	js := j.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name: StreamName,
		Subjects: []string{
			TurnSubjectPrefix + ".>",
			LedgerSubjectPrefix + ".>",
		},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour, // 1 year
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Finished turns and entitlement ledger receipts",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// TurnSubject returns the subject for a finished turn.
func TurnSubject(userID, conversationID string, state model.TurnState) string {
	return fmt.Sprintf("%s.%s.%s.%s", TurnSubjectPrefix, subjectToken(userID), subjectToken(conversationID), state)
}

// UserTurnsFilter returns the filter subject for all turns of a user.
func UserTurnsFilter(userID string) string {
	return fmt.Sprintf("%s.%s.>", TurnSubjectPrefix, subjectToken(userID))
}

// ChargeSubject returns the subject for a ledger receipt.
func ChargeSubject(userID string, kind ledger.ReceiptKind) string {
	return fmt.Sprintf("%s.%s.%s", LedgerSubjectPrefix, subjectToken(userID), kind)
}

// PublishTurnEvent appends a finished turn to the journal.
func (j *Journal) PublishTurnEvent(ctx context.Context, ev *model.TurnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal turn event: %w", err)
	}

	subject := TurnSubject(ev.UserID, ev.ConversationID, ev.State)
	if _, err := j.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(ev.TurnID)); err != nil {
		return fmt.Errorf("failed to publish turn event: %w", err)
	}
	return nil
}

// RecordCharge appends a ledger receipt to the journal. The receipt key doubles
// as the message id, so a replayed receipt is deduplicated by the server.
func (j *Journal) RecordCharge(ctx context.Context, r ledger.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	opts := []jetstream.PublishOpt{}
	if r.Key != "" {
		opts = append(opts, jetstream.WithMsgID(string(r.Kind)+":"+r.Key))
	}
	if _, err := j.client.JetStream().Publish(ctx, ChargeSubject(r.UserID, r.Kind), data, opts...); err != nil {
		return fmt.Errorf("failed to publish receipt: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns of userID finished since the given time,
// oldest first.
func (j *Journal) RecentTurns(ctx context.Context, userID string, since time.Time, limit int) ([]model.TurnEvent, error) {
	js := j.client.JetStream()

	// Ephemeral; the server removes it once it goes idle.
	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     UserTurnsFilter(userID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverByStartTimePolicy,
		OptStartTime:      &since,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch turns: %w", err)
	}

	events := make([]model.TurnEvent, 0, limit)
	for msg := range batch.Messages() {
		var ev model.TurnEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return events, nil
}
