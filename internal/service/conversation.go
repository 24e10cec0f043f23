// Package service provides the conversation store and the turn coordinator.
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/metrics"
)

const (
	// TitleBudget is the number of characters kept when deriving a title.
	TitleBudget = 30
	// TitleEllipsis marks a truncated title.
	TitleEllipsis = "..."
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
)

// ConversationPersister is the durable home of conversations, keyed by id.
type ConversationPersister interface {
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	// LoadConversation returns ErrConversationNotFound for unknown ids.
	LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
}

// ConversationLister is implemented by persisters that can enumerate the
// conversations of a user.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error)
}

// ConversationService holds the ordered message history of each conversation.
// Messages are append-only except for the trailing assistant message, which a
// streaming turn replaces in place.
type ConversationService struct {
	persister ConversationPersister
	logger    *logger.Logger
	now       func() time.Time

	conversations map[string]*model.Conversation
	mu            sync.RWMutex
}

// NewConversationService creates a new conversation service. persister may be nil.
func NewConversationService(persister ConversationPersister, log *logger.Logger) *ConversationService {
	return &ConversationService{
		persister:     persister,
		logger:        logger.OrGlobal(log),
		now:           time.Now,
		conversations: make(map[string]*model.Conversation),
	}
}

// Create creates a new empty conversation.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	feature := req.Feature
	if feature == "" {
		feature = model.FeatureChat
	}
	now := s.now()

	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		UserID:       userID,
		Title:        req.Title,
		TitleDerived: req.Title != "",
		Feature:      feature,
		Messages:     []model.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	metrics.ConversationsTotal.WithLabelValues(string(feature)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.String("feature", string(feature)),
	)

	return conv.Clone(), nil
}

// Get retrieves a copy of a conversation owned by userID, resuming it from the
// persister when it is not in memory.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv.UserID != userID || conv.Deleted {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// List returns summaries of a user's conversations, most recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	if err := s.hydrate(ctx, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var convs []model.ConversationSummary
	for _, conv := range s.conversations {
		if conv.UserID == userID && !conv.Deleted {
			convs = append(convs, model.ConversationSummary{
				ID:           conv.ID,
				Title:        conv.Title,
				Feature:      conv.Feature,
				MessageCount: len(conv.Messages),
				UpdatedAt:    conv.UpdatedAt,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	// Simple pagination
	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListConversationsResponse{
		Conversations: convs[start:end],
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// Delete soft deletes a conversation and flushes the tombstone.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	conv, err := s.lookup(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if conv.UserID != userID || conv.Deleted {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	conv.Deleted = true
	conv.UpdatedAt = s.now()
	s.mu.Unlock()

	return s.Flush(ctx, conversationID)
}

// History returns a copy of the ordered message list.
func (s *ConversationService) History(conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone().Messages, nil
}

// Append adds msg to the end of the conversation.
func (s *ConversationService) Append(conversationID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.ConversationID = conversationID

	conv.Messages = append(conv.Messages, msg.Clone())
	conv.UpdatedAt = s.now()

	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
	return nil
}

// UpsertTrailingAssistant replaces the content of the trailing assistant
// message wholesale and merges side-channel data into its attachments. It is a
// no-op, reporting false, when the trailing message is not an assistant message.
func (s *ConversationService) UpsertTrailingAssistant(conversationID, content string, side map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}

	trailing := conv.Trailing()
	if trailing == nil || trailing.Role != model.RoleAssistant {
		return false, nil
	}

	trailing.Content = content
	if len(side) > 0 {
		if trailing.Attachments == nil {
			trailing.Attachments = make(map[string]any, len(side))
		}
		maps.Copy(trailing.Attachments, side)
	}
	conv.UpdatedAt = s.now()
	return true, nil
}

// DeriveTitleIfEmpty sets the title from the first user message while the
// conversation is still empty. A title is derived at most once.
func (s *ConversationService) DeriveTitleIfEmpty(conversationID, fromText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if conv.TitleDerived || len(conv.Messages) > 0 {
		return false, nil
	}

	conv.Title = DeriveTitle(fromText)
	conv.TitleDerived = true
	return true, nil
}

// Flush writes the conversation to the persister.
func (s *ConversationService) Flush(ctx context.Context, conversationID string) error {
	if s.persister == nil {
		return nil
	}

	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.RUnlock()
		return ErrConversationNotFound
	}
	snapshot := conv.Clone()
	s.mu.RUnlock()

	if err := s.persister.SaveConversation(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}

// DeriveTitle truncates text to TitleBudget characters, appending TitleEllipsis
// when anything was cut.
func DeriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= TitleBudget {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:TitleBudget])) + TitleEllipsis
}

// hydrate loads persisted conversations of userID that are not in memory yet.
func (s *ConversationService) hydrate(ctx context.Context, userID string) error {
	lister, ok := s.persister.(ConversationLister)
	if !ok {
		return nil
	}

	stored, err := lister.ListConversations(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range stored {
		if _, ok := s.conversations[conv.ID]; ok {
			continue
		}
		if conv.Messages == nil {
			conv.Messages = []model.Message{}
		}
		s.conversations[conv.ID] = conv
	}
	return nil
}

func (s *ConversationService) lookup(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if ok {
		return conv, nil
	}
	if s.persister == nil {
		return nil, ErrConversationNotFound
	}

	loaded, err := s.persister.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if loaded.Messages == nil {
		loaded.Messages = []model.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[conversationID]; ok {
		return existing, nil
	}
	s.conversations[conversationID] = loaded
	s.logger.Debug("conversation resumed", zap.String("conversation_id", conversationID))
	return loaded, nil
}
