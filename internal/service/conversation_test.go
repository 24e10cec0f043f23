package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

type memoryPersister struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	saves int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{convs: make(map[string]*model.Conversation)}
}

func (p *memoryPersister) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convs[conv.ID] = conv.Clone()
	p.saves++
	return nil
}

func (p *memoryPersister) LoadConversation(ctx context.Context, id string) (*model.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conv, ok := p.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (p *memoryPersister) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.Conversation
	for _, conv := range p.convs {
		if conv.UserID == userID && !conv.Deleted {
			out = append(out, conv.Clone())
		}
	}
	return out, nil
}

func newConversation(t *testing.T, svc *ConversationService, userID string) *model.Conversation {
	t.Helper()
	conv, err := svc.Create(context.Background(), userID, &model.CreateConversationRequest{})
	require.NoError(t, err)
	return conv
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "hello", "hello"},
		{"exact budget", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{"truncated", "Write me a haiku about the ocean at night", "Write me a haiku about the oce..."},
		{"whitespace collapsed", "  hello \n\t world  ", "hello world"},
		{"multibyte", strings.Repeat("é", 31), strings.Repeat("é", 30) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.in))
		})
	}
}

func TestConversationService_CreateDefaultsToChat(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())
	conv := newConversation(t, svc, "u1")

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, model.FeatureChat, conv.Feature)
	assert.Empty(t, conv.Title)
	assert.False(t, conv.TitleDerived)
	assert.Empty(t, conv.Messages)
}

func TestConversationService_AppendAndUpsert(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())
	conv := newConversation(t, svc, "u1")

	// Nothing to replace in an empty conversation.
	updated, err := svc.UpsertTrailingAssistant(conv.ID, "x", nil)
	require.NoError(t, err)
	assert.False(t, updated)

	require.NoError(t, svc.Append(conv.ID, model.Message{Role: model.RoleUser, Content: "hello"}))

	// The trailing message belongs to the user.
	updated, err = svc.UpsertTrailingAssistant(conv.ID, "x", nil)
	require.NoError(t, err)
	assert.False(t, updated)

	require.NoError(t, svc.Append(conv.ID, model.Message{Role: model.RoleAssistant}))
	for _, text := range []string{"Hi", "Hi there"} {
		updated, err = svc.UpsertTrailingAssistant(conv.ID, text, map[string]any{model.SidePreviewURL: "https://p"})
		require.NoError(t, err)
		assert.True(t, updated)
	}

	msgs, err := svc.History(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, "https://p", msgs[1].Attachments[model.SidePreviewURL])
	assert.NotEmpty(t, msgs[1].ID)
	assert.Equal(t, conv.ID, msgs[1].ConversationID)

	// History hands out copies.
	msgs[1].Content = "mutated"
	again, err := svc.History(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", again[1].Content)
}

func TestConversationService_DeriveTitleOnlyOnce(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())
	conv := newConversation(t, svc, "u1")

	derived, err := svc.DeriveTitleIfEmpty(conv.ID, "first question")
	require.NoError(t, err)
	assert.True(t, derived)

	derived, err = svc.DeriveTitleIfEmpty(conv.ID, "second question")
	require.NoError(t, err)
	assert.False(t, derived)

	got, err := svc.Get(context.Background(), "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first question", got.Title)
}

func TestConversationService_ExplicitTitleIsKept(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())
	conv, err := svc.Create(context.Background(), "u1", &model.CreateConversationRequest{Title: "Named"})
	require.NoError(t, err)

	derived, err := svc.DeriveTitleIfEmpty(conv.ID, "hello")
	require.NoError(t, err)
	assert.False(t, derived)
}

func TestConversationService_OwnershipAndDelete(t *testing.T) {
	persister := newMemoryPersister()
	svc := NewConversationService(persister, logger.NewNop())
	ctx := context.Background()
	conv := newConversation(t, svc, "u1")

	_, err := svc.Get(ctx, "u2", conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "u2", conv.ID), ErrConversationNotFound)

	require.NoError(t, svc.Delete(ctx, "u1", conv.ID))
	_, err = svc.Get(ctx, "u1", conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.True(t, persister.convs[conv.ID].Deleted)

	assert.ErrorIs(t, svc.Delete(ctx, "u1", conv.ID), ErrConversationNotFound)
}

func TestConversationService_List(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, newConversation(t, svc, "u1").ID)
	}
	newConversation(t, svc, "u2")
	require.NoError(t, svc.Append(ids[0], model.Message{Role: model.RoleUser, Content: "bump"}))

	resp, err := svc.List(context.Background(), "u1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
	assert.True(t, resp.HasMore)
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, ids[0], resp.Conversations[0].ID)
	assert.Equal(t, 1, resp.Conversations[0].MessageCount)
	assert.Equal(t, ids[2], resp.Conversations[1].ID)

	resp, err = svc.List(context.Background(), "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, resp.Conversations, 1)
	assert.False(t, resp.HasMore)
}

func TestConversationService_ResumesFromPersister(t *testing.T) {
	persister := newMemoryPersister()
	ctx := context.Background()

	first := NewConversationService(persister, logger.NewNop())
	conv := newConversation(t, first, "u1")
	require.NoError(t, first.Append(conv.ID, model.Message{Role: model.RoleUser, Content: "hello"}))
	require.NoError(t, first.Flush(ctx, conv.ID))

	second := NewConversationService(persister, logger.NewNop())
	_, err := second.History(conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	got, err := second.Get(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)

	msgs, err := second.History(conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConversationService_UnknownConversation(t *testing.T) {
	svc := NewConversationService(nil, logger.NewNop())

	assert.ErrorIs(t, svc.Append("missing", model.Message{}), ErrConversationNotFound)
	_, err := svc.UpsertTrailingAssistant("missing", "x", nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = svc.DeriveTitleIfEmpty("missing", "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationService_ListIncludesPersisted(t *testing.T) {
	persister := newMemoryPersister()
	ctx := context.Background()

	first := NewConversationService(persister, logger.NewNop())
	kept := newConversation(t, first, "u1")
	gone := newConversation(t, first, "u1")
	require.NoError(t, first.Flush(ctx, kept.ID))
	require.NoError(t, first.Flush(ctx, gone.ID))
	require.NoError(t, first.Delete(ctx, "u1", gone.ID))

	second := NewConversationService(persister, logger.NewNop())
	resp, err := second.List(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, kept.ID, resp.Conversations[0].ID)
}
