// Package model defines data structures for the streaming turn engine.
package model

import (
	"time"
)

// Conversation represents a conversation thread and the bookkeeping needed to resume it.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	TitleDerived bool      `json:"title_derived,omitempty"`
	Feature      Feature   `json:"feature"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// Trailing returns the last message, or nil for an empty conversation.
func (c *Conversation) Trailing() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg.Clone()
	}
	return &out
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title   string  `json:"title"`
	Feature Feature `json:"feature"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Feature      Feature   `json:"feature"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}
