package model

import (
	"maps"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a conversation message.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Attachments    map[string]any `json:"attachments,omitempty"`
}

// Clone copies the message including its attachment map.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = maps.Clone(m.Attachments)
	}
	return m
}

// StartTurnRequest is the HTTP request body that starts a streaming turn.
type StartTurnRequest struct {
	Feature Feature        `json:"feature"`
	Content string         `json:"content"`
	Fields  map[string]any `json:"fields,omitempty"`
}
