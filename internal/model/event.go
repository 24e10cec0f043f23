package model

import (
	"time"
)

// TurnEvent is the journal record written when a turn reaches a terminal state.
type TurnEvent struct {
	TurnID         string     `json:"turn_id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Feature        Feature    `json:"feature"`
	State          TurnState  `json:"state"`
	Reason         TurnReason `json:"reason,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	Charged        bool       `json:"charged"`
	TextLength     int        `json:"text_length"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        time.Time  `json:"ended_at"`
}

// NewTurnEvent builds the journal record for a finished turn.
func NewTurnEvent(t Turn) TurnEvent {
	ev := TurnEvent{
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		Feature:        t.Feature,
		State:          t.State,
		Reason:         t.Reason,
		Detail:         t.Detail,
		Charged:        t.Charged,
		TextLength:     len(t.AccumulatedText),
		StartedAt:      t.StartedAt,
	}
	if t.EndedAt != nil {
		ev.EndedAt = *t.EndedAt
	}
	return ev
}

// ErrorEvent is the SSE error payload.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
