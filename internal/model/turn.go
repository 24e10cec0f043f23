package model

import (
	"maps"
	"time"
)

// TurnState is the lifecycle state of a streaming turn.
type TurnState string

const (
	TurnIdle       TurnState = "idle"
	TurnConnecting TurnState = "connecting"
	TurnStreaming  TurnState = "streaming"
	TurnCompleted  TurnState = "completed"
	TurnFailed     TurnState = "failed"
	TurnCancelled  TurnState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnCancelled
}

// TurnReason explains a terminal state.
type TurnReason string

const (
	ReasonInsufficientCredits TurnReason = "insufficient_credits"
	ReasonTransportError      TurnReason = "transport_error"
	ReasonUpstreamError       TurnReason = "upstream_error"
	ReasonGuestLimitReached   TurnReason = "guest_limit_reached"
	ReasonInternalError       TurnReason = "internal_error"
)

// Side-channel keys carried next to the display text.
const (
	SideFiles         = "files"
	SidePreviewURL    = "previewUrl"
	SidePreviewDirect = "previewDirect"
	SideError         = "error"
	SideChargeError   = "chargeError"
)

// Turn is one request/response exchange with the streaming backend.
type Turn struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	UserID          string         `json:"user_id"`
	Feature         Feature        `json:"feature"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	State           TurnState      `json:"state"`
	Reason          TurnReason     `json:"reason,omitempty"`
	Detail          string         `json:"detail,omitempty"`
	AccumulatedText string         `json:"accumulated_text"`
	SideChannel     map[string]any `json:"side_channel,omitempty"`
	Charged         bool           `json:"charged"`
	ChargedFrom     ChargeSource   `json:"charged_from,omitempty"`
}

// Clone returns a snapshot that shares no mutable state with t.
func (t Turn) Clone() Turn {
	if t.SideChannel != nil {
		t.SideChannel = maps.Clone(t.SideChannel)
		if files, ok := t.SideChannel[SideFiles].(map[string]string); ok {
			t.SideChannel[SideFiles] = maps.Clone(files)
		}
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		t.EndedAt = &ended
	}
	return t
}

// TurnRequest is everything a session needs to run one turn.
type TurnRequest struct {
	TurnID         string         `json:"-"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Feature        Feature        `json:"feature"`
	Prompt         string         `json:"prompt"`
	History        []Message      `json:"-"`
	Fields         map[string]any `json:"fields,omitempty"`
}
