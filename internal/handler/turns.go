package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/middleware"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/metrics"
)

// TurnHistory lists finished turns. The NATS journal and the SQLite store
// both implement it.
type TurnHistory interface {
	RecentTurns(ctx context.Context, userID string, since time.Time, limit int) ([]model.TurnEvent, error)
}

// StartTurnRequest is the body of POST /api/v1/conversations/:id/turns.
type StartTurnRequest struct {
	Prompt  string         `json:"prompt"`
	Feature model.Feature  `json:"feature,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// RecentTurnsResponse is the response of GET /api/v1/turns.
type RecentTurnsResponse struct {
	Turns []model.TurnEvent `json:"turns"`
}

// TurnHandler handles streaming turn endpoints.
type TurnHandler struct {
	turns   *service.TurnService
	history TurnHistory
	logger  *logger.Logger
}

// NewTurnHandler creates a new turn handler. history may be nil.
func NewTurnHandler(turns *service.TurnService, history TurnHistory, log *logger.Logger) *TurnHandler {
	return &TurnHandler{
		turns:   turns,
		history: history,
		logger:  logger.OrGlobal(log),
	}
}

// sseStream writes turn snapshots as server-sent events. Headers are only
// committed on the first event, so a turn that fails to start can still be
// answered with a plain JSON error.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	broken  bool
}

func (s *sseStream) send(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return
	}
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		if turn, ok := data.(model.Turn); ok {
			h.Set("X-Turn-ID", turn.ID)
		}
		s.w.WriteHeader(http.StatusOK)
	}
	if err := sendSSEEvent(s.w, s.flusher, event, data); err != nil {
		s.broken = true
	}
}

// close stops further writes once the handler returns.
func (s *sseStream) close() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *sseStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start handles POST /api/v1/conversations/:id/turns
// The response is an event stream: one "turn" event per snapshot and a final
// "done" event carrying the terminal snapshot. Disconnecting cancels the turn.
func (h *TurnHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req StartTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateFeature(req.Feature); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	stream := &sseStream{w: w, flusher: flusher}
	defer stream.close()
	turn, err := h.turns.Run(ctx, service.TurnParams{
		UserID:         userID,
		Guest:          middleware.IsGuest(ctx),
		ConversationID: conversationID,
		Feature:        req.Feature,
		Prompt:         req.Prompt,
		Fields:         req.Fields,
	}, func(t model.Turn) {
		stream.send("turn", t)
	})
	if err != nil {
		if stream.isStarted() {
			stream.send("error", &model.ErrorEvent{Code: "turn_error", Message: err.Error()})
			return
		}
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.WithContext(middleware.GetCorrelationID(ctx), userID).Error("failed to start turn",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
		writeServiceError(w, err)
		return
	}

	stream.send("done", turn)
}

// Get handles GET /api/v1/turns/:id for a running turn.
func (h *TurnHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	turnID := chi.URLParam(r, "id")

	if err := middleware.ValidateTurnID(turnID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.turns.Lookup(middleware.GetUserID(ctx), turnID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// Cancel handles DELETE /api/v1/turns/:id
func (h *TurnHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	turnID := chi.URLParam(r, "id")

	if err := middleware.ValidateTurnID(turnID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.turns.Cancel(middleware.GetUserID(ctx), turnID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Recent handles GET /api/v1/turns
// Supports ?since=RFC3339 (default 24h ago) and ?limit=N.
func (h *TurnHandler) Recent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}
	limit := queryInt(r, "limit", 50, 1, 500)

	resp := RecentTurnsResponse{Turns: []model.TurnEvent{}}
	if h.history != nil {
		turns, err := h.history.RecentTurns(ctx, userID, since, limit)
		if err != nil {
			h.logger.Error("failed to list recent turns", zap.String("user_id", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list turns")
			return
		}
		if turns != nil {
			resp.Turns = turns
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
