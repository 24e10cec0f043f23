// Package session runs one streamed request/response turn against the AI
// backend: it charges the ledger, decodes the frame stream, and keeps the
// trailing assistant message in step with the accumulated text.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/frame"
	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/metrics"
)

const (
	// FallbackText replaces an empty assistant message after a failure.
	FallbackText = "Something went wrong. Please try again."
	// LimitText is shown when a guest hits the limit without any partial text.
	LimitText = "You've reached the free message limit. Sign up to keep chatting."

	flushTimeout = 10 * time.Second
)

var tracer = otel.Tracer("github.com/capitalize-ai/streamturn/internal/session")

// Ledger is the entitlement ledger as seen by a session.
type Ledger interface {
	Policy(f model.Feature) (model.ChargePolicy, error)
	CanAfford(ctx context.Context, userID string, f model.Feature) (bool, error)
	Commit(ctx context.Context, userID string, f model.Feature, turnID string) (*ledger.Receipt, error)
}

// Conversations is the conversation store as seen by a session.
type Conversations interface {
	Append(conversationID string, msg model.Message) error
	UpsertTrailingAssistant(conversationID, content string, side map[string]any) (bool, error)
	DeriveTitleIfEmpty(conversationID, fromText string) (bool, error)
	Flush(ctx context.Context, conversationID string) error
}

// Observer receives a snapshot after every state change and applied event.
// It runs on the session goroutine and must not block for long.
type Observer func(turn model.Turn)

// Deps are the collaborators of a session.
type Deps struct {
	Transport     Transport
	Ledger        Ledger
	Conversations Conversations
	Logger        *logger.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithObserver registers fn for turn snapshots.
func WithObserver(fn Observer) Option {
	return func(s *Session) {
		s.observers = append(s.observers, fn)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session serves exactly one turn. Turns on the same conversation must be
// serialized by the caller.
type Session struct {
	req       model.TurnRequest
	deps      Deps
	log       *logger.Logger
	observers []Observer
	now       func() time.Time

	mu        sync.Mutex
	turn      model.Turn
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}

	// Owned by the Run goroutine.
	placed  bool
	mutated bool
	applied bool
}

// New creates an idle session for req.
func New(req model.TurnRequest, deps Deps, opts ...Option) *Session {
	if req.TurnID == "" {
		req.TurnID = uuid.Must(uuid.NewV7()).String()
	}

	s := &Session{
		req:  req,
		deps: deps,
		now:  time.Now,
		done: make(chan struct{}),
		turn: model.Turn{
			ID:             req.TurnID,
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Feature:        req.Feature,
			State:          model.TurnIdle,
			SideChannel:    map[string]any{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(deps.Logger).WithTurn(req.TurnID, req.ConversationID, string(req.Feature))
	return s
}

// ID returns the turn id.
func (s *Session) ID() string {
	return s.req.TurnID
}

// Snapshot returns a copy of the current turn.
func (s *Session) Snapshot() model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.Clone()
}

// Done is closed once the turn reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start runs the turn on a new goroutine.
func (s *Session) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Wait blocks until the turn finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (model.Turn, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Cancel stops the turn. The transport is closed and the trailing message is
// left exactly as last upserted. It has no effect once the turn has finished.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn.State.Terminal() {
		return
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes the turn and returns its final snapshot. Calling Run a second
// time waits for the first run instead of starting another turn.
func (s *Session) Run(ctx context.Context) model.Turn {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		<-s.done
		return s.Snapshot()
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	cancelledEarly := s.cancelled
	s.turn.StartedAt = s.now()
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()

	ctx, span := tracer.Start(ctx, "session.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.id", s.req.TurnID),
		attribute.String("turn.feature", string(s.req.Feature)),
		attribute.String("conversation.id", s.req.ConversationID),
	)

	metrics.TurnsActive.Inc()
	defer metrics.TurnsActive.Dec()

	if cancelledEarly {
		s.finish(model.TurnCancelled, "", "cancelled before start")
	} else {
		s.run(ctx)
	}

	final := s.Snapshot()
	if s.mutated {
		flushCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		if err := s.deps.Conversations.Flush(flushCtx, s.req.ConversationID); err != nil {
			s.log.Error("failed to flush conversation", zap.Error(err))
		}
		stop()
	}

	span.SetAttributes(
		attribute.String("turn.state", string(final.State)),
		attribute.Bool("turn.charged", final.Charged),
		attribute.Int("turn.text_length", len(final.AccumulatedText)),
	)
	if final.State == model.TurnFailed {
		span.SetStatus(codes.Error, string(final.Reason))
	}

	var elapsed float64
	if final.EndedAt != nil {
		elapsed = final.EndedAt.Sub(final.StartedAt).Seconds()
	}
	metrics.RecordTurn(string(final.Feature), string(final.State), string(final.Reason), elapsed)

	s.log.Info("turn finished",
		zap.String("state", string(final.State)),
		zap.String("reason", string(final.Reason)),
		zap.Bool("charged", final.Charged),
		zap.Int("text_length", len(final.AccumulatedText)),
	)
	return final
}

func (s *Session) run(ctx context.Context) {
	policy, err := s.deps.Ledger.Policy(s.req.Feature)
	if err != nil {
		s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
		return
	}

	ok, err := s.deps.Ledger.CanAfford(ctx, s.req.UserID, s.req.Feature)
	if s.stoppedBeforeDispatch(ctx) {
		return
	}
	if err != nil {
		s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
		return
	}
	if !ok {
		s.finish(model.TurnFailed, model.ReasonInsufficientCredits, ledger.ErrInsufficientCredits.Error())
		return
	}

	s.transition(model.TurnConnecting)

	if s.stoppedBeforeDispatch(ctx) {
		return
	}

	if policy == model.ChargeBeforeDispatch {
		if err := s.charge(ctx); err != nil {
			s.failCharge(ctx, err)
			return
		}
	}

	if err := s.appendUserMessage(); err != nil {
		s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
		return
	}

	body, err := s.deps.Transport.Open(ctx, &s.req)
	if err != nil {
		s.failStream(ctx, err)
		return
	}
	stop := context.AfterFunc(ctx, func() {
		body.Close()
	})
	defer func() {
		stop()
		body.Close()
	}()

	reader := frame.NewReader(body, frame.WithSkipHandler(func(payload []byte, err error) {
		metrics.FramesSkippedTotal.WithLabelValues(string(s.req.Feature)).Inc()
		s.log.Warn("dropping malformed frame", zap.Int("bytes", len(payload)), zap.Error(err))
	}))

	for {
		if ctx.Err() != nil {
			s.failStream(ctx, ctx.Err())
			return
		}

		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.failStream(ctx, err)
			return
		}

		if s.state() == model.TurnConnecting {
			if err := s.beginStreaming(); err != nil {
				s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
				return
			}
		}

		if done := s.apply(payload.Events()); done {
			return
		}
	}

	if s.state() == model.TurnConnecting {
		s.failStream(ctx, &TransportError{Err: errors.New("stream closed before any event")})
		return
	}
	if !s.applied {
		s.failStream(ctx, &TransportError{Err: errors.New("stream carried no content")})
		return
	}

	if policy == model.ChargeOnSuccess {
		// The result has been delivered; a late cancellation must not skip the charge.
		if err := s.charge(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("failed to charge completed turn", zap.Error(err))
			s.update(func(t *model.Turn) {
				t.SideChannel[model.SideChargeError] = err.Error()
			})
		}
	}
	s.finish(model.TurnCompleted, "", "")
}

// apply folds one frame's events into the turn, in order. It reports whether
// the turn reached a terminal state.
func (s *Session) apply(events []frame.Event) bool {
	for _, ev := range events {
		var change func(t *model.Turn)

		switch ev := ev.(type) {
		case frame.TextEvent:
			if ev.Text == "" {
				continue
			}
			change = func(t *model.Turn) {
				t.AccumulatedText += ev.Text
			}
		case frame.FilesEvent:
			if len(ev.Files) == 0 {
				continue
			}
			change = func(t *model.Turn) {
				files, _ := t.SideChannel[model.SideFiles].(map[string]string)
				if files == nil {
					files = make(map[string]string, len(ev.Files))
				}
				maps.Copy(files, ev.Files)
				t.SideChannel[model.SideFiles] = files
			}
		case frame.PreviewEvent:
			if ev.URL == "" && ev.Direct == "" {
				continue
			}
			change = func(t *model.Turn) {
				if ev.URL != "" {
					t.SideChannel[model.SidePreviewURL] = ev.URL
				}
				if ev.Direct != "" {
					t.SideChannel[model.SidePreviewDirect] = ev.Direct
				}
			}
		case frame.ErrorEvent:
			s.update(func(t *model.Turn) {
				t.SideChannel[model.SideError] = ev.Message
			})
			s.materializeFailure()
			s.finish(model.TurnFailed, model.ReasonUpstreamError, ev.Message)
			return true
		case frame.LimitReachedEvent:
			s.materializeLimit()
			s.finish(model.TurnCompleted, model.ReasonGuestLimitReached, "guest limit reached")
			return true
		default:
			continue
		}

		// The trailing message is replaced before observers see the snapshot.
		snap := s.mutate(change)
		s.applied = true
		if err := s.upsert(snap.AccumulatedText, snap.SideChannel); err != nil {
			s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
			return true
		}
		s.notify(snap)
	}
	return false
}

func (s *Session) appendUserMessage() error {
	if s.req.Prompt == "" {
		return nil
	}
	if _, err := s.deps.Conversations.DeriveTitleIfEmpty(s.req.ConversationID, s.req.Prompt); err != nil {
		return fmt.Errorf("failed to derive title: %w", err)
	}
	if err := s.deps.Conversations.Append(s.req.ConversationID, model.Message{
		Role:      model.RoleUser,
		Content:   s.req.Prompt,
		CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	s.mutated = true
	return nil
}

// beginStreaming moves to Streaming on the first decoded frame and appends the
// assistant message that the turn will keep replacing.
func (s *Session) beginStreaming() error {
	if err := s.placeAssistant(""); err != nil {
		return err
	}
	s.transition(model.TurnStreaming)
	return nil
}

func (s *Session) placeAssistant(content string) error {
	snap := s.Snapshot()
	err := s.deps.Conversations.Append(s.req.ConversationID, model.Message{
		Role:        model.RoleAssistant,
		Content:     content,
		CreatedAt:   s.now(),
		Attachments: sideAttachments(snap.SideChannel),
	})
	if err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}
	s.placed = true
	s.mutated = true
	return nil
}

func (s *Session) upsert(content string, side map[string]any) error {
	updated, err := s.deps.Conversations.UpsertTrailingAssistant(s.req.ConversationID, content, sideAttachments(side))
	if err != nil {
		return fmt.Errorf("failed to update assistant message: %w", err)
	}
	if !updated {
		s.log.Warn("trailing message is not an assistant message, skipping update")
	}
	return nil
}

// materializeFailure leaves a visible assistant message after a failure: the
// partial text if any arrived, otherwise FallbackText.
func (s *Session) materializeFailure() {
	s.materialize(FallbackText)
}

func (s *Session) materializeLimit() {
	s.materialize(LimitText)
}

func (s *Session) materialize(fallback string) {
	snap := s.Snapshot()
	content := snap.AccumulatedText
	if content == "" {
		content = fallback
	}

	var err error
	if s.placed {
		err = s.upsert(content, snap.SideChannel)
	} else {
		err = s.placeAssistant(content)
	}
	if err != nil {
		s.log.Error("failed to materialize assistant message", zap.Error(err))
	}
}

func (s *Session) charge(ctx context.Context) error {
	receipt, err := s.deps.Ledger.Commit(ctx, s.req.UserID, s.req.Feature, s.req.TurnID)
	if errors.Is(err, ledger.ErrAlreadyCharged) {
		s.log.Warn("turn already charged")
		err = nil
	}
	if err != nil {
		return err
	}
	s.update(func(t *model.Turn) {
		t.Charged = true
		if receipt != nil {
			t.ChargedFrom = receipt.Source
		}
	})
	return nil
}

func (s *Session) failCharge(ctx context.Context, err error) {
	if s.stoppedBeforeDispatch(ctx) {
		return
	}
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		s.finish(model.TurnFailed, model.ReasonInsufficientCredits, err.Error())
		return
	}
	s.finish(model.TurnFailed, model.ReasonInternalError, err.Error())
}

// stoppedBeforeDispatch ends a turn that was cancelled or timed out before
// anything was charged or sent. It reports whether the turn was ended.
func (s *Session) stoppedBeforeDispatch(ctx context.Context) bool {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled || errors.Is(ctx.Err(), context.Canceled) {
		s.finish(model.TurnCancelled, "", "cancelled before dispatch")
		return true
	}
	if err := ctx.Err(); err != nil {
		s.finish(model.TurnFailed, model.ReasonTransportError, err.Error())
		return true
	}
	return false
}

// failStream ends the turn after a transport problem. Explicit cancellation
// (or cancellation of the parent context) wins over the error that it caused.
func (s *Session) failStream(ctx context.Context, err error) {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled || errors.Is(ctx.Err(), context.Canceled) {
		s.finish(model.TurnCancelled, "", "cancelled")
		return
	}

	s.log.Warn("backend stream failed", zap.Error(err))
	s.materializeFailure()
	s.finish(model.TurnFailed, model.ReasonTransportError, err.Error())
}

func (s *Session) state() model.TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.State
}

func (s *Session) transition(to model.TurnState) {
	s.update(func(t *model.Turn) {
		t.State = to
	})
}

func (s *Session) finish(state model.TurnState, reason model.TurnReason, detail string) {
	s.update(func(t *model.Turn) {
		ended := s.now()
		t.State = state
		t.Reason = reason
		t.Detail = detail
		t.EndedAt = &ended
	})
}

// mutate changes the turn and returns a snapshot without notifying observers.
func (s *Session) mutate(fn func(t *model.Turn)) model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.turn)
	return s.turn.Clone()
}

func (s *Session) update(fn func(t *model.Turn)) {
	s.notify(s.mutate(fn))
}

func (s *Session) notify(snap model.Turn) {
	for _, obs := range s.observers {
		obs(snap)
	}
}

func sideAttachments(side map[string]any) map[string]any {
	if len(side) == 0 {
		return nil
	}
	out := make(map[string]any, len(side))
	for k, v := range side {
		if k == model.SideChargeError {
			continue
		}
		if files, ok := v.(map[string]string); ok {
			v = maps.Clone(files)
		}
		out[k] = v
	}
	return out
}
