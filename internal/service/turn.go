package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/session"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

const defaultHistoryLimit = 50

var (
	ErrTurnInProgress = errors.New("a turn is already running on this conversation")
	ErrTurnNotFound   = errors.New("turn not found")
)

// TurnLedger is the ledger surface the turn service needs.
type TurnLedger interface {
	session.Ledger
	Open(ctx context.Context, userID string, guest bool) (model.Account, error)
}

// TurnJournal records finished turns.
type TurnJournal interface {
	PublishTurnEvent(ctx context.Context, ev *model.TurnEvent) error
}

// TurnParams describes a turn to run on an existing conversation.
type TurnParams struct {
	UserID         string
	Guest          bool
	ConversationID string
	Feature        model.Feature
	Prompt         string
	Fields         map[string]any
}

// TurnOption configures a TurnService.
type TurnOption func(*TurnService)

// WithTurnJournal publishes a TurnEvent for every finished turn.
func WithTurnJournal(j TurnJournal) TurnOption {
	return func(s *TurnService) {
		s.journal = j
	}
}

// WithTurnDeadline bounds the duration of a single turn.
func WithTurnDeadline(d time.Duration) TurnOption {
	return func(s *TurnService) {
		s.deadline = d
	}
}

// WithHistoryLimit caps how many prior messages are sent with a turn.
func WithHistoryLimit(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

type activeTurn struct {
	session *session.Session
	userID  string
}

// TurnService runs streaming turns. It owns the registry of active turns so a
// turn can be cancelled by id, and allows one turn per conversation at a time.
type TurnService struct {
	conversations *ConversationService
	ledger        TurnLedger
	transport     session.Transport
	journal       TurnJournal
	logger        *logger.Logger
	deadline      time.Duration
	historyLimit  int

	mu     sync.Mutex
	active map[string]*activeTurn
	busy   map[string]string
}

// NewTurnService creates a turn service.
func NewTurnService(
	conversations *ConversationService,
	ledger TurnLedger,
	transport session.Transport,
	log *logger.Logger,
	opts ...TurnOption,
) *TurnService {
	s := &TurnService{
		conversations: conversations,
		ledger:        ledger,
		transport:     transport,
		logger:        logger.OrGlobal(log),
		historyLimit:  defaultHistoryLimit,
		active:        make(map[string]*activeTurn),
		busy:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one turn and blocks until it finishes. observe receives every
// snapshot, the first of which carries the turn id. An error is returned only
// when the turn could not be started; a started turn always reports its outcome
// through the returned snapshot.
func (s *TurnService) Run(ctx context.Context, p TurnParams, observe session.Observer) (model.Turn, error) {
	conv, err := s.conversations.Get(ctx, p.UserID, p.ConversationID)
	if err != nil {
		return model.Turn{}, err
	}

	feature := p.Feature
	if feature == "" {
		feature = conv.Feature
	}
	if !feature.Valid() {
		return model.Turn{}, ledger.ErrUnknownFeature
	}

	if _, err := s.ledger.Open(ctx, p.UserID, p.Guest); err != nil {
		return model.Turn{}, fmt.Errorf("failed to open account: %w", err)
	}

	history, err := s.conversations.History(p.ConversationID)
	if err != nil {
		return model.Turn{}, err
	}
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}

	opts := []session.Option{}
	if observe != nil {
		opts = append(opts, session.WithObserver(observe))
	}
	sess := session.New(model.TurnRequest{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Feature:        feature,
		Prompt:         p.Prompt,
		History:        history,
		Fields:         p.Fields,
	}, session.Deps{
		Transport:     s.transport,
		Ledger:        s.ledger,
		Conversations: s.conversations,
		Logger:        s.logger,
	}, opts...)

	if err := s.register(sess, p); err != nil {
		return model.Turn{}, err
	}
	defer s.release(sess, p.ConversationID)

	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	turn := sess.Run(ctx)
	s.publish(ctx, turn)
	return turn, nil
}

// Cancel stops the active turn turnID owned by userID.
func (s *TurnService) Cancel(userID, turnID string) error {
	s.mu.Lock()
	at, ok := s.active[turnID]
	s.mu.Unlock()

	if !ok || at.userID != userID {
		return ErrTurnNotFound
	}
	at.session.Cancel()
	s.logger.Info("turn cancel requested",
		zap.String("turn_id", turnID),
		zap.String("user_id", userID),
	)
	return nil
}

// Lookup returns a snapshot of the active turn turnID owned by userID.
func (s *TurnService) Lookup(userID, turnID string) (model.Turn, error) {
	s.mu.Lock()
	at, ok := s.active[turnID]
	s.mu.Unlock()

	if !ok || at.userID != userID {
		return model.Turn{}, ErrTurnNotFound
	}
	return at.session.Snapshot(), nil
}

// ActiveTurns returns the number of running turns.
func (s *TurnService) ActiveTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *TurnService) register(sess *session.Session, p TurnParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running, ok := s.busy[p.ConversationID]; ok {
		s.logger.Warn("rejecting concurrent turn",
			zap.String("conversation_id", p.ConversationID),
			zap.String("running_turn_id", running),
		)
		return ErrTurnInProgress
	}
	s.busy[p.ConversationID] = sess.ID()
	s.active[sess.ID()] = &activeTurn{session: sess, userID: p.UserID}
	return nil
}

func (s *TurnService) release(sess *session.Session, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sess.ID())
	if s.busy[conversationID] == sess.ID() {
		delete(s.busy, conversationID)
	}
}

func (s *TurnService) publish(ctx context.Context, turn model.Turn) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	ev := model.NewTurnEvent(turn)
	if err := s.journal.PublishTurnEvent(ctx, &ev); err != nil {
		s.logger.Error("failed to publish turn event",
			zap.String("turn_id", turn.ID),
			zap.Error(err),
		)
	}
}
