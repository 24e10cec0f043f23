package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/internal/session"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

type countingLedger struct {
	*ledger.Ledger
	commits atomic.Int32
}

func (c *countingLedger) Commit(ctx context.Context, userID string, f model.Feature, turnID string) (*ledger.Receipt, error) {
	c.commits.Add(1)
	return c.Ledger.Commit(ctx, userID, f, turnID)
}

type staticTransport struct {
	body  io.Reader
	err   error
	opens atomic.Int32
}

func (t *staticTransport) Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error) {
	t.opens.Add(1)
	if t.err != nil {
		return nil, t.err
	}
	return io.NopCloser(t.body), nil
}

// pipeTransport hands the session the read end of a pipe the test writes to.
type pipeTransport struct {
	reader *io.PipeReader
	writer *io.PipeWriter
	closed chan struct{}
	once   sync.Once
}

func newPipeTransport() *pipeTransport {
	r, w := io.Pipe()
	return &pipeTransport{reader: r, writer: w, closed: make(chan struct{})}
}

func (t *pipeTransport) Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error) {
	return t, nil
}

func (t *pipeTransport) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.reader.Close()
}

type fixture struct {
	ledger *countingLedger
	convs  *service.ConversationService
	conv   *model.Conversation
	user   string
}

func newFixture(t *testing.T, acct model.Account, feature model.Feature) *fixture {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewMemoryAccountStore()
	_, err := store.SaveAccount(ctx, acct)
	require.NoError(t, err)

	convs := service.NewConversationService(nil, logger.NewNop())
	conv, err := convs.Create(ctx, acct.UserID, &model.CreateConversationRequest{Feature: feature})
	require.NoError(t, err)

	return &fixture{
		ledger: &countingLedger{Ledger: ledger.New(store, ledger.Config{}, logger.NewNop())},
		convs:  convs,
		conv:   conv,
		user:   acct.UserID,
	}
}

func (f *fixture) session(transport session.Transport, feature model.Feature, prompt string, opts ...session.Option) *session.Session {
	return session.New(model.TurnRequest{
		ConversationID: f.conv.ID,
		UserID:         f.user,
		Feature:        feature,
		Prompt:         prompt,
	}, session.Deps{
		Transport:     transport,
		Ledger:        f.ledger,
		Conversations: f.convs,
		Logger:        logger.NewNop(),
	}, opts...)
}

func (f *fixture) history(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := f.convs.History(f.conv.ID)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) account(t *testing.T) model.Account {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), f.user)
	require.NoError(t, err)
	return acct
}

func frames(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}

func TestSession_FreeChatScenario(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureChat)
	ok, err := f.ledger.CanAfford(context.Background(), "u1", model.FeatureChat)
	require.NoError(t, err)
	require.True(t, ok)

	transport := &staticTransport{body: strings.NewReader(frames(`{"content":"Hi"}`, `{"content":" there"}`, `[DONE]`))}
	turn := f.session(transport, model.FeatureChat, "hello").Run(context.Background())

	assert.Equal(t, model.TurnCompleted, turn.State)
	assert.Empty(t, turn.Reason)
	assert.Equal(t, "Hi there", turn.AccumulatedText)
	assert.True(t, turn.Charged)
	assert.Equal(t, model.SourceFree, turn.ChargedFrom)
	require.NotNil(t, turn.EndedAt)

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	acct := f.account(t)
	assert.Equal(t, 1, acct.FreeUsed)
	assert.True(t, acct.PaidBalance.IsZero())
	assert.Equal(t, int32(1), f.ledger.commits.Load())

	conv, err := f.convs.Get(context.Background(), "u1", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Title)
}

func TestSession_GuestExhaustedMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "g1", FreeAllowance: 5, FreeUsed: 5, IsGuest: true}, model.FeatureChat)
	transport := &staticTransport{body: strings.NewReader(frames(`{"content":"never"}`))}

	turn := f.session(transport, model.FeatureChat, "hello").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonInsufficientCredits, turn.Reason)
	assert.Zero(t, transport.opens.Load())
	assert.Zero(t, f.ledger.commits.Load())
	assert.Empty(t, f.history(t))
	assert.False(t, turn.Charged)
}

func TestSession_PessimisticChargeIsNotRefundedOnFailure(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", PaidBalance: decimal.NewFromInt(10)}, model.FeatureChat)
	body := io.MultiReader(
		strings.NewReader(frames(`{"content":"Partial ans`, `{"content":"Partial"}`)),
		iotest.ErrReader(errors.New("connection reset by peer")),
	)

	turn := f.session(&staticTransport{body: body}, model.FeatureChat, "question").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)
	assert.Contains(t, turn.Detail, "connection reset")
	assert.True(t, turn.Charged)
	assert.Equal(t, int32(1), f.ledger.commits.Load())
	assert.True(t, f.account(t).PaidBalance.Equal(decimal.NewFromInt(9)))

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Partial", msgs[1].Content)
}

func TestSession_CancelOptimisticFeatureChargesNothing(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", PaidBalance: decimal.NewFromInt(10)}, model.FeatureImage)
	transport := newPipeTransport()

	streaming := make(chan struct{})
	var once sync.Once
	s := f.session(transport, model.FeatureImage, "a red fox", session.WithObserver(func(turn model.Turn) {
		if turn.AccumulatedText != "" {
			once.Do(func() { close(streaming) })
		}
	}))
	s.Start(context.Background())

	go func() {
		_, _ = transport.writer.Write([]byte(frames(`{"content":"Rendering..."}`)))
	}()

	select {
	case <-streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("session never started streaming")
	}

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	turn, err := s.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.TurnCancelled, turn.State)
	assert.False(t, turn.Charged)
	assert.Zero(t, f.ledger.commits.Load())
	assert.True(t, f.account(t).PaidBalance.Equal(decimal.NewFromInt(10)))

	select {
	case <-transport.closed:
	default:
		t.Fatal("transport was not closed")
	}

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Rendering...", msgs[1].Content)

	s.Cancel()
	assert.Equal(t, model.TurnCancelled, s.Snapshot().State)
}

func TestSession_CancelBeforeStart(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureChat)
	transport := &staticTransport{body: strings.NewReader(frames(`{"content":"x"}`))}

	s := f.session(transport, model.FeatureChat, "hello")
	s.Cancel()
	turn := s.Run(context.Background())

	assert.Equal(t, model.TurnCancelled, turn.State)
	assert.Zero(t, transport.opens.Load())
	assert.Zero(t, f.ledger.commits.Load())
}

func TestSession_UpstreamErrorShowsFallback(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureVideo)
	transport := &staticTransport{body: strings.NewReader(frames(`{"error":"model overloaded"}`, `{"content":"ignored"}`))}

	turn := f.session(transport, model.FeatureVideo, "a timelapse").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonUpstreamError, turn.Reason)
	assert.Equal(t, "model overloaded", turn.Detail)
	assert.Equal(t, "model overloaded", turn.SideChannel[model.SideError])
	assert.Empty(t, turn.AccumulatedText)
	assert.False(t, turn.Charged)
	assert.Zero(t, f.ledger.commits.Load())

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.FallbackText, msgs[1].Content)
}

func TestSession_TransportRejectsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 2}, model.FeatureChat)
	transport := session.NewHTTPTransport(srv.URL, "", srv.Client(), logger.NewNop())

	turn := f.session(transport, model.FeatureChat, "hello").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)
	assert.Contains(t, turn.Detail, "502")
	assert.Contains(t, turn.Detail, "upstream unavailable")
	assert.True(t, turn.Charged, "conversational features are charged at dispatch")
	assert.Equal(t, int32(1), f.ledger.commits.Load())

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.FallbackText, msgs[1].Content)
}

func TestSession_GuestLimitReachedKeepsPartialText(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "g1", FreeAllowance: 5, FreeUsed: 4, IsGuest: true}, model.FeaturePersonalityChat)
	transport := &staticTransport{body: strings.NewReader(frames(
		`{"content":"I'd love to keep talking, "}`,
		`{"content":"but you need an account.","limitReached":true}`,
		`{"content":"unreachable"}`,
	))}

	turn := f.session(transport, model.FeaturePersonalityChat, "tell me more").Run(context.Background())

	assert.Equal(t, model.TurnCompleted, turn.State)
	assert.Equal(t, model.ReasonGuestLimitReached, turn.Reason)
	assert.Equal(t, "I'd love to keep talking, but you need an account.", turn.AccumulatedText)

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, turn.AccumulatedText, msgs[1].Content)
	assert.Equal(t, 5, f.account(t).FreeUsed)
}

func TestSession_AccumulationIsMonotonic(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureChat)
	stream := frames(`{"content":"The "}`, `{"content":"quick "}`) +
		": keep-alive\r\n" +
		frames(`{"content":"brown "}`, `{"files":{"fox.txt":"jumps"}}`, `{"content":"fox"}`, `[DONE]`)
	transport := &staticTransport{body: iotest.HalfReader(strings.NewReader(stream))}

	var (
		lastLen   int
		streaming int
		states    []model.TurnState
	)
	observer := func(turn model.Turn) {
		if len(states) == 0 || states[len(states)-1] != turn.State {
			states = append(states, turn.State)
		}
		if turn.State != model.TurnStreaming {
			return
		}
		streaming++
		assert.GreaterOrEqual(t, len(turn.AccumulatedText), lastLen)
		lastLen = len(turn.AccumulatedText)

		msgs, err := f.convs.History(f.conv.ID)
		require.NoError(t, err)
		trailing := msgs[len(msgs)-1]
		assert.Equal(t, model.RoleAssistant, trailing.Role)
		assert.Equal(t, turn.AccumulatedText, trailing.Content)
	}

	turn := f.session(transport, model.FeatureChat, "hello", session.WithObserver(observer)).Run(context.Background())

	assert.Equal(t, model.TurnCompleted, turn.State)
	assert.Equal(t, "The quick brown fox", turn.AccumulatedText)
	assert.GreaterOrEqual(t, streaming, 5)
	assert.Equal(t, []model.TurnState{model.TurnConnecting, model.TurnStreaming, model.TurnCompleted}, states)

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]string{"fox.txt": "jumps"}, msgs[1].Attachments[model.SideFiles])
}

func TestSession_OptimisticChargeAfterCompletion(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", PaidBalance: decimal.RequireFromString("6")}, model.FeatureVideo)

	var chargedEarly bool
	observer := func(turn model.Turn) {
		if turn.Charged && turn.SideChannel[model.SidePreviewURL] == nil {
			chargedEarly = true
		}
	}
	transport := &staticTransport{body: strings.NewReader(frames(
		`{"content":"Your video is ready"}`,
		`{"previewUrl":"https://cdn.example/v.mp4","previewDirect":"https://cdn.example/raw.mp4"}`,
	))}

	turn := f.session(transport, model.FeatureVideo, "waves", session.WithObserver(observer)).Run(context.Background())

	assert.Equal(t, model.TurnCompleted, turn.State)
	assert.True(t, turn.Charged)
	assert.Equal(t, model.SourcePaid, turn.ChargedFrom)
	assert.False(t, chargedEarly, "charged before the stream was delivered")
	assert.True(t, f.account(t).PaidBalance.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, "https://cdn.example/v.mp4", turn.SideChannel[model.SidePreviewURL])

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "https://cdn.example/raw.mp4", msgs[1].Attachments[model.SidePreviewDirect])
}

func TestSession_EmptyStreamFailsWithoutCharge(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureImage)
	transport := &staticTransport{body: strings.NewReader(frames(`[DONE]`))}

	turn := f.session(transport, model.FeatureImage, "nothing").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)
	assert.Zero(t, f.ledger.commits.Load())
	assert.Zero(t, f.account(t).FreeUsed)
}

func TestSession_DeadlineIsATransportFailure(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureCodingAgent)
	transport := newPipeTransport()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	turn := f.session(transport, model.FeatureCodingAgent, "refactor").Run(ctx)

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)
	assert.Zero(t, f.ledger.commits.Load())
}

func TestSession_RunTwiceServesOneTurn(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 5}, model.FeatureChat)
	transport := &staticTransport{body: strings.NewReader(frames(`{"content":"once"}`))}

	s := f.session(transport, model.FeatureChat, "hello")
	first := s.Run(context.Background())
	second := s.Run(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), transport.opens.Load())
	assert.Equal(t, int32(1), f.ledger.commits.Load())
}

func TestHTTPTransport_RequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/image", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "turn-1", r.Header.Get("X-Turn-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(frames(`{"content":"ok"}`, `[DONE]`)))
	}))
	defer srv.Close()

	transport := session.NewHTTPTransport(srv.URL+"/", "secret", srv.Client(), logger.NewNop())
	body, err := transport.Open(context.Background(), &model.TurnRequest{
		TurnID:  "turn-1",
		Feature: model.FeatureImage,
		Prompt:  "a cat",
		History: []model.Message{{Role: model.RoleUser, Content: "earlier"}, {Role: model.RoleAssistant, Content: "reply"}},
		Fields:  map[string]any{"size": "1024x1024", "prompt": "overridden"},
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"ok"`)

	assert.Equal(t, "image", got["feature"])
	assert.Equal(t, "a cat", got["prompt"])
	assert.Equal(t, "1024x1024", got["size"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	assert.Equal(t, map[string]any{"role": "user", "content": "a cat"}, messages[2])
}

// cancellingLedger cancels the turn while its affordability is being checked.
type cancellingLedger struct {
	*countingLedger
	cancel func()
}

func (c *cancellingLedger) CanAfford(ctx context.Context, userID string, f model.Feature) (bool, error) {
	c.cancel()
	return c.countingLedger.CanAfford(ctx, userID, f)
}

func TestSession_CancelDuringAffordabilityCheckChargesNothing(t *testing.T) {
	for _, feature := range []model.Feature{model.FeatureChat, model.FeatureImage} {
		t.Run(string(feature), func(t *testing.T) {
			f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, feature)
			transport := &staticTransport{body: strings.NewReader(frames(`{"content":"x"}`, `[DONE]`))}

			l := &cancellingLedger{countingLedger: f.ledger}
			s := session.New(model.TurnRequest{
				ConversationID: f.conv.ID,
				UserID:         f.user,
				Feature:        feature,
				Prompt:         "hello",
			}, session.Deps{
				Transport:     transport,
				Ledger:        l,
				Conversations: f.convs,
				Logger:        logger.NewNop(),
			})
			l.cancel = s.Cancel

			turn := s.Run(context.Background())

			assert.Equal(t, model.TurnCancelled, turn.State)
			assert.False(t, turn.Charged)
			assert.Zero(t, f.ledger.commits.Load())
			assert.Zero(t, transport.opens.Load())
			assert.Zero(t, f.account(t).FreeUsed)
			assert.Empty(t, f.history(t))
		})
	}
}

func TestSession_ContentlessStreamFailsWithoutCharge(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureImage)
	transport := &staticTransport{body: strings.NewReader(frames(`{}`, `{"unknown":"field"}`, `[DONE]`))}

	turn := f.session(transport, model.FeatureImage, "a cat").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)
	assert.False(t, turn.Charged)
	assert.Zero(t, f.ledger.commits.Load())

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.FallbackText, msgs[1].Content)
}

func TestSession_FailureWithoutPromptStillShowsFallback(t *testing.T) {
	f := newFixture(t, model.Account{UserID: "u1", FreeAllowance: 1}, model.FeatureImage)
	transport := &staticTransport{err: &session.TransportError{Err: errors.New("connection refused")}}

	turn := f.session(transport, model.FeatureImage, "").Run(context.Background())

	assert.Equal(t, model.TurnFailed, turn.State)
	assert.Equal(t, model.ReasonTransportError, turn.Reason)

	msgs := f.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, session.FallbackText, msgs[0].Content)
}
