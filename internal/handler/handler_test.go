package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/streamturn/internal/ledger"
	"github.com/capitalize-ai/streamturn/internal/middleware"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/internal/service"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

const testSecret = "handler-secret"

type staticTransport struct {
	body string
}

func (t staticTransport) Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(t.body)), nil
}

type fakeHistory struct {
	turns  []model.TurnEvent
	userID string
	limit  int
}

func (h *fakeHistory) RecentTurns(ctx context.Context, userID string, since time.Time, limit int) ([]model.TurnEvent, error) {
	h.userID = userID
	h.limit = limit
	return h.turns, nil
}

type apiFixture struct {
	server  *httptest.Server
	history *fakeHistory
	ledger  *ledger.Ledger
}

func newAPI(t *testing.T, body string, checks ...ReadinessCheck) *apiFixture {
	t.Helper()
	log := logger.NewNop()

	convs := service.NewConversationService(nil, log)
	l := ledger.New(ledger.NewMemoryAccountStore(), ledger.Config{FreeAllowance: 2, GuestAllowance: 1}, log)
	turns := service.NewTurnService(convs, l, staticTransport{body: body}, log)
	history := &fakeHistory{}

	router := NewRouter(RouterConfig{
		Health:        NewHealthHandler(checks...),
		Conversations: NewConversationHandler(convs, log),
		Turns:         NewTurnHandler(turns, history, log),
		Accounts:      NewAccountHandler(l, log),
		Logger:        log,
		JWTSecret:     testSecret,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, history: history, ledger: l}
}

func token(t *testing.T, subject string, guest bool, scopes ...string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Guest:  guest,
		Scopes: scopes,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, bearer, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func (f *apiFixture) createConversation(t *testing.T, bearer, body string) model.Conversation {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/conversations", bearer, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.Conversation](t, resp)
}

const helloStream = "data: {\"content\":\"Hello\"}\n\ndata: {\"content\":\" world\"}\n\ndata: [DONE]\n\n"

func TestHealth(t *testing.T) {
	api := newAPI(t, helloStream, ReadinessCheck{
		Name:  "store",
		Probe: func(ctx context.Context) error { return errors.New("closed") },
	})

	resp := api.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "store: closed", body["reason"])
}

func TestAPIRequiresToken(t *testing.T) {
	api := newAPI(t, helloStream)
	resp := api.do(t, http.MethodGet, "/api/v1/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)
	bob := token(t, "bob", false)

	conv := api.createConversation(t, alice, `{"title":"Plans","feature":"chat"}`)
	assert.Equal(t, "Plans", conv.Title)
	assert.Equal(t, model.FeatureChat, conv.Feature)

	resp := api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, alice, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, bob, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/conversations", alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[model.ListConversationsResponse](t, resp)
	assert.Equal(t, 1, list.Total)

	resp = api.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, alice, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, alice, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationValidation(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations", alice, `{"feature":"telepathy"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/conversations", alice, `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/conversations/not-a-uuid", alice, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartTurnStreamsSnapshots(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)
	conv := api.createConversation(t, alice, `{"feature":"chat"}`)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/turns", alice, `{"prompt":"hi there"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Turn-ID"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, "done", last.name)
	var final model.Turn
	require.NoError(t, json.Unmarshal([]byte(last.data), &final))
	assert.Equal(t, model.TurnCompleted, final.State)
	assert.Equal(t, "Hello world", final.AccumulatedText)
	assert.True(t, final.Charged)
	assert.Equal(t, resp.Header.Get("X-Turn-ID"), final.ID)

	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "turn", ev.name)
	}

	// The exchange is stored and titled from the prompt.
	resp = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, alice, "")
	stored := decodeBody[model.Conversation](t, resp)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "hi there", stored.Title)
	assert.Equal(t, "Hello world", stored.Messages[1].Content)

	resp = api.do(t, http.MethodGet, "/api/v1/account", alice, "")
	acct := decodeBody[AccountView](t, resp)
	assert.Equal(t, 1, acct.FreeUsed)
	assert.Equal(t, 1, acct.FreeRemaining)
}

func TestStartTurnErrorsBeforeStreaming(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)
	conv := api.createConversation(t, alice, `{}`)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/turns", alice, `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/turns", alice, `{"prompt":"x","feature":"telepathy"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/conversations/0190f0f6-4a59-7b2e-9c4c-2f0d8a1b3c4d/turns", alice, `{"prompt":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestGuestRunsOutOfAllowance(t *testing.T) {
	api := newAPI(t, helloStream)
	guest := token(t, "visitor", true)
	conv := api.createConversation(t, guest, `{"feature":"chat"}`)

	finalState := func() model.Turn {
		resp := api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/turns", guest, `{"prompt":"hello"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events := readEvents(t, resp.Body)
		require.NotEmpty(t, events)
		var turn model.Turn
		require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &turn))
		return turn
	}

	first := finalState()
	assert.Equal(t, model.TurnCompleted, first.State)

	second := finalState()
	assert.Equal(t, model.TurnFailed, second.State)
	assert.Equal(t, model.ReasonInsufficientCredits, second.Reason)
	assert.False(t, second.Charged)
}

func TestTurnLookupAndCancelUnknown(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)
	id := "0190f0f6-4a59-7b2e-9c4c-2f0d8a1b3c4d"

	resp := api.do(t, http.MethodGet, "/api/v1/turns/"+id, alice, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, "/api/v1/turns/"+id, alice, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, "/api/v1/turns/bogus", alice, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecentTurns(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)

	resp := api.do(t, http.MethodGet, "/api/v1/turns", alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	empty := decodeBody[RecentTurnsResponse](t, resp)
	assert.NotNil(t, empty.Turns)
	assert.Empty(t, empty.Turns)

	api.history.turns = []model.TurnEvent{{TurnID: "t1", UserID: "alice", State: model.TurnCompleted}}
	resp = api.do(t, http.MethodGet, "/api/v1/turns?limit=5&since=2024-01-01T00:00:00Z", alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[RecentTurnsResponse](t, resp)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "alice", api.history.userID)
	assert.Equal(t, 5, api.history.limit)

	resp = api.do(t, http.MethodGet, "/api/v1/turns?since=yesterday", alice, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAccountAdministration(t *testing.T) {
	api := newAPI(t, helloStream)
	alice := token(t, "alice", false)
	admin := token(t, "ops", false, middleware.ScopeAdmin)

	resp := api.do(t, http.MethodGet, "/api/v1/account", alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/accounts/alice/grants", alice, `{"credits":"5","payment_id":"pay-1"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/accounts/alice/grants", admin, `{"credits":"5","payment_id":"pay-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	receipt := decodeBody[ledger.Receipt](t, resp)
	assert.Equal(t, "5", receipt.Account.PaidBalance.String())

	// Replaying the payment does not add credits twice.
	resp = api.do(t, http.MethodPost, "/api/v1/accounts/alice/grants", admin, `{"credits":"5","payment_id":"pay-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct, err := api.ledger.Account(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "5", acct.PaidBalance.String())

	resp = api.do(t, http.MethodPost, "/api/v1/accounts/alice/grants", admin, `{"credits":"-1","payment_id":"pay-2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/accounts/alice/allowance", admin, `{"additional":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[AccountView](t, resp)
	assert.Equal(t, 5, view.FreeAllowance)
	assert.Equal(t, 5, view.FreeRemaining)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrTurnInProgress))
	assert.Equal(t, http.StatusNotFound, statusFor(service.ErrConversationNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(ledger.ErrUnknownFeature))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
