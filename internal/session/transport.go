package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
)

const maxErrorBody = 4096

// Transport opens the byte stream for one turn. Closing the returned body must
// release the underlying connection.
type Transport interface {
	Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error)
}

// TransportError is a failed or rejected request to the backend.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPTransport POSTs the turn as JSON to <baseURL>/<feature> and streams the
// response body.
type HTTPTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPTransport creates a transport. A nil client uses http.DefaultClient;
// deadlines come from the context passed to Open.
func NewHTTPTransport(baseURL, token string, client *http.Client, log *logger.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: client,
		logger:     logger.OrGlobal(log),
	}
}

type wireMessage struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// RequestBody builds the JSON body sent to the backend. Feature-specific fields
// are merged in first so the reserved keys always win.
func RequestBody(req *model.TurnRequest) map[string]any {
	body := make(map[string]any, len(req.Fields)+3)
	for k, v := range req.Fields {
		body[k] = v
	}

	messages := make([]wireMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		messages = append(messages, wireMessage{Role: msg.Role, Content: msg.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, wireMessage{Role: model.RoleUser, Content: req.Prompt})
	}

	body["feature"] = req.Feature
	body["prompt"] = req.Prompt
	body["messages"] = messages
	return body
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(RequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := t.baseURL + "/" + string(req.Feature)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.TurnID != "" {
		httpReq.Header.Set("X-Turn-ID", req.TurnID)
	}
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	t.logger.Debug("opening backend stream",
		zap.String("url", url),
		zap.String("turn_id", req.TurnID),
		zap.Int("messages", len(req.History)+1),
	)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return resp.Body, nil
}
