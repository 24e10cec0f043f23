package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/streamturn/internal/frame"
	"github.com/capitalize-ai/streamturn/internal/model"
	"github.com/capitalize-ai/streamturn/pkg/logger"
	"github.com/capitalize-ai/streamturn/pkg/metrics"
)

// ErrFeatureNotSupported is reported in-band for features a text model cannot serve.
var ErrFeatureNotSupported = errors.New("feature is not supported by the configured model provider")

// DefaultSystemPrompts are the per-feature instructions sent with each turn.
var DefaultSystemPrompts = map[model.Feature]string{
	model.FeatureChat:            "You are a helpful assistant.",
	model.FeaturePersonalityChat: "You are a friendly companion with a warm, playful personality. Stay in character.",
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithModel overrides the provider's default model.
func WithModel(name string) TransportOption {
	return func(t *Transport) {
		t.model = name
	}
}

// WithMaxTokens caps the length of each response.
func WithMaxTokens(n int) TransportOption {
	return func(t *Transport) {
		t.maxTokens = n
	}
}

// WithSystemPrompt enables feature f with the given instructions.
func WithSystemPrompt(f model.Feature, prompt string) TransportOption {
	return func(t *Transport) {
		t.system[f] = prompt
	}
}

// Transport streams a turn straight from a model provider. Provider tokens are
// written as content frames, provider failures as error frames, and a finished
// response ends with the done sentinel, so a session cannot tell it apart from
// the HTTP backend.
type Transport struct {
	client    Client
	model     string
	maxTokens int
	system    map[model.Feature]string
	logger    *logger.Logger
}

// NewTransport creates a transport serving the features in DefaultSystemPrompts.
func NewTransport(client Client, log *logger.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		client: client,
		system: make(map[model.Feature]string, len(DefaultSystemPrompts)),
		logger: logger.OrGlobal(log),
	}
	for f, prompt := range DefaultSystemPrompts {
		t.system[f] = prompt
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open implements session.Transport.
func (t *Transport) Open(ctx context.Context, req *model.TurnRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go t.stream(ctx, req, pw)
	return pr, nil
}

func (t *Transport) stream(ctx context.Context, req *model.TurnRequest, pw *io.PipeWriter) {
	system, ok := t.system[req.Feature]
	if !ok {
		writeFrame(pw, frame.Payload{Error: ErrFeatureNotSupported.Error()})
		pw.Close()
		return
	}

	messages := make([]ChatMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		messages = append(messages, ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, ChatMessage{Role: string(model.RoleUser), Content: req.Prompt})
	}

	start := time.Now()
	resp, err := t.client.CompleteStream(ctx, &CompletionRequest{
		Model:     t.model,
		System:    system,
		Messages:  messages,
		MaxTokens: t.maxTokens,
	}, func(token string, index int) error {
		return writeFrame(pw, frame.Payload{Content: token})
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordLLMStream(t.client.Name(), "error", elapsed, 0, 0)
		if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
			pw.CloseWithError(err)
			return
		}
		t.logger.Warn("provider stream failed",
			zap.String("provider", t.client.Name()),
			zap.String("turn_id", req.TurnID),
			zap.Error(err),
		)
		writeFrame(pw, frame.Payload{Error: fmt.Sprintf("%s: %v", t.client.Name(), err)})
		pw.Close()
		return
	}

	metrics.RecordLLMStream(t.client.Name(), "success", elapsed, resp.TokensIn, resp.TokensOut)
	pw.Write(frame.DoneLine())
	pw.Close()
}

func writeFrame(w io.Writer, p frame.Payload) error {
	line, err := frame.Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}
