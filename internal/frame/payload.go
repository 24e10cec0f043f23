package frame

import (
	"encoding/json"
	"fmt"
)

// Payload is the wire shape of one frame. Every field is optional and unknown
// fields are ignored.
type Payload struct {
	Content       string            `json:"content,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	PreviewURL    string            `json:"previewUrl,omitempty"`
	PreviewDirect string            `json:"previewDirect,omitempty"`
	Error         string            `json:"error,omitempty"`
	LimitReached  bool              `json:"limitReached,omitempty"`
}

// Event is one branch of the decoded payload union.
type Event interface {
	event()
}

// TextEvent carries display text to append.
type TextEvent struct {
	Text string
}

// FilesEvent carries generated files keyed by path.
type FilesEvent struct {
	Files map[string]string
}

// PreviewEvent carries preview links for generated output.
type PreviewEvent struct {
	URL    string
	Direct string
}

// ErrorEvent is an explicit upstream failure.
type ErrorEvent struct {
	Message string
}

// LimitReachedEvent tells a guest that the free allowance is exhausted.
type LimitReachedEvent struct{}

func (TextEvent) event()         {}
func (FilesEvent) event()        {}
func (PreviewEvent) event()      {}
func (ErrorEvent) event()        {}
func (LimitReachedEvent) event() {}

// Events splits the payload into its branches. Text comes first so partial
// content is applied before a terminal branch, then side-channel data, then the
// error and limit signals.
func (p Payload) Events() []Event {
	var events []Event
	if p.Content != "" {
		events = append(events, TextEvent{Text: p.Content})
	}
	if len(p.Files) > 0 {
		events = append(events, FilesEvent{Files: p.Files})
	}
	if p.PreviewURL != "" || p.PreviewDirect != "" {
		events = append(events, PreviewEvent{URL: p.PreviewURL, Direct: p.PreviewDirect})
	}
	if p.Error != "" {
		events = append(events, ErrorEvent{Message: p.Error})
	}
	if p.LimitReached {
		events = append(events, LimitReachedEvent{})
	}
	return events
}

// Encode renders the payload as a single frame line.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	line := make([]byte, 0, len(Prefix)+len(data)+1)
	line = append(line, Prefix...)
	line = append(line, data...)
	return append(line, '\n'), nil
}

// DoneLine is the terminal frame.
func DoneLine() []byte {
	return []byte(Prefix + DoneToken + "\n")
}
