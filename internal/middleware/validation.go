package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/streamturn/internal/model"
)

// MaxPromptBytes bounds a single prompt.
const MaxPromptBytes = 100000

// ValidatePrompt validates the prompt of a turn.
func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > MaxPromptBytes {
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTurnID validates a turn ID.
func ValidateTurnID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid turn ID format")
	}
	return nil
}

// ValidateFeature accepts an empty feature, meaning the conversation's own.
func ValidateFeature(f model.Feature) error {
	if f == "" || f.Valid() {
		return nil
	}
	return errors.New("unknown feature")
}

// ValidateUserID validates a user ID taken from a path.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
