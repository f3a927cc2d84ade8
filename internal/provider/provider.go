// Package provider adapts the configured AI backends to one streaming
// interface. Replies arrive as text deltas so the chat service can publish
// partial assistant messages while the model is still generating.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/driftchat/drift-sync/internal/config"
)

// Turn is one prior message in the conversation being continued.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request describes one completion.
type Request struct {
	Model  string
	System string
	Turns  []Turn
}

// Provider streams a single assistant reply. onDelta receives text chunks in
// order; the full reply is returned once the stream ends. onDelta may be nil
// when the caller only wants the final text.
type Provider interface {
	StreamReply(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// New builds the adapter for a configured provider.
func New(cfg config.Provider) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "openai", "openai_compatible":
		return newOpenAIProvider(cfg.BaseURL, cfg.APIKey), nil
	case "anthropic":
		return newAnthropicProvider(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

const titlePrompt = "Write a title of at most six words for the conversation that starts with the following message. Reply with the title only, no quotes or punctuation around it."

// GenerateTitle asks the model for a short chat title. On any failure it
// falls back to a truncation of the first message, so callers always get a
// usable title.
func GenerateTitle(ctx context.Context, p Provider, model, firstMessage string) string {
	fallback := FallbackTitle(firstMessage)
	if p == nil {
		return fallback
	}

	title, err := p.StreamReply(ctx, Request{
		Model:  model,
		System: titlePrompt,
		Turns:  []Turn{{Role: "user", Content: firstMessage}},
	}, nil)
	if err != nil {
		return fallback
	}

	title = sanitizeTitle(title)
	if title == "" {
		return fallback
	}
	return title
}

// FallbackTitle derives a title from the message text alone.
func FallbackTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	const maxLen = 48
	if len(title) > maxLen {
		title = strings.TrimSpace(title[:maxLen]) + "..."
	}
	if title == "" {
		title = "New chat"
	}
	return title
}

func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	// Models love to return the title on its own quoted line anyway.
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(strings.TrimSpace(title), ".")
	const maxLen = 80
	if len(title) > maxLen {
		title = strings.TrimSpace(title[:maxLen])
	}
	return title
}
