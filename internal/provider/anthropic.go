package provider

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/driftchat/drift-sync/internal/entity"
)

const anthropicMaxTokens = 4096

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(baseURL, apiKey string) *anthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) StreamReply(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Turns))
	for _, turn := range req.Turns {
		block := anthropic.NewTextBlock(turn.Content)
		switch turn.Role {
		case entity.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				reply.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return reply.String(), nil
}
