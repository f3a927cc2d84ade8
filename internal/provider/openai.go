package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/driftchat/drift-sync/internal/entity"
)

type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(baseURL, apiKey string) *openAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) StreamReply(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, openai.SystemMessage(s))
	}
	for _, turn := range req.Turns {
		switch turn.Role {
		case entity.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages: msgs,
	})
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return reply.String(), nil
}
