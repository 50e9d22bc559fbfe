package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEnricher calls any OpenAI-compatible chat completion endpoint.
type OpenAIEnricher struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAIEnricher(cfg Config) (*OpenAIEnricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai reply provider requires REPLY_API_KEY")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIEnricher{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (e *OpenAIEnricher) Name() string { return "openai" }

func (e *OpenAIEnricher) Reply(ctx context.Context, req Request) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
