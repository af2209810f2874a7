package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/semarlabs/semar-go/internal/config"
)

// OpenAI implements Client against an OpenAI-compatible chat endpoint.
type OpenAI struct {
	api *openai.Client
}

// NewOpenAI creates a client from config; BaseURL may point at any
// OpenAI-compatible provider.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{api: openai.NewClientWithConfig(apiCfg)}
}

func (c *OpenAI) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAI) CompleteStream(ctx context.Context, model, prompt string, onFragment func(string)) (string, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: true,
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion stream: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("llm: completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		fragment := resp.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		reply.WriteString(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
	}
	return reply.String(), nil
}
