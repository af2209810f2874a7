package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

// mirrors promptSource
type mockPromptSource struct {
	InitializeFunc  func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListPromptsFunc func(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPromptFunc   func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
}

func (m *mockPromptSource) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &mcp.InitializeResult{}, nil
}

func (m *mockPromptSource) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	if m.ListPromptsFunc != nil {
		return m.ListPromptsFunc(ctx, req)
	}
	return &mcp.ListPromptsResult{}, nil
}

func (m *mockPromptSource) GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if m.GetPromptFunc != nil {
		return m.GetPromptFunc(ctx, req)
	}
	return &mcp.GetPromptResult{}, nil
}

func (m *mockPromptSource) Close() error { return nil }

func TestCollectPrompt_NoPromptsCapability(t *testing.T) {
	// a server without the prompts capability is skipped, not an error
	out, err := collectPrompt(context.Background(), &mockPromptSource{})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCollectPrompt_InitializeFails(t *testing.T) {
	src := &mockPromptSource{
		InitializeFunc: func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
			return nil, errors.New("unreachable")
		},
	}
	_, err := collectPrompt(context.Background(), src)
	require.Error(t, err)
}
