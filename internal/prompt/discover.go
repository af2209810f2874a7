package prompt

import (
	"context"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/semarlabs/semar-go/internal/config"
	"github.com/semarlabs/semar-go/internal/logger"
)

// promptSource is the subset of the MCP client used for prompt discovery.
type promptSource interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// DiscoverSystemPrompts queries each configured MCP server for an
// argument-less prompt and returns the assistant text of each one found.
// The results are appended to every rendered instruction prompt. Failures
// are logged and skipped; a missing prompt server never blocks startup.
func DiscoverSystemPrompts(ctx context.Context, servers []config.MCPServerConfig) []string {
	var prompts []string
	for _, serverCfg := range servers {
		mcpC, err := newMCPClient(serverCfg)
		if err != nil {
			logger.L.Error("failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}

		if serverCfg.Type != config.ClientTypeStdio {
			if err := mcpC.Start(ctx); err != nil {
				logger.L.Error("failed to start MCP client transport", "name", serverCfg.Name, "error", err)
				if cerr := mcpC.Close(); cerr != nil {
					logger.L.Warn("MCP client close error after start failure", "error", cerr)
				}
				continue
			}
		}

		found, err := collectPrompt(ctx, mcpC)
		if err != nil {
			logger.L.Warn("prompt discovery failed", "name", serverCfg.Name, "error", err)
		} else if found != "" {
			prompts = append(prompts, found)
			logger.L.Info("discovered system prompt from MCP server", "name", serverCfg.Name)
		}
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warn("MCP client close error", "name", serverCfg.Name, "error", cerr)
		}
	}
	return prompts
}

func newMCPClient(serverCfg config.MCPServerConfig) (*client.Client, error) {
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(serverCfg.Headers))
		}
		return client.NewSSEMCPClient(serverCfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		return client.NewStreamableHttpClient(serverCfg.URL, opts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	default:
		return nil, fmt.Errorf("prompt: unsupported MCP server type %q", serverCfg.Type)
	}
}

// collectPrompt initializes the client and returns the assistant text of its
// first argument-less prompt, or "" when the server offers none.
func collectPrompt(ctx context.Context, src promptSource) (string, error) {
	initResult, err := src.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
	})
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if initResult == nil || initResult.Capabilities.Prompts == nil {
		return "", nil
	}

	prompts, err := src.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return "", fmt.Errorf("list prompts: %w", err)
	}

	idx := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool {
		return len(p.Arguments) == 0
	})
	if idx == -1 {
		return "", nil
	}

	result, err := src.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: prompts.Prompts[idx].Name},
	})
	if err != nil {
		return "", fmt.Errorf("get prompt: %w", err)
	}

	msgIdx := slices.IndexFunc(result.Messages, func(m mcp.PromptMessage) bool {
		return m.Role == "assistant"
	})
	if msgIdx == -1 {
		return "", nil
	}
	if content, ok := result.Messages[msgIdx].Content.(mcp.TextContent); ok {
		return content.Text, nil
	}
	return "", nil
}
