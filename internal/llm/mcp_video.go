package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// Tool names an MCP video server must expose.
const (
	toolGenerateVideo  = "generate_video"
	toolGetVideoStatus = "get_video_operation"
)

// videoOperation is the JSON shape returned by both video tools.
type videoOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	URI      string `json:"uri"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
}

// MCPVideo runs video generations through an MCP server.
type MCPVideo struct {
	client MCPClientInterface
	log    *slog.Logger
}

// NewMCPVideo wraps an initialized MCP client.
func NewMCPVideo(c MCPClientInterface) *MCPVideo {
	return &MCPVideo{client: c, log: logger.Component("mcp-video")}
}

// ConnectMCP creates, starts and initializes a client for serverCfg.
func ConnectMCP(ctx context.Context, serverCfg config.MCPServerConfig) (MCPClientInterface, error) {
	var mcpC *client.Client
	var err error

	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		mcpC, err = client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case "":
		return nil, fmt.Errorf("mcp server %q: type not specified (sse, streamable_http or stdio)", serverCfg.Name)
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported type %q", serverCfg.Name, serverCfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: create client: %w", serverCfg.Name, err)
	}

	// stdio clients are started on creation
	if serverCfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			_ = mcpC.Close()
			return nil, fmt.Errorf("mcp server %q: start transport: %w", serverCfg.Name, err)
		}
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
	}
	initResult, err := mcpC.Initialize(ctx, initReq)
	if err != nil {
		_ = mcpC.Close()
		return nil, fmt.Errorf("mcp server %q: initialize: %w", serverCfg.Name, err)
	}
	logger.L.Info("MCP client initialized", "name", serverCfg.Name, "server", initResult.ServerInfo.Name)
	return mcpC, nil
}

// SubmitVideo implements generation.VideoGenerator.
func (v *MCPVideo) SubmitVideo(ctx context.Context, prompt, aspectRatio string) (string, error) {
	text, err := v.call(ctx, toolGenerateVideo, map[string]any{
		"prompt":       prompt,
		"aspect_ratio": aspectRatio,
	})
	if err != nil {
		return "", err
	}
	var op videoOperation
	if json.Unmarshal([]byte(text), &op) == nil && op.Name != "" {
		return op.Name, nil
	}
	name := strings.TrimSpace(text)
	if name == "" {
		return "", errors.New("mcp video: no operation returned")
	}
	return name, nil
}

// PollVideo implements generation.VideoGenerator.
func (v *MCPVideo) PollVideo(ctx context.Context, operation string) (generation.VideoStatus, error) {
	text, err := v.call(ctx, toolGetVideoStatus, map[string]any{"operation": operation})
	if err != nil {
		return generation.VideoStatus{}, err
	}
	var op videoOperation
	if err := json.Unmarshal([]byte(text), &op); err != nil {
		return generation.VideoStatus{}, fmt.Errorf("mcp video: decode status: %w", err)
	}
	if op.Error != "" {
		return generation.VideoStatus{}, notFound(fmt.Errorf("mcp video: %s", op.Error))
	}
	return generation.VideoStatus{Done: op.Done, URI: op.URI, Progress: op.Progress}, nil
}

func (v *MCPVideo) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	v.log.Debug("calling video tool", "tool", tool, "arguments", args)
	res, err := v.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return "", notFound(fmt.Errorf("mcp video: %s: %w", tool, err))
	}
	var text string
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	if res.IsError {
		if text == "" {
			text = "tool execution resulted in an error without specific text"
		}
		return "", notFound(fmt.Errorf("mcp video: %s: %s", tool, text))
	}
	return text, nil
}

// Close releases the MCP client.
func (v *MCPVideo) Close() error { return v.client.Close() }

func notFound(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
		return fmt.Errorf("%w: %v", generation.ErrOperationNotFound, err)
	}
	return err
}
