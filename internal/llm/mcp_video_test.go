package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
)

type mockMCPClient struct {
	InitializeFunc func(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	CallToolFunc   func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	CloseFunc      func() error
}

func (m *mockMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &mcp.InitializeResult{}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return textResult("{}", false), nil
}

func (m *mockMCPClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func TestMCPVideo_SubmitAndPoll(t *testing.T) {
	var calls []mcp.CallToolRequest
	v := NewMCPVideo(&mockMCPClient{
		CallToolFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls = append(calls, req)
			switch req.Params.Name {
			case toolGenerateVideo:
				return textResult(`{"name":"ops/7"}`, false), nil
			case toolGetVideoStatus:
				return textResult(`{"name":"ops/7","done":true,"uri":"https://cdn.example/v.mp4"}`, false), nil
			}
			return nil, errors.New("unexpected tool")
		},
	})

	op, err := v.SubmitVideo(context.Background(), "storm over Lisbon", "9:16")
	require.NoError(t, err)
	require.Equal(t, "ops/7", op)

	st, err := v.PollVideo(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, generation.VideoStatus{Done: true, URI: "https://cdn.example/v.mp4"}, st)

	require.Len(t, calls, 2)
	require.Equal(t, map[string]any{"prompt": "storm over Lisbon", "aspect_ratio": "9:16"}, calls[0].Params.Arguments)
	require.Equal(t, map[string]any{"operation": "ops/7"}, calls[1].Params.Arguments)
}

func TestMCPVideo_PlainTextOperation(t *testing.T) {
	v := NewMCPVideo(&mockMCPClient{
		CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("  operations/plain \n", false), nil
		},
	})
	op, err := v.SubmitVideo(context.Background(), "p", "16:9")
	require.NoError(t, err)
	require.Equal(t, "operations/plain", op)
}

func TestMCPVideo_NotFound(t *testing.T) {
	cases := map[string]*mockMCPClient{
		"tool error text": {CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("operation not found", true), nil
		}},
		"status error": {CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult(`{"error":"404 operation expired"}`, false), nil
		}},
		"transport error": {CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("server said 404")
		}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewMCPVideo(c).PollVideo(context.Background(), "ops/1")
			require.ErrorIs(t, err, generation.ErrOperationNotFound)
		})
	}
}

func TestMCPVideo_OtherErrors(t *testing.T) {
	v := NewMCPVideo(&mockMCPClient{
		CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("quota exceeded", true), nil
		},
	})
	_, err := v.SubmitVideo(context.Background(), "p", "16:9")
	require.Error(t, err)
	require.NotErrorIs(t, err, generation.ErrOperationNotFound)

	v = NewMCPVideo(&mockMCPClient{
		CallToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("not json", false), nil
		},
	})
	_, err = v.PollVideo(context.Background(), "ops/1")
	require.Error(t, err)
	require.NotErrorIs(t, err, generation.ErrOperationNotFound)
}

func TestMCPVideo_Close(t *testing.T) {
	closed := false
	v := NewMCPVideo(&mockMCPClient{CloseFunc: func() error { closed = true; return nil }})
	require.NoError(t, v.Close())
	require.True(t, closed)
}

func TestConnectMCP_RejectsUnknownType(t *testing.T) {
	_, err := ConnectMCP(context.Background(), config.MCPServerConfig{Name: "veo"})
	require.Error(t, err)

	_, err = ConnectMCP(context.Background(), config.MCPServerConfig{Name: "veo", Type: "carrier-pigeon"})
	require.Error(t, err)
}
