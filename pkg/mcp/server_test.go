package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/services"
)

func newTestServer() *Server {
	logger := zap.NewNop()
	engine := services.NewEngine(services.EngineDeps{}, config.RefinementConfig{}, logger)
	return NewServer("test-server", "1.0.0", services.NewSessionManager(engine, logger), logger)
}

func listToolNames(t *testing.T, s *Server) map[string]bool {
	t.Helper()
	result := s.MCP().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	resultBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	var response struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resultBytes, &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range response.Result.Tools {
		names[tool.Name] = true
	}
	return names
}

func TestNewServer(t *testing.T) {
	s := newTestServer()

	if s.mcp == nil {
		t.Fatal("expected non-nil mcp server")
	}
	if s.MCP() != s.mcp {
		t.Error("expected MCP() to return the internal mcp server")
	}

	names := listToolNames(t, s)
	for _, want := range []string{"health", "start_session", "ask", "feedback", "history", "clear_history", "end_session"} {
		if !names[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

func TestServer_RegisterTool(t *testing.T) {
	s := newTestServer()

	tool := mcp.NewTool("test-tool", mcp.WithDescription("A test tool"))
	handlerCalled := false
	s.RegisterTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handlerCalled = true
		return mcp.NewToolResultText("success"), nil
	})

	if handlerCalled {
		t.Error("handler should not be called during registration")
	}
	if !listToolNames(t, s)["test-tool"] {
		t.Error("test-tool not listed after registration")
	}

	s.MCP().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"test-tool"},"id":2}`))
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestServer_StartSessionCountsInHealth(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	s.MCP().HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"start_session"},"id":1}`))
	result := s.MCP().HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"health"},"id":2}`))

	resultBytes, _ := json.Marshal(result)
	var response struct {
		Result struct {
			Content []mcp.TextContent `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resultBytes, &response); err != nil || len(response.Result.Content) == 0 {
		t.Fatalf("unexpected health response: %s", resultBytes)
	}
	var health struct {
		Sessions int `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(response.Result.Content[0].Text), &health); err != nil {
		t.Fatalf("failed to unmarshal health: %v", err)
	}
	if health.Sessions != 1 {
		t.Errorf("expected 1 session, got %d", health.Sessions)
	}
}
