package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type healthResult struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server status, version and live session count. sessions may be nil.
func RegisterHealthTool(s *server.MCPServer, version string, sessions SessionCounter) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h := healthResult{Status: "ok", Version: version}
		if sessions != nil {
			h.Sessions = sessions.Count()
		}
		result, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
