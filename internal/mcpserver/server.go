package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Paylane tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paylane", "1.0.0")
	client := NewPaylaneClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSessionStatus, h.HandleSessionStatus)
	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolRelayStatus, h.HandleRelayStatus)
	s.AddTool(ToolSettlementLookup, h.HandleSettlementLookup)
	s.AddTool(ToolSettlementStats, h.HandleSettlementStats)
	s.AddTool(ToolPlatformStats, h.HandlePlatformStats)

	return s
}
