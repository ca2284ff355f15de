// Paylane MCP Server - Exposes Paylane lookups as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/avernet/paylane/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("PAYLANE_API_URL", "http://localhost:8080"),
		OwnerAddress: os.Getenv("PAYLANE_OWNER_ADDRESS"),
	}

	if cfg.OwnerAddress == "" {
		fmt.Fprintln(os.Stderr, "PAYLANE_OWNER_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
