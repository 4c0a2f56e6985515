package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/search"
	"github.com/kalambet/quadsearch/internal/storage"
)

// MCPIdentity is the budget identity MCP tool calls are charged to.
var MCPIdentity = budget.Identity{Key: "mcp:local", Tier: budget.TierVerified}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service SearchService
}

// NewMCPServer creates an MCP server with the search and usage tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"quadsearch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("quadsearch finds students, organisations and events on campus and answers with cited sources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search people, organisations and events and return a cited answer."),
			mcp.WithString("query", mcp.Description("Natural-language question"), mcp.Required()),
			mcp.WithBoolean("people", mcp.Description("Search people (default true)")),
			mcp.WithBoolean("organisations", mcp.Description("Search organisations (default true)")),
			mcp.WithBoolean("events", mcp.Description("Search events (default true)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("usage",
			mcp.WithDescription("Report token budget usage for an identity."),
			mcp.WithString("identity", mcp.Description("Identity key such as user:42 (default: this MCP client)")),
		),
		mcpUsage(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		filters := &retrieval.Filters{
			People:        req.GetBool("people", true),
			Organisations: req.GetBool("organisations", true),
			Events:        req.GetBool("events", true),
		}

		msg, err := deps.Service.CreateMessage(ctx, MCPIdentity, search.NewMessage{Query: query, Filters: filters})
		if err != nil {
			return mcpError(fmt.Sprintf("creating search: %v", err)), nil
		}
		done, err := deps.Service.Run(ctx, msg.ID, MCPIdentity)
		if err != nil {
			if exceeded, ok := budget.IsExceeded(err); ok {
				return mcpError(exceeded.Error()), nil
			}
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if done.Status != storage.StatusCompleted {
			return mcpError(fmt.Sprintf("search ended %s: %s", done.Status, done.Error)), nil
		}
		return mcpText(string(done.Content)), nil
	}
}

func mcpUsage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := MCPIdentity
		if key := req.GetString("identity", ""); key != "" {
			id = budget.IdentityFromKey(key)
		}
		d, err := deps.Service.Usage(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("reading usage: %v", err)), nil
		}
		b, err := json.Marshal(d)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal usage: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
