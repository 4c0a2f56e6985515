package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/search"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_Search(t *testing.T) {
	env := newTestEnv(t, budget.DefaultLimits())
	handler := mcpSearch(MCPDeps{Service: env.svc})

	result, err := handler(context.Background(), makeCallToolRequest("search", map[string]interface{}{
		"query":  "chess clubs",
		"people": false,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var content search.Content
	if err := json.Unmarshal([]byte(toolText(t, result)), &content); err != nil {
		t.Fatalf("decoding content: %v", err)
	}
	if !strings.Contains(content.Narrative, "Chess Society") || len(content.CitedMatches) != 1 {
		t.Errorf("content = %+v", content)
	}

	usage, _ := env.svc.Usage(context.Background(), MCPIdentity)
	if usage.TokensUsed != 80 {
		t.Errorf("mcp identity charged %d tokens, want 80", usage.TokensUsed)
	}
}

func TestMCPTool_SearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t, budget.DefaultLimits())
	result, err := mcpSearch(MCPDeps{Service: env.svc})(context.Background(), makeCallToolRequest("search", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing query")
	}
}

func TestMCPTool_Usage(t *testing.T) {
	env := newTestEnv(t, budget.DefaultLimits())
	handler := mcpUsage(MCPDeps{Service: env.svc})

	result, err := handler(context.Background(), makeCallToolRequest("usage", map[string]interface{}{
		"identity": "device:abc",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d budget.Decision
	if err := json.Unmarshal([]byte(toolText(t, result)), &d); err != nil {
		t.Fatalf("decoding usage: %v", err)
	}
	if d.Identity != "device:abc" || d.Tier != budget.TierAnonymous || d.MaxTokens != 20000 {
		t.Errorf("usage = %+v", d)
	}
}

func TestNewMCPServer(t *testing.T) {
	env := newTestEnv(t, budget.DefaultLimits())
	if s := NewMCPServer(MCPDeps{Service: env.svc}); s == nil {
		t.Fatal("nil server")
	}
}
