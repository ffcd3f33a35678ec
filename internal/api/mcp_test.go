package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/search"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	dbs := knowledge.NewManager(knowledge.MemoryDir)
	t.Cleanup(func() { dbs.Close() })
	seed(t, dbs)
	return MCPDeps{Registry: testRegistry(t), DBs: dbs}
}

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

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest("test", args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

func TestMCPTool_SearchGitHub(t *testing.T) {
	deps := newTestMCPDeps(t)
	result := callTool(t, mcpSearch(deps, search.SourceGitHub, ""), map[string]interface{}{
		"community": "eeglab",
		"query":     "ICA crash",
		"status":    "open",
		"limit":     5,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var results []search.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://github.com/sccn/eeglab/issues/42" {
		t.Fatalf("results = %+v", results)
	}
}

func TestMCPTool_Search_EmptyResult(t *testing.T) {
	deps := newTestMCPDeps(t)
	result := callTool(t, mcpSearch(deps, search.SourceMailman, ""), map[string]interface{}{
		"community": "eeglab",
		"query":     "nothing matches this",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("expected empty array, got %s", text)
	}
}

func TestMCPTool_Search_Errors(t *testing.T) {
	deps := newTestMCPDeps(t)
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing query", map[string]interface{}{"community": "eeglab"}, "query is required"},
		{"missing community", map[string]interface{}{"query": "ICA"}, "community is required"},
		{"unknown community", map[string]interface{}{"community": "nope", "query": "ICA"}, `unknown community "nope"`},
		{"coming soon", map[string]interface{}{"community": "mne", "query": "ICA"}, `unknown community "mne"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, mcpSearch(deps, search.SourceGitHub, ""), tt.args)
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("error = %q, want %q", text, tt.want)
			}
		})
	}
}

func TestMCPTool_SearchAll(t *testing.T) {
	deps := newTestMCPDeps(t)
	result := callTool(t, mcpSearchAll(deps), map[string]interface{}{"community": "eeglab", "query": "ICA"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var results map[string][]search.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results["github"]) != 1 || len(results["papers"]) != 1 {
		t.Errorf("results = %+v", results)
	}
}

func TestMCPTool_Capabilities(t *testing.T) {
	deps := newTestMCPDeps(t)

	// search_faq is an eeglab capability; bids does not have it.
	faq := mcpSearch(deps, search.SourceFAQ, community.CapSearchFAQ)
	result := callTool(t, faq, map[string]interface{}{"community": "bids", "query": "ICA"})
	if !result.IsError || !strings.Contains(toolText(t, result), "search_faq is not available for bids") {
		t.Errorf("bids search_faq = %+v", result)
	}

	// Only eeglab qualifies, so the community may be omitted.
	result = callTool(t, faq, map[string]interface{}{"query": "ICA", "category": "how-to"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); !strings.Contains(text, "How do I run ICA?") {
		t.Errorf("faq result = %s", text)
	}
}

func TestMCPTool_LookupBEP(t *testing.T) {
	deps := newTestMCPDeps(t)
	result := callTool(t, mcpLookupBEP(deps), map[string]interface{}{"query": "32"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	text := toolText(t, result)
	for _, want := range []string{"BEP032: Microelectrode electrophysiology", "Status: proposed", "pull/1705"} {
		if !strings.Contains(text, want) {
			t.Errorf("result missing %q:\n%s", want, text)
		}
	}

	result = callTool(t, mcpLookupBEP(deps), map[string]interface{}{"community": "eeglab", "query": "32"})
	if !result.IsError {
		t.Error("lookup_bep on eeglab should fail")
	}
}

func TestMCPServer_RegistersCapabilityTools(t *testing.T) {
	deps := newTestMCPDeps(t)
	s := NewMCPServer(deps)
	tools := s.ListTools()
	for _, name := range []string{"list_communities", "search_github", "search_papers", "search_mailing_list",
		"search_discourse", "search_all", "lookup_bep", "search_faq", "search_docstrings"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}

	reg, err := community.NewRegistry(community.Community{ID: "hed", GitHub: community.GitHub{Repos: []string{"hed-standard/hed-python"}}})
	if err != nil {
		t.Fatal(err)
	}
	deps.Registry = reg
	tools = NewMCPServer(deps).ListTools()
	if _, ok := tools["search_docstrings"]; !ok {
		t.Error("hed should get search_docstrings")
	}
	for _, name := range []string{"lookup_bep", "search_faq"} {
		if _, ok := tools[name]; ok {
			t.Errorf("tool %s registered without a community that has it", name)
		}
	}
}

func TestMCPResource_Communities(t *testing.T) {
	deps := newTestMCPDeps(t)
	contents, err := mcpResourceCommunities(deps)(context.Background(), makeReadResourceRequest("osakb://communities"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var infos []communityInfo
	if err := json.Unmarshal([]byte(tc.Text), &infos); err != nil {
		t.Fatalf("failed to parse communities: %v", err)
	}
	if len(infos) != 3 || infos[1].ID != "eeglab" || len(infos[1].Capabilities) != 2 {
		t.Errorf("communities = %+v", infos)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps := newTestMCPDeps(t)
	contents, err := mcpResourceStats(deps, "bids")(context.Background(), makeReadResourceRequest("osakb://stats/bids"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	var st knowledge.Stats
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("failed to parse stats: %v", err)
	}
	if st.BEPsTotal != 1 || tc.URI != "osakb://stats/bids" {
		t.Errorf("stats = %+v, uri = %s", st, tc.URI)
	}
}
