package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/search"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry *community.Registry
	DBs      *knowledge.Manager
	Search   search.Options
	Version  string
}

// NewMCPServer creates an MCP server with the search tools every community
// shares, plus the capability tools of the communities that declare them.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"osakb",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("osakb indexes open-science community knowledge: GitHub issues and PRs, papers, "+
			"mailing lists, forums and API docs. Results are pointers for further reading, not answers to quote."),
		server.WithRecovery(),
	)

	ids := activeIDs(deps.Registry, "")

	s.AddTool(
		mcp.NewTool("list_communities",
			mcp.WithDescription("List the configured communities with their status and extra tools."),
		),
		mcpListCommunities(deps),
	)

	s.AddTool(
		mcp.NewTool("search_github",
			mcp.WithDescription("Search a community's GitHub issues and pull requests. A bare number such as \"#123\" looks up that item."),
			communityArg(ids),
			mcp.WithString("query", mcp.Description("Search text or item number"), mcp.Required()),
			mcp.WithString("item_type", mcp.Description("Filter by type"), mcp.Enum(knowledge.ItemIssue, knowledge.ItemPR)),
			mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum(knowledge.StatusOpen, knowledge.StatusClosed, knowledge.StatusMerged)),
			mcp.WithString("repo", mcp.Description("Filter by org/repo")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps, search.SourceGitHub, ""),
	)

	s.AddTool(
		mcp.NewTool("search_papers",
			mcp.WithDescription("Search papers about or citing a community's tools."),
			communityArg(ids),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Filter by paper source"),
				mcp.Enum(knowledge.SourceOpenAlex, knowledge.SourceSemanticScholar, knowledge.SourcePubMed)),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps, search.SourcePapers, ""),
	)

	s.AddTool(
		mcp.NewTool("search_mailing_list",
			mcp.WithDescription("Search a community's mailing list archive."),
			communityArg(ids),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithString("list", mcp.Description("Filter by list name")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps, search.SourceMailman, ""),
	)

	s.AddTool(
		mcp.NewTool("search_discourse",
			mcp.WithDescription("Search a community's Discourse forum topics."),
			communityArg(ids),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Filter by category name")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps, search.SourceDiscourse, ""),
	)

	s.AddTool(
		mcp.NewTool("search_all",
			mcp.WithDescription("Search GitHub items and papers of a community at once."),
			communityArg(ids),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results per list (default 10)")),
		),
		mcpSearchAll(deps),
	)

	registerCapabilityTools(s, deps)

	s.AddResource(
		mcp.NewResource(
			"osakb://communities",
			"Communities",
			mcp.WithResourceDescription("Configured communities as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCommunities(deps),
	)
	for _, id := range ids {
		s.AddResource(
			mcp.NewResource(
				"osakb://stats/"+id,
				id+" stats",
				mcp.WithResourceDescription("Item counts of the "+id+" knowledge base"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceStats(deps, id),
		)
	}

	return s
}

// registerCapabilityTools adds a tool only when some active community has the
// capability. The community argument is limited to those communities.
func registerCapabilityTools(s *server.MCPServer, deps MCPDeps) {
	if ids := activeIDs(deps.Registry, community.CapLookupBEP); len(ids) > 0 {
		s.AddTool(
			mcp.NewTool(string(community.CapLookupBEP),
				mcp.WithDescription("Look up a BIDS Extension Proposal by number (\"32\", \"BEP032\") or keyword."),
				communityArg(ids),
				mcp.WithString("query", mcp.Description("BEP number or search text"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			),
			mcpLookupBEP(deps),
		)
	}
	if ids := activeIDs(deps.Registry, community.CapSearchFAQ); len(ids) > 0 {
		s.AddTool(
			mcp.NewTool(string(community.CapSearchFAQ),
				mcp.WithDescription("Search FAQ entries generated from mailing list threads."),
				communityArg(ids),
				mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
				mcp.WithString("category", mcp.Description("Filter by category"),
					mcp.Enum("troubleshooting", "how-to", "bug-report", "feature-request", "discussion", "reference")),
				mcp.WithString("list", mcp.Description("Filter by list name")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			),
			mcpSearch(deps, search.SourceFAQ, community.CapSearchFAQ),
		)
	}
	if ids := activeIDs(deps.Registry, community.CapSearchDocstrings); len(ids) > 0 {
		s.AddTool(
			mcp.NewTool(string(community.CapSearchDocstrings),
				mcp.WithDescription("Search function and class documentation extracted from source code."),
				communityArg(ids),
				mcp.WithString("query", mcp.Description("Search text, e.g. a function name"), mcp.Required()),
				mcp.WithString("language", mcp.Description("Filter by language"), mcp.Enum("matlab", "python")),
				mcp.WithString("repo", mcp.Description("Filter by org/repo")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			),
			mcpSearch(deps, search.SourceDocstrings, community.CapSearchDocstrings),
		)
	}
}

// activeIDs lists active communities, optionally only those with cp.
func activeIDs(reg *community.Registry, cp community.Capability) []string {
	var ids []string
	for _, c := range reg.All() {
		if c.Active() && (cp == "" || c.Has(cp)) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func communityArg(ids []string) mcp.ToolOption {
	opts := []mcp.PropertyOption{mcp.Description("Community id")}
	if len(ids) > 0 {
		opts = append(opts, mcp.Enum(ids...))
	}
	if len(ids) != 1 {
		opts = append(opts, mcp.Required())
	}
	return mcp.WithString("community", opts...)
}

// resolve picks the community a tool call targets and opens a searcher on it.
// The community argument may be omitted when only one community qualifies.
func resolve(deps MCPDeps, req mcp.CallToolRequest, cp community.Capability) (community.Community, *search.Searcher, *mcp.CallToolResult) {
	id := req.GetString("community", "")
	if id == "" {
		ids := activeIDs(deps.Registry, cp)
		if len(ids) != 1 {
			return community.Community{}, nil, mcpError("community is required")
		}
		id = ids[0]
	}
	c, err := deps.Registry.Get(id)
	if err != nil || !c.Active() {
		return community.Community{}, nil, mcpError(fmt.Sprintf("unknown community %q", id))
	}
	if cp != "" && !c.Has(cp) {
		return community.Community{}, nil, mcpError(fmt.Sprintf("%s is not available for %s", cp, c.ID))
	}
	db, err := deps.DBs.Get(c.ID)
	if err != nil {
		return community.Community{}, nil, mcpError(fmt.Sprintf("opening knowledge base: %v", err))
	}
	return c, search.New(db, deps.Search), nil
}

func toolLimit(req mcp.CallToolRequest) int {
	limit := req.GetInt("limit", search.DefaultLimit)
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func mcpSearch(deps MCPDeps, source string, cp community.Capability) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		_, s, errResult := resolve(deps, req, cp)
		if errResult != nil {
			return errResult, nil
		}

		f := search.Filter{
			Limit:    toolLimit(req),
			ItemType: req.GetString("item_type", ""),
			Status:   req.GetString("status", ""),
			Repo:     req.GetString("repo", ""),
			Language: req.GetString("language", ""),
			Category: req.GetString("category", ""),
			ListName: req.GetString("list", ""),
		}
		if source == search.SourcePapers {
			f.PaperSource = req.GetString("source", "")
		}
		results, err := s.BySource(ctx, source, query, f)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if results == nil {
			results = []search.Result{}
		}
		return mcpJSON(results)
	}
}

func mcpSearchAll(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		_, s, errResult := resolve(deps, req, "")
		if errResult != nil {
			return errResult, nil
		}
		results, err := s.All(ctx, query, toolLimit(req))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpLookupBEP(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		_, s, errResult := resolve(deps, req, community.CapLookupBEP)
		if errResult != nil {
			return errResult, nil
		}
		beps, err := s.LookupBEP(ctx, query, toolLimit(req))
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpText(search.FormatBEPs(beps)), nil
	}
}

func mcpListCommunities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(communityInfos(deps.Registry))
	}
}

func mcpResourceCommunities(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(communityInfos(deps.Registry))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal communities: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceStats(deps MCPDeps, id string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		db, err := deps.DBs.Get(id)
		if err != nil {
			return nil, fmt.Errorf("opening knowledge base: %w", err)
		}
		st, err := db.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
