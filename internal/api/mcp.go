package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/klwatch/internal/scheduler"
	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs     JobService
	Listings ListingStore
	Search   Searcher
	Version  string
}

// NewMCPServer creates an MCP server with the klwatch tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"klwatch",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("klwatch searches Kleinanzeigen and keeps scheduled searches with their listing history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_listings",
			mcp.WithDescription("Search Kleinanzeigen now and return the result summaries."),
			mcp.WithString("query", mcp.Description("Search keywords"), mcp.Required()),
			mcp.WithString("location", mcp.Description("City or zip code")),
			mcp.WithNumber("radius", mcp.Description("Radius around location in km")),
			mcp.WithNumber("min_price", mcp.Description("Minimum price in EUR")),
			mcp.WithNumber("max_price", mcp.Description("Maximum price in EUR")),
			mcp.WithNumber("page_count", mcp.Description("Result pages to read (1-20, default 1)")),
		),
		mcpSearchListings(deps),
	)

	s.AddTool(
		mcp.NewTool("get_listing_details",
			mcp.WithDescription("Fetch the full listing page: seller, shipping, description and images."),
			mcp.WithString("id", mcp.Description("Listing id or URL"), mcp.Required()),
		),
		mcpListingDetails(deps),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List scheduled search jobs with their last run status."),
		),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("run_job",
			mcp.WithDescription("Run a scheduled job immediately and wait for it to finish."),
			mcp.WithNumber("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpRunJob(deps),
	)

	s.AddTool(
		mcp.NewTool("stored_listings",
			mcp.WithDescription("Query listings collected by scheduled jobs, newest first."),
			mcp.WithString("query_name", mcp.Description("Only listings of this job")),
			mcp.WithString("status", mcp.Description("active, reserved, sold or deleted")),
			mcp.WithString("search", mcp.Description("Text to find in title or description")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 25)")),
		),
		mcpStoredListings(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"klwatch://jobs",
			"Scheduled Jobs",
			mcp.WithResourceDescription("All scheduled jobs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobs(deps),
	)

	return s
}

func optionalNumber(req mcp.CallToolRequest, key string) *int {
	v := req.GetInt(key, -1)
	if v < 0 {
		return nil
	}
	return &v
}

func mcpSearchListings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		params := scraper.SearchParams{
			Query:     query,
			Location:  req.GetString("location", ""),
			Radius:    optionalNumber(req, "radius"),
			MinPrice:  optionalNumber(req, "min_price"),
			MaxPrice:  optionalNumber(req, "max_price"),
			PageCount: req.GetInt("page_count", 1),
		}
		results, err := deps.Search.Search(ctx, params)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpListingDetails(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		d, err := deps.Search.Detail(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching listing failed: %v", err)), nil
		}
		return mcpJSON(d)
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobs, err := deps.Jobs.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing jobs failed: %v", err)), nil
		}
		if len(jobs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(jobs)
	}
}

func mcpRunJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}
		j, err := deps.Jobs.RunNow(ctx, int64(id))
		var running *scheduler.AlreadyRunningError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("job %d not found", id)), nil
		case errors.As(err, &running):
			return mcpError(running.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Job %q finished with status %s: %s", j.Name, j.LastRunStatus, j.LastRunMessage)), nil
	}
}

func mcpStoredListings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultListingLimit)
		if limit <= 0 {
			limit = defaultListingLimit
		}
		if limit > maxListingLimit {
			limit = maxListingLimit
		}

		items, total, err := deps.Listings.ListListings(ctx, storage.ListingFilter{
			QueryName: req.GetString("query_name", ""),
			Status:    req.GetString("status", ""),
			Search:    req.GetString("search", ""),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("querying listings failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{"items": items, "total": total})
	}
}

func mcpResourceJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Jobs.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}

		b, err := json.Marshal(jobs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
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
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
