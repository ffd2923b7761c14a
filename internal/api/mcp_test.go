package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/klwatch/internal/scheduler"
	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/search"
	"github.com/kalambet/klwatch/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupHandler(t, "")
	return MCPDeps{
		Jobs:     env.sched,
		Listings: env.store,
		Search:   env.searcher,
	}, env
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

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SearchListings(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	var got scraper.SearchParams
	env.searcher.searchFn = func(p scraper.SearchParams) ([]scraper.Summary, error) {
		got = p
		return []scraper.Summary{{ExternalID: "1"}, {ExternalID: "2"}}, nil
	}

	result, err := mcpSearchListings(deps)(context.Background(), makeCallToolRequest("search_listings", map[string]any{
		"query":     "woom 3",
		"max_price": 300,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 results, got %d", len(items))
	}
	if got.Query != "woom 3" || got.MaxPrice == nil || *got.MaxPrice != 300 || got.MinPrice != nil {
		t.Errorf("params = %+v", got)
	}
}

func TestMCPTool_SearchListings_RequiresQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpSearchListings(deps)(context.Background(), makeCallToolRequest("search_listings", map[string]any{}))
	if !result.IsError {
		t.Fatal("expected error for missing query")
	}
}

func TestMCPTool_ListingDetails_Failure(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.searcher.detailFn = func(id string) (scraper.Detail, error) {
		return scraper.Detail{}, &scraper.NetworkError{URL: id, Attempts: 3, Err: errors.New("timeout")}
	}
	env.searcher.detailedFn = func(scraper.SearchParams, search.Filter) ([]scraper.Summary, error) { return nil, nil }

	result, _ := mcpListingDetails(deps)(context.Background(), makeCallToolRequest("get_listing_details", map[string]any{"id": "123"}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "timeout") {
		t.Errorf("error text = %q", toolText(t, result))
	}
}

func TestMCPTool_RunJob(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	j, err := env.sched.Create(context.Background(), scheduler.JobInput{Name: "woom-3", Query: "Woom 3"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, _ := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]any{"id": float64(j.ID)}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "success") {
		t.Errorf("text = %q", toolText(t, result))
	}

	result, _ = mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]any{"id": 999}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("unknown job: %q", toolText(t, result))
	}
}

func TestMCPTool_ListJobsAndResource(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	result, _ := mcpListJobs(deps)(context.Background(), makeCallToolRequest("list_jobs", nil))
	if toolText(t, result) != "[]" {
		t.Errorf("empty list = %q", toolText(t, result))
	}

	env.sched.Create(context.Background(), scheduler.JobInput{Name: "a"})
	contents, err := mcpResourceJobs(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "klwatch://jobs"},
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var jobs []storage.Job
	if err := json.Unmarshal([]byte(text), &jobs); err != nil {
		t.Fatalf("decoding jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "a" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestMCPTool_StoredListings(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()
	now := time.Now().UTC()
	l := &storage.Listing{
		ExternalID: "abc123", QueryName: "woom-3", Title: "Woom 3 blau",
		Status: storage.ListingActive, Shipping: storage.ShippingShip,
		FirstSeenAt: now, LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := env.store.WithTx(ctx, func(tx *storage.Tx) error { return tx.InsertListing(ctx, l) }); err != nil {
		t.Fatalf("InsertListing: %v", err)
	}

	result, _ := mcpStoredListings(deps)(ctx, makeCallToolRequest("stored_listings", map[string]any{"search": "BLAU", "limit": 500}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var page struct {
		Items []storage.Listing `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &page); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if page.Total != 1 || page.Items[0].ExternalID != "abc123" {
		t.Errorf("page = %+v", page)
	}
}
