package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/klwatch/internal/browser"
	"github.com/kalambet/klwatch/internal/metrics"
	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/scheduler"
	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/search"
	"github.com/kalambet/klwatch/internal/storage"
)

const testToken = "test-token-12345"

type mockExecutor struct {
	executeFn func(ctx context.Context, job storage.Job) runner.Outcome
}

func (m *mockExecutor) Execute(ctx context.Context, job storage.Job) runner.Outcome {
	if m.executeFn != nil {
		return m.executeFn(ctx, job)
	}
	now := time.Now().UTC()
	return runner.Outcome{
		JobID:       job.ID,
		Status:      storage.RunStatusSuccess,
		Message:     "2 listings (2 new, 0 updated, 0 deleted)",
		StartedAt:   now,
		FinishedAt:  now,
		ResultCount: 2,
		Complete:    true,
	}
}

type mockSearcher struct {
	searchFn   func(params scraper.SearchParams) ([]scraper.Summary, error)
	detailedFn func(params scraper.SearchParams, f search.Filter) ([]scraper.Summary, error)
	detailFn   func(id string) (scraper.Detail, error)
}

func (m *mockSearcher) Search(_ context.Context, params scraper.SearchParams) ([]scraper.Summary, error) {
	return m.searchFn(params)
}

func (m *mockSearcher) SearchDetailed(_ context.Context, params scraper.SearchParams, f search.Filter) ([]scraper.Summary, error) {
	return m.detailedFn(params, f)
}

func (m *mockSearcher) Detail(_ context.Context, id string) (scraper.Detail, error) {
	return m.detailFn(id)
}

type mockPool struct{}

func (mockPool) Stats() browser.Stats {
	return browser.Stats{MaxSessions: 5, InUse: 1, Idle: 2, Created: 3}
}

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	sched    *scheduler.Scheduler
	exec     *mockExecutor
	searcher *mockSearcher
}

func setupHandler(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	exec := &mockExecutor{}
	m := metrics.New(mockPool{})
	sched := scheduler.New(store, exec, m, scheduler.Options{})
	t.Cleanup(func() { sched.Shutdown(context.Background()) })
	m.WatchJobs(sched)

	searcher := &mockSearcher{}
	return &testEnv{
		handler: NewHandler(Deps{
			Jobs:     sched,
			Listings: store,
			Search:   searcher,
			Metrics:  m.Handler(),
			Token:    token,
		}),
		store:    store,
		sched:    sched,
		exec:     exec,
		searcher: searcher,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(env *testEnv, method, url, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
}

func createJob(t *testing.T, env *testEnv, body string) storage.Job {
	t.Helper()
	rr := serve(env, http.MethodPost, "/scheduler/jobs", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp jobResponse
	decode(t, rr, &resp)
	return *resp.Job
}

func TestAuth(t *testing.T) {
	env := setupHandler(t, testToken)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"missing token", "/scheduler/jobs", "", http.StatusUnauthorized},
		{"wrong token", "/scheduler/jobs", "nope", http.StatusUnauthorized},
		{"valid token", "/scheduler/jobs", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(http.MethodGet, tt.path, "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_EmptyTokenDisablesAuth(t *testing.T) {
	env := setupHandler(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/scheduler/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestJobs_CreateAndList(t *testing.T) {
	env := setupHandler(t, testToken)

	rr := serve(env, http.MethodPost, "/scheduler/jobs",
		`{"name":"woom-3","query":"Woom 3","interval_seconds":30,"page_count":50}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created jobResponse
	decode(t, rr, &created)
	if created.Message != "Job wurde erstellt" {
		t.Errorf("message = %q", created.Message)
	}
	if created.Job.IntervalSeconds != 60 || created.Job.PageCount != 20 {
		t.Errorf("job not clamped: %+v", created.Job)
	}

	rr = serve(env, http.MethodGet, "/scheduler/jobs", "")
	var list struct {
		Jobs []storage.Job `json:"jobs"`
	}
	decode(t, rr, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].Name != "woom-3" {
		t.Errorf("jobs = %+v", list.Jobs)
	}
}

func TestJobs_CreateDuplicateIs400(t *testing.T) {
	env := setupHandler(t, testToken)
	createJob(t, env, `{"name":"dup"}`)

	rr := serve(env, http.MethodPost, "/scheduler/jobs", `{"name":"dup"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var body errorBody
	decode(t, rr, &body)
	if body.Error.Type != "validation_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}

	jobs, _ := env.store.ListJobs(context.Background())
	if len(jobs) != 1 {
		t.Errorf("stored %d jobs, want 1", len(jobs))
	}
}

func TestJobs_InvalidBody(t *testing.T) {
	env := setupHandler(t, testToken)
	for _, body := range []string{`{not json`, `{"name":""}`, `{"name":"x","min_price":10,"max_price":5}`} {
		rr := serve(env, http.MethodPost, "/scheduler/jobs", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestJobs_Lifecycle(t *testing.T) {
	env := setupHandler(t, testToken)
	j := createJob(t, env, `{"name":"sofa","query":"Sofa","interval_seconds":600}`)
	base := fmt.Sprintf("/scheduler/jobs/%d", j.ID)

	rr := serve(env, http.MethodPatch, base, `{"query":"Ecksofa","page_count":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp jobResponse
	decode(t, rr, &resp)
	if resp.Job.Query != "Ecksofa" || resp.Job.PageCount != 2 || resp.Job.Name != "sofa" {
		t.Errorf("patched job = %+v", resp.Job)
	}

	rr = serve(env, http.MethodPost, base+"/stop", "")
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Job.IsActive || resp.Job.NextRunAt != nil {
		t.Errorf("stop: status=%d job=%+v", rr.Code, resp.Job)
	}
	if resp.Message != "Job wurde gestoppt" {
		t.Errorf("stop message = %q", resp.Message)
	}

	rr = serve(env, http.MethodPost, base+"/start", "")
	decode(t, rr, &resp)
	if !resp.Job.IsActive || resp.Job.NextRunAt == nil {
		t.Errorf("start: job=%+v", resp.Job)
	}

	rr = serve(env, http.MethodPost, base+"/run", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("run status = %d; body = %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &resp)
	if resp.Job.LastRunStatus != storage.RunStatusSuccess || resp.Job.LastRunAt == nil {
		t.Errorf("run: job=%+v", resp.Job)
	}
	if d := resp.Job.NextRunAt.Sub(*resp.Job.LastRunAt); d != 10*time.Minute {
		t.Errorf("next - last = %v, want 10m", d)
	}

	rr = serve(env, http.MethodDelete, base, "")
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Message != "Job wurde gelöscht" {
		t.Errorf("delete: status=%d message=%q", rr.Code, resp.Message)
	}

	rr = serve(env, http.MethodGet, base, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("get deleted job status = %d, want 404", rr.Code)
	}
}

func TestJobs_BadIDAndUnknown(t *testing.T) {
	env := setupHandler(t, testToken)

	if rr := serve(env, http.MethodPost, "/scheduler/jobs/abc/run", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d, want 400", rr.Code)
	}
	for _, path := range []string{"/scheduler/jobs/99/run", "/scheduler/jobs/99/start", "/scheduler/jobs/99/stop"} {
		if rr := serve(env, http.MethodPost, path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rr.Code)
		}
	}
	if rr := serve(env, http.MethodDelete, "/scheduler/jobs/99", ""); rr.Code != http.StatusNotFound {
		t.Errorf("delete unknown status = %d, want 404", rr.Code)
	}
}

func TestJobs_RunWhileRunningIs409(t *testing.T) {
	env := setupHandler(t, testToken)
	started := make(chan struct{})
	release := make(chan struct{})
	env.exec.executeFn = func(_ context.Context, job storage.Job) runner.Outcome {
		close(started)
		<-release
		return runner.Outcome{Status: storage.RunStatusSuccess, FinishedAt: time.Now().UTC()}
	}
	j := createJob(t, env, `{"name":"busy"}`)
	path := fmt.Sprintf("/scheduler/jobs/%d/run", j.ID)

	done := make(chan int, 1)
	go func() { done <- serve(env, http.MethodPost, path, "").Code }()
	<-started

	rr := serve(env, http.MethodPost, path, "")
	if rr.Code != http.StatusConflict {
		t.Errorf("concurrent run status = %d, want 409", rr.Code)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first run status = %d", code)
	}
}

func TestStoredListings(t *testing.T) {
	env := setupHandler(t, testToken)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, q := range []string{"woom-3", "woom-3", "sofa"} {
		seen := base.Add(time.Duration(i) * time.Hour)
		l := &storage.Listing{
			ExternalID:  fmt.Sprintf("ad%d", i),
			QueryName:   q,
			Title:       "Listing " + q,
			Status:      storage.ListingActive,
			Shipping:    storage.ShippingUnknown,
			FirstSeenAt: seen,
			LastSeenAt:  seen,
			CreatedAt:   seen,
			UpdatedAt:   seen,
		}
		if err := env.store.WithTx(ctx, func(tx *storage.Tx) error { return tx.InsertListing(ctx, l) }); err != nil {
			t.Fatalf("InsertListing: %v", err)
		}
	}

	rr := serve(env, http.MethodGet, "/stored-listings?query_name=woom-3&limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var page struct {
		Items []storage.Listing `json:"items"`
		Total int               `json:"total"`
		Limit int               `json:"limit"`
	}
	decode(t, rr, &page)
	if page.Total != 2 || len(page.Items) != 1 || page.Limit != 1 {
		t.Fatalf("page = total %d, items %d, limit %d", page.Total, len(page.Items), page.Limit)
	}
	if page.Items[0].ExternalID != "ad1" {
		t.Errorf("newest first: got %s, want ad1", page.Items[0].ExternalID)
	}

	for _, q := range []string{"limit=0", "limit=101", "offset=-1", "limit=x"} {
		if rr := serve(env, http.MethodGet, "/stored-listings?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}

	rr = serve(env, http.MethodGet, "/stored-listings/ad2", "")
	var one storage.Listing
	decode(t, rr, &one)
	if one.QueryName != "sofa" {
		t.Errorf("stored listing = %+v", one)
	}
	if rr := serve(env, http.MethodGet, "/stored-listings/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing listing status = %d, want 404", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	env := setupHandler(t, testToken)
	var gotParams scraper.SearchParams
	env.searcher.searchFn = func(p scraper.SearchParams) ([]scraper.Summary, error) {
		gotParams = p
		return []scraper.Summary{{ExternalID: "1", Title: "Woom 3", Price: "250"}}, nil
	}

	rr := serve(env, http.MethodGet, "/inserate?query=woom+3&location=Berlin&radius=10&min_price=100&max_price=300&page_count=2&sort=PRICE_AMOUNT", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Success bool             `json:"success"`
		Results []map[string]any `json:"results"`
	}
	decode(t, rr, &body)
	if !body.Success || len(body.Results) != 1 || body.Results[0]["adid"] != "1" {
		t.Errorf("body = %+v", body)
	}
	if _, ok := body.Results[0]["details"]; ok {
		t.Error("summary results should not carry details")
	}
	if gotParams.Query != "woom 3" || *gotParams.Radius != 10 || *gotParams.MaxPrice != 300 || gotParams.PageCount != 2 || gotParams.Sort != "PRICE_AMOUNT" {
		t.Errorf("params = %+v", gotParams)
	}

	for _, q := range []string{"page_count=21", "page_count=0", "radius=-1", "min_price=abc"} {
		if rr := serve(env, http.MethodGet, "/inserate?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestSearch_UpstreamFailureIs502(t *testing.T) {
	env := setupHandler(t, testToken)
	env.searcher.searchFn = func(scraper.SearchParams) ([]scraper.Summary, error) {
		return nil, fmt.Errorf("fetching page 1: %w", &scraper.NetworkError{URL: "u", Attempts: 3, Err: errors.New("timeout")})
	}
	rr := serve(env, http.MethodGet, "/inserate?query=x", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestSearchDetailed(t *testing.T) {
	env := setupHandler(t, testToken)
	var gotFilter search.Filter
	env.searcher.detailedFn = func(_ scraper.SearchParams, f search.Filter) ([]scraper.Summary, error) {
		gotFilter = f
		return []scraper.Summary{{
			ExternalID: "1",
			Detail: &scraper.Detail{
				Delivery: "Versand möglich",
				Location: storage.Location{Zip: "10115", City: "Berlin"},
				Seller:   storage.Seller{Name: "Anna", Type: "private", Badges: []string{"TOP Zufriedenheit"}},
			},
		}}, nil
	}

	rr := serve(env, http.MethodGet, "/inserate-detailed?query=woom&seller_type=private&shipping=ship&seller_badge[]=TOP+Zufriedenheit&seller_badge=Freundlich", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Data []struct {
			Adid    string `json:"adid"`
			Details struct {
				Seller   storage.Seller   `json:"seller"`
				Location storage.Location `json:"location"`
				Delivery string           `json:"delivery"`
			} `json:"details"`
		} `json:"data"`
	}
	decode(t, rr, &body)
	if len(body.Data) != 1 || body.Data[0].Details.Seller.Name != "Anna" || body.Data[0].Details.Location.Zip != "10115" {
		t.Errorf("data = %+v", body.Data)
	}
	if gotFilter.SellerType != "private" || gotFilter.Shipping != "ship" || len(gotFilter.SellerBadges) != 2 {
		t.Errorf("filter = %+v", gotFilter)
	}
}

func TestListingDetail(t *testing.T) {
	env := setupHandler(t, testToken)
	env.searcher.detailFn = func(id string) (scraper.Detail, error) {
		if id == "404" {
			return scraper.Detail{}, &scraper.ParseError{URL: id, Reason: "listing title not found"}
		}
		return scraper.Detail{ID: id, Title: "Woom 3"}, nil
	}

	rr := serve(env, http.MethodGet, "/inserat/2734567890", "")
	var body struct {
		Success bool           `json:"success"`
		Data    scraper.Detail `json:"data"`
	}
	decode(t, rr, &body)
	if !body.Success || body.Data.ID != "2734567890" {
		t.Errorf("body = %+v", body)
	}

	if rr := serve(env, http.MethodGet, "/inserat/404", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("parse failure status = %d, want 502", rr.Code)
	}
}

func TestPatchJob_NullClearsPriceBounds(t *testing.T) {
	env := setupHandler(t, testToken)
	j := createJob(t, env, `{"name":"bike","query":"woom","location":"Berlin","radius":10,"min_price":100,"max_price":300}`)
	base := fmt.Sprintf("/scheduler/jobs/%d", j.ID)

	rr := serve(env, http.MethodPatch, base, `{"radius":null,"min_price":null}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp jobResponse
	decode(t, rr, &resp)
	if resp.Job.Radius != nil || resp.Job.MinPrice != nil {
		t.Errorf("radius %v min_price %v, want cleared", resp.Job.Radius, resp.Job.MinPrice)
	}
	if resp.Job.MaxPrice == nil || *resp.Job.MaxPrice != 300 {
		t.Errorf("max_price = %v, want untouched 300", resp.Job.MaxPrice)
	}

	if rr := serve(env, http.MethodPatch, base, `{"max_price":"cheap"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("non-numeric max_price status = %d, want 400", rr.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := setupHandler(t, testToken)
	job := createJob(t, env, `{"name":"a"}`)

	if rr := serve(env, http.MethodPost, fmt.Sprintf("/scheduler/jobs/%d/run", job.ID), ""); rr.Code != http.StatusOK {
		t.Fatalf("run status = %d: %s", rr.Code, rr.Body)
	}

	rr := serve(env, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"klwatch_scheduler_armed_jobs 1",
		"klwatch_browser_sessions_in_use 1",
		"klwatch_browser_sessions_idle 2",
		"klwatch_browser_sessions_max 5",
		"klwatch_browser_sessions_created_total 3",
		`klwatch_runs_total{status="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	unauth := httptest.NewRecorder()
	env.handler.ServeHTTP(unauth, authReq(http.MethodGet, "/metrics", "", ""))
	if unauth.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /metrics = %d, want 401", unauth.Code)
	}
}
