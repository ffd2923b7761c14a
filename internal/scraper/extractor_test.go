package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/klwatch/internal/browser"
)

type renderFunc func(ctx context.Context, url string) (string, error)

func (f renderFunc) Render(ctx context.Context, url string, _ browser.RenderOptions) (string, error) {
	return f(ctx, url)
}

func (f renderFunc) Close() error { return nil }

type mockRunner struct {
	calls    atomic.Int32
	renderFn func(call int, url string) (string, error)
}

func (m *mockRunner) With(ctx context.Context, fn func(ctx context.Context, s browser.Session) error) error {
	call := int(m.calls.Add(1))
	return fn(ctx, renderFunc(func(_ context.Context, url string) (string, error) {
		return m.renderFn(call, url)
	}))
}

func noSleep(context.Context, time.Duration) error { return nil }

func intPtr(i int) *int { return &i }

func TestBuildSearchURL(t *testing.T) {
	tests := []struct {
		name   string
		params SearchParams
		page   int
		want   string
	}{
		{
			name:   "query only",
			params: SearchParams{Query: "woom 3"},
			page:   1,
			want:   "https://www.kleinanzeigen.de/s-seite:1?keywords=woom+3",
		},
		{
			name:   "location radius and price range",
			params: SearchParams{Query: "woom", Location: "Berlin", Radius: intPtr(10), MinPrice: intPtr(100), MaxPrice: intPtr(500)},
			page:   2,
			want:   "https://www.kleinanzeigen.de/preis:100:500/s-seite:2?keywords=woom&locationStr=Berlin&radius=10",
		},
		{
			name:   "only max price",
			params: SearchParams{Query: "sofa", MaxPrice: intPtr(50)},
			page:   1,
			want:   "https://www.kleinanzeigen.de/preis::50/s-seite:1?keywords=sofa",
		},
		{
			name:   "zero radius omitted",
			params: SearchParams{Query: "sofa", Radius: intPtr(0)},
			page:   3,
			want:   "https://www.kleinanzeigen.de/s-seite:3?keywords=sofa",
		},
		{
			name:   "category and sort",
			params: SearchParams{Query: "rad", Category: "c217", Sort: "PRICE_AMOUNT"},
			page:   1,
			want:   "https://www.kleinanzeigen.de/c217/s-seite:1?keywords=rad&sortingField=PRICE_AMOUNT",
		},
		{
			name:   "no parameters",
			params: SearchParams{},
			page:   0,
			want:   "https://www.kleinanzeigen.de/s-seite:1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildSearchURL("", tt.params, tt.page); got != tt.want {
				t.Errorf("BuildSearchURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetailURL(t *testing.T) {
	if got := DetailURL("", "2712345678"); got != "https://www.kleinanzeigen.de/s-anzeige/2712345678" {
		t.Errorf("DetailURL(id) = %q", got)
	}
	full := "https://www.kleinanzeigen.de/s-anzeige/woom-3/111"
	if got := DetailURL("", full); got != full {
		t.Errorf("DetailURL(url) = %q", got)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in         string
		amount     string
		negotiable bool
	}{
		{"1.234 € VB", "1234", true},
		{"12,50 €", "12.5", false},
		{"100 €", "100", false},
		{"VB", "", true},
		{"Zu verschenken", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		p := ParsePrice(tt.in)
		got := ""
		if p.Amount != nil {
			got = *p.Amount
		}
		if got != tt.amount || p.Negotiable != tt.negotiable {
			t.Errorf("ParsePrice(%q) = (%q, %v), want (%q, %v)", tt.in, got, p.Negotiable, tt.amount, tt.negotiable)
		}
		if p.Amount != nil && p.Currency != "EUR" {
			t.Errorf("ParsePrice(%q).Currency = %q", tt.in, p.Currency)
		}
	}
}

func TestFetchPage_RetriesTransientFailure(t *testing.T) {
	runner := &mockRunner{renderFn: func(call int, _ string) (string, error) {
		if call == 1 {
			return "", errors.New("net::ERR_CONNECTION_RESET")
		}
		return resultsPage, nil
	}}
	e := NewExtractor(runner, Options{MaxRetries: 2})
	e.sleep = noSleep

	got, hasMore, err := e.FetchPage(context.Background(), SearchParams{Query: "woom", PageCount: 3}, 1)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(got) != 2 || !hasMore {
		t.Errorf("got %d listings hasMore=%v, want 2 true", len(got), hasMore)
	}
	if n := runner.calls.Load(); n != 2 {
		t.Errorf("session acquired %d times, want 2", n)
	}
}

func TestFetchPage_NetworkErrorAfterRetries(t *testing.T) {
	runner := &mockRunner{renderFn: func(int, string) (string, error) {
		return "", fmt.Errorf("navigate: %w", context.DeadlineExceeded)
	}}
	e := NewExtractor(runner, Options{MaxRetries: 2})
	e.sleep = noSleep

	_, _, err := e.FetchPage(context.Background(), SearchParams{Query: "woom"}, 1)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if nerr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", nerr.Attempts)
	}
	if n := runner.calls.Load(); n != 3 {
		t.Errorf("renders = %d, want 3", n)
	}
	if !strings.Contains(nerr.URL, "keywords=woom") {
		t.Errorf("URL = %q", nerr.URL)
	}
}

func TestFetchPage_ParseErrorNotRetried(t *testing.T) {
	runner := &mockRunner{renderFn: func(int, string) (string, error) {
		return `<ul><li class="ad-listitem"><article></article></li></ul>`, nil
	}}
	e := NewExtractor(runner, Options{MaxRetries: 2})
	e.sleep = noSleep

	_, _, err := e.FetchPage(context.Background(), SearchParams{Query: "woom"}, 1)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if n := runner.calls.Load(); n != 1 {
		t.Errorf("renders = %d, want 1", n)
	}
}

func TestFetchPage_HasMore(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		page      int
		pageCount int
		want      bool
	}{
		{"more pages requested", resultsPage, 1, 2, true},
		{"last requested page", resultsPage, 2, 2, false},
		{"empty page", `<html><body></body></html>`, 1, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{renderFn: func(int, string) (string, error) { return tt.html, nil }}
			e := NewExtractor(runner, Options{})
			_, hasMore, err := e.FetchPage(context.Background(), SearchParams{Query: "x", PageCount: tt.pageCount}, tt.page)
			if err != nil {
				t.Fatalf("FetchPage: %v", err)
			}
			if hasMore != tt.want {
				t.Errorf("hasMore = %v, want %v", hasMore, tt.want)
			}
		})
	}
}

func TestFetchPage_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &mockRunner{renderFn: func(int, string) (string, error) {
		cancel()
		return "", errors.New("navigation aborted")
	}}
	e := NewExtractor(runner, Options{MaxRetries: 5})
	e.sleep = noSleep

	_, _, err := e.FetchPage(ctx, SearchParams{Query: "x"}, 1)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
	if n := runner.calls.Load(); n != 1 {
		t.Errorf("renders = %d, want 1", n)
	}
}

func TestFetchDetail(t *testing.T) {
	var gotURL string
	runner := &mockRunner{renderFn: func(_ int, url string) (string, error) {
		gotURL = url
		return detailPage, nil
	}}
	f := NewDetailFetcher(runner, Options{})

	d, err := f.FetchDetail(context.Background(), "2712345678")
	if err != nil {
		t.Fatalf("FetchDetail: %v", err)
	}
	if gotURL != "https://www.kleinanzeigen.de/s-anzeige/2712345678" {
		t.Errorf("rendered %q", gotURL)
	}
	if d.ID != "2712345678" || d.URL != gotURL {
		t.Errorf("detail = %+v", d)
	}
}

func TestFetchDetail_UnusableSessionIsRetried(t *testing.T) {
	runner := &mockRunner{renderFn: func(call int, _ string) (string, error) {
		if call < 3 {
			return "", fmt.Errorf("tab crashed: %w", browser.ErrSessionUnusable)
		}
		return detailPage, nil
	}}
	f := NewDetailFetcher(runner, Options{MaxRetries: 2})
	f.sleep = noSleep

	if _, err := f.FetchDetail(context.Background(), "1"); err != nil {
		t.Fatalf("FetchDetail: %v", err)
	}
	if n := runner.calls.Load(); n != 3 {
		t.Errorf("renders = %d, want 3", n)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	f := newFetcher(nil, Options{Backoff: 100 * time.Millisecond}, "test")
	for attempt, lo := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		d := f.backoff(attempt)
		if d < lo || d >= lo+100*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want in [%v, %v)", attempt, d, lo, lo+100*time.Millisecond)
		}
	}
}
