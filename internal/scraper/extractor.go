package scraper

import (
	"context"

	"github.com/kalambet/klwatch/internal/browser"
)

// Extractor reads search result pages.
type Extractor struct {
	fetcher
}

func NewExtractor(pool SessionRunner, opts Options) *Extractor {
	return &Extractor{fetcher: newFetcher(pool, opts, "extractor")}
}

// FetchPage loads result page number page (1-based). hasMore is false once a
// page comes back empty or the requested page count is reached.
func (e *Extractor) FetchPage(ctx context.Context, params SearchParams, page int) ([]Summary, bool, error) {
	url := BuildSearchURL(e.opts.BaseURL, params, page)

	var listings []Summary
	err := e.fetch(ctx, url, browser.RenderOptions{}, func(html string) error {
		var err error
		listings, err = ParseResults(e.opts.BaseURL, url, html)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	hasMore := len(listings) > 0 && page < params.Pages()
	e.logger.Debug("result page fetched", "url", url, "page", page, "listings", len(listings), "has_more", hasMore)
	return listings, hasMore, nil
}
