package scraper

import (
	"context"
	"time"

	"github.com/kalambet/klwatch/internal/browser"
)

const detailWaitTimeout = 2500 * time.Millisecond

// DetailFetcher reads single listing pages.
type DetailFetcher struct {
	fetcher
}

func NewDetailFetcher(pool SessionRunner, opts Options) *DetailFetcher {
	return &DetailFetcher{fetcher: newFetcher(pool, opts, "detail_fetcher")}
}

// FetchDetail loads a listing by URL or bare ad id.
func (d *DetailFetcher) FetchDetail(ctx context.Context, urlOrID string) (Detail, error) {
	url := DetailURL(d.opts.BaseURL, urlOrID)

	var detail Detail
	err := d.fetch(ctx, url, browser.RenderOptions{
		WaitSelector: detailWaitSelector,
		WaitTimeout:  detailWaitTimeout,
	}, func(html string) error {
		var err error
		detail, err = ParseDetail(url, html)
		return err
	})
	if err != nil {
		return Detail{}, err
	}
	return detail, nil
}
