// Package search serves on-demand searches that are not tied to a job and
// are never persisted.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/storage"
)

// PageFetcher loads one search results page.
type PageFetcher interface {
	FetchPage(ctx context.Context, params scraper.SearchParams, page int) ([]scraper.Summary, bool, error)
}

// DetailFetcher loads a single listing page.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, urlOrID string) (scraper.Detail, error)
}

// Cache holds recent results. *cache.Cache satisfies it.
type Cache interface {
	Get(ctx context.Context, dst any, parts ...string) bool
	Set(ctx context.Context, v any, parts ...string) error
}

// Filter narrows detailed results by what only the listing page reveals.
// Empty fields match everything.
type Filter struct {
	SellerType   string
	Shipping     string
	SellerBadges []string
}

func (f Filter) empty() bool {
	return f.SellerType == "" && f.Shipping == "" && len(f.SellerBadges) == 0
}

// Match reports whether d satisfies every set criterion. A listing offering
// both shipping and pickup matches either.
func (f Filter) Match(d *scraper.Detail) bool {
	if f.empty() {
		return true
	}
	if d == nil {
		return false
	}
	if f.SellerType != "" && !strings.EqualFold(d.Seller.Type, f.SellerType) {
		return false
	}
	if f.Shipping != "" {
		want := storage.Shipping(strings.ToLower(f.Shipping))
		if d.Shipping != want && !(d.Shipping == storage.ShippingBoth && want != storage.ShippingUnknown) {
			return false
		}
	}
	for _, badge := range f.SellerBadges {
		if !slices.ContainsFunc(d.Seller.Badges, func(b string) bool { return strings.EqualFold(b, badge) }) {
			return false
		}
	}
	return true
}

func (f Filter) cacheKey() string {
	badges := slices.Clone(f.SellerBadges)
	slices.Sort(badges)
	return strings.ToLower(f.SellerType) + "|" + strings.ToLower(f.Shipping) + "|" + strings.Join(badges, ",")
}

type Options struct {
	BaseURL           string
	DetailConcurrency int
}

type Service struct {
	pages   PageFetcher
	details DetailFetcher
	cache   Cache
	opts    Options
	logger  *slog.Logger
}

// New creates a Service. cache may be nil.
func New(pages PageFetcher, details DetailFetcher, cache Cache, opts Options) *Service {
	if opts.DetailConcurrency < 1 {
		opts.DetailConcurrency = 5
	}
	if opts.BaseURL == "" {
		opts.BaseURL = scraper.DefaultBaseURL
	}
	return &Service{
		pages:   pages,
		details: details,
		cache:   cache,
		opts:    opts,
		logger:  slog.Default().With("component", "search"),
	}
}

// Search pages through results, de-duplicated by ad id. A page failing after
// at least one page succeeded ends paging and returns what was collected.
func (s *Service) Search(ctx context.Context, params scraper.SearchParams) ([]scraper.Summary, error) {
	key := scraper.BuildSearchURL(s.opts.BaseURL, params, 1)
	pages := strconv.Itoa(params.Pages())

	var cached []scraper.Summary
	if s.cache != nil && s.cache.Get(ctx, &cached, "inserate", key, pages) {
		return cached, nil
	}

	results, err := s.collect(ctx, params)
	if err != nil {
		return nil, err
	}
	s.store(ctx, results, "inserate", key, pages)
	return results, nil
}

// SearchDetailed runs Search, fetches every listing page concurrently and
// applies f. A listing whose detail page fails is returned without details
// unless f needs them.
func (s *Service) SearchDetailed(ctx context.Context, params scraper.SearchParams, f Filter) ([]scraper.Summary, error) {
	key := scraper.BuildSearchURL(s.opts.BaseURL, params, 1)
	pages := strconv.Itoa(params.Pages())

	var cached []scraper.Summary
	if s.cache != nil && s.cache.Get(ctx, &cached, "inserate-detailed", key, pages, f.cacheKey()) {
		return cached, nil
	}

	results, err := s.collect(ctx, params)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(s.opts.DetailConcurrency)
	for i := range results {
		g.Go(func() error {
			target := results[i].URL
			if target == "" {
				target = results[i].ExternalID
			}
			d, err := s.details.FetchDetail(ctx, target)
			if err != nil {
				s.logger.Warn("detail fetch failed", "adid", results[i].ExternalID, "error", err)
				return nil
			}
			results[i].Detail = &d
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filtered := results[:0]
	for _, r := range results {
		if f.Match(r.Detail) {
			filtered = append(filtered, r)
		}
	}
	s.store(ctx, filtered, "inserate-detailed", key, pages, f.cacheKey())
	return filtered, nil
}

// Detail fetches one listing by id or URL.
func (s *Service) Detail(ctx context.Context, idOrURL string) (scraper.Detail, error) {
	var d scraper.Detail
	if s.cache != nil && s.cache.Get(ctx, &d, "inserat", idOrURL) {
		return d, nil
	}
	d, err := s.details.FetchDetail(ctx, idOrURL)
	if err != nil {
		return scraper.Detail{}, err
	}
	s.store(ctx, d, "inserat", idOrURL)
	return d, nil
}

func (s *Service) collect(ctx context.Context, params scraper.SearchParams) ([]scraper.Summary, error) {
	var out []scraper.Summary
	seen := make(map[string]bool)
	for page := 1; page <= params.Pages(); page++ {
		listings, hasMore, err := s.pages.FetchPage(ctx, params, page)
		if err != nil {
			if len(out) == 0 || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("fetching page %d: %w", page, err)
			}
			s.logger.Warn("stopping after failed page", "page", page, "collected", len(out), "error", err)
			break
		}
		for _, l := range listings {
			if seen[l.ExternalID] {
				continue
			}
			seen[l.ExternalID] = true
			out = append(out, l)
		}
		if !hasMore {
			break
		}
	}
	if out == nil {
		out = []scraper.Summary{}
	}
	return out, nil
}

func (s *Service) store(ctx context.Context, v any, parts ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, v, parts...); err != nil {
		s.logger.Warn("caching results failed", "kind", parts[0], "error", err)
	}
}
