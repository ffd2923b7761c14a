package scraper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kalambet/klwatch/internal/browser"
)

// SessionRunner runs fn with a pooled browser session. *browser.Pool
// satisfies it.
type SessionRunner interface {
	With(ctx context.Context, fn func(ctx context.Context, s browser.Session) error) error
}

// Options configures page fetching.
type Options struct {
	BaseURL    string
	MaxRetries int
	// Backoff is the base delay; attempt n waits Backoff*2^n plus up to
	// Backoff of jitter.
	Backoff time.Duration
}

type fetcher struct {
	pool   SessionRunner
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newFetcher(pool SessionRunner, opts Options, component string) fetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return fetcher{
		pool:   pool,
		opts:   opts,
		logger: slog.Default().With("component", component),
		sleep:  sleepCtx,
	}
}

// fetch renders url and hands the HTML to parse, retrying transient failures.
// Each attempt holds its own session for the duration of that attempt only.
// A *ParseError from parse stops immediately; every other failure is retried
// and finally reported as a *NetworkError.
func (f fetcher) fetch(ctx context.Context, url string, render browser.RenderOptions, parse func(html string) error) error {
	attempts := f.opts.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var html string
		err := f.pool.With(ctx, func(ctx context.Context, s browser.Session) error {
			var err error
			html, err = s.Render(ctx, url, render)
			return err
		})
		if err == nil {
			err = parse(html)
			var perr *ParseError
			if errors.As(err, &perr) || err == nil {
				return err
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return &NetworkError{URL: url, Attempts: attempt + 1, Err: ctx.Err()}
		}
		if errors.Is(err, browser.ErrPoolClosed) {
			return &NetworkError{URL: url, Attempts: attempt + 1, Err: err}
		}
		if attempt == attempts-1 {
			break
		}

		wait := f.backoff(attempt)
		f.logger.Warn("fetch failed, retrying", "url", url, "attempt", attempt+1, "wait", wait, "error", err)
		if err := f.sleep(ctx, wait); err != nil {
			return &NetworkError{URL: url, Attempts: attempt + 1, Err: err}
		}
	}
	return &NetworkError{URL: url, Attempts: attempts, Err: lastErr}
}

func (f fetcher) backoff(attempt int) time.Duration {
	base := f.opts.Backoff
	return base<<attempt + time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
