package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// blockedResources are never fetched; only the DOM is read.
var blockedResources = []string{"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp", "*.woff", "*.woff2"}

// ChromeOptions configures the shared Chrome process.
type ChromeOptions struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
}

// Chrome owns one browser process; each session is a tab inside it.
type Chrome struct {
	opts          ChromeOptions
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
}

// StartChrome launches the browser process. The process lives until Close.
func StartChrome(opts ChromeOptions) (*Chrome, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 45 * time.Second
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	slog.Info("chrome started", "headless", opts.Headless)

	return &Chrome{
		opts:          opts,
		browserCtx:    browserCtx,
		cancelAlloc:   cancelAlloc,
		cancelBrowser: cancelBrowser,
	}, nil
}

// NewSession opens a new tab.
func (c *Chrome) NewSession(ctx context.Context) (Session, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "de-DE,de;q=0.9"}),
		network.SetBlockedURLS(blockedResources),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	return &chromeSession{ctx: tabCtx, cancel: cancel, navTimeout: c.opts.NavigationTimeout}, nil
}

// Close terminates the browser process and every tab in it.
func (c *Chrome) Close() error {
	c.cancelBrowser()
	c.cancelAlloc()
	return nil
}

type chromeSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

func (s *chromeSession) Render(ctx context.Context, url string, opts RenderOptions) (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnusable, err)
	}

	runCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", renderErr(ctx, s.ctx, runCtx, url, err)
	}

	if opts.WaitSelector != "" {
		wait := opts.WaitTimeout
		if wait <= 0 {
			wait = 2500 * time.Millisecond
		}
		waitCtx, waitCancel := context.WithTimeout(runCtx, wait)
		_ = chromedp.Run(waitCtx, chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery))
		waitCancel()
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", renderErr(ctx, s.ctx, runCtx, url, err)
	}
	return html, nil
}

// renderErr marks the session unusable when its tab context has died, or
// when the navigation deadline expired while the caller was still waiting.
// A tab that timed out mid-navigation keeps loading and is not reused.
func renderErr(caller, tab, run context.Context, url string, err error) error {
	timedOut := errors.Is(run.Err(), context.DeadlineExceeded) && caller.Err() == nil
	if tab.Err() != nil || timedOut {
		return fmt.Errorf("rendering %s: %w: %v", url, ErrSessionUnusable, err)
	}
	return fmt.Errorf("rendering %s: %w", url, err)
}

func (s *chromeSession) Close() error {
	s.cancel()
	return nil
}
