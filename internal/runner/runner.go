// Package runner executes one scheduled scrape: page through results,
// optionally enrich new listings and reconcile them into storage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/klwatch/internal/reconcile"
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

// Reconciler persists a run's observations.
type Reconciler interface {
	Reconcile(ctx context.Context, job storage.Job, raws []scraper.Summary, complete bool) (reconcile.Result, error)
}

// ListingIndex reports which listings are already stored.
type ListingIndex interface {
	KnownExternalIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

type Options struct {
	RunTimeout       time.Duration
	ReconcileTimeout time.Duration

	EnrichDetails     bool
	EnrichConcurrency int
	EnrichLimit       int
}

// Outcome describes a finished run.
type Outcome struct {
	RunID       string            `json:"run_id"`
	JobID       int64             `json:"job_id"`
	JobName     string            `json:"job_name"`
	Status      storage.RunStatus `json:"status"`
	Message     string            `json:"message"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Duration    time.Duration     `json:"-"`
	ResultCount int               `json:"result_count"`
	Complete    bool              `json:"complete"`
	Enriched    int               `json:"enriched"`
	Result      reconcile.Result  `json:"reconcile"`

	Err error `json:"-"`
}

// Executor runs jobs. It is safe for concurrent use by distinct jobs.
type Executor struct {
	pages      PageFetcher
	details    DetailFetcher
	reconciler Reconciler
	index      ListingIndex
	opts       Options
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Executor. details and index may be nil when enrichment is off.
func New(pages PageFetcher, details DetailFetcher, reconciler Reconciler, index ListingIndex, opts Options) *Executor {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 30 * time.Second
	}
	if opts.EnrichConcurrency < 1 {
		opts.EnrichConcurrency = 1
	}
	if details == nil || index == nil {
		opts.EnrichDetails = false
	}
	return &Executor{
		pages:      pages,
		details:    details,
		reconciler: reconciler,
		index:      index,
		opts:       opts,
		now:        time.Now,
		logger:     slog.Default().With("component", "runner"),
	}
}

// SearchParamsFor maps a job onto a results-page search.
func SearchParamsFor(job storage.Job) scraper.SearchParams {
	return scraper.SearchParams{
		Query:     job.Query,
		Location:  job.Location,
		Radius:    job.Radius,
		MinPrice:  job.MinPrice,
		MaxPrice:  job.MaxPrice,
		PageCount: job.PageCount,
	}
}

// Execute runs job once. Failures are reported in the Outcome; listings
// collected before a failure are still reconciled as a partial run.
func (e *Executor) Execute(ctx context.Context, job storage.Job) Outcome {
	out := Outcome{
		RunID:     uuid.NewString(),
		JobID:     job.ID,
		JobName:   job.Name,
		StartedAt: e.now().UTC(),
	}
	logger := e.logger.With("job", job.Name, "run_id", out.RunID)
	logger.Info("run started")

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	params := SearchParamsFor(job)
	var collected []scraper.Summary
	complete := true
	var fetchErr error
	for page := 1; page <= params.Pages(); page++ {
		listings, hasMore, err := e.pages.FetchPage(runCtx, params, page)
		if err != nil {
			complete = false
			fetchErr = err
			logger.Warn("page fetch failed, stopping", "page", page, "error", err)
			break
		}
		collected = append(collected, listings...)
		if !hasMore {
			break
		}
	}

	if e.opts.EnrichDetails && len(collected) > 0 && runCtx.Err() == nil {
		out.Enriched = e.enrich(runCtx, logger, collected)
	}
	if fetchErr == nil && runCtx.Err() != nil {
		complete = false
		fetchErr = fmt.Errorf("enriching details: %w", runCtx.Err())
		logger.Warn("run context ended after the last page", "error", runCtx.Err())
	}

	// Reconcile even when the run context is gone so a timed-out run still
	// persists what it saw.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ReconcileTimeout)
	defer rcancel()

	var recErr error
	if len(collected) > 0 || complete {
		out.Result, recErr = e.reconciler.Reconcile(rctx, job, collected, complete)
		var serr *storage.StorageError
		if errors.As(recErr, &serr) {
			logger.Warn("reconciliation failed, retrying once", "error", recErr)
			out.Result, recErr = e.reconciler.Reconcile(rctx, job, collected, complete)
		}
	}

	out.FinishedAt = e.now().UTC()
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	out.Complete = complete && recErr == nil

	switch {
	case recErr != nil:
		out.Status = storage.RunStatusError
		out.Err = recErr
		out.Message = fmt.Sprintf("reconciliation failed: %v", recErr)
	case fetchErr != nil:
		out.Status = storage.RunStatusError
		out.Err = fetchErr
		out.ResultCount = out.Result.Seen()
		out.Message = e.fetchFailureMessage(ctx, runCtx, fetchErr, out.ResultCount)
	default:
		out.Status = storage.RunStatusSuccess
		out.ResultCount = out.Result.Seen()
		out.Message = fmt.Sprintf("%d listings (%d new, %d updated, %d unchanged, %d deleted)",
			out.ResultCount, out.Result.Inserted, out.Result.Updated, out.Result.Unchanged, out.Result.MarkedDeleted)
	}

	logger.Info("run finished",
		"status", out.Status, "results", out.ResultCount, "complete", out.Complete,
		"duration", out.Duration, "message", out.Message)
	return out
}

func (e *Executor) fetchFailureMessage(parent, runCtx context.Context, err error, saved int) string {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Sprintf("run timed out after %s; %d listings saved as partial", e.opts.RunTimeout, saved)
	}
	var perr *scraper.ParseError
	if errors.As(err, &perr) {
		return fmt.Sprintf("page could not be parsed: %s; %d listings saved as partial", perr.Reason, saved)
	}
	return fmt.Sprintf("%v; %d listings saved as partial", err, saved)
}

// enrich fetches detail pages for listings not yet stored and attaches them
// in place. Failures are logged and skipped.
func (e *Executor) enrich(ctx context.Context, logger *slog.Logger, collected []scraper.Summary) int {
	ids := make([]string, 0, len(collected))
	for _, s := range collected {
		ids = append(ids, s.ExternalID)
	}
	known, err := e.index.KnownExternalIDs(ctx, ids)
	if err != nil {
		logger.Warn("skipping enrichment, could not load known listings", "error", err)
		return 0
	}

	var targets []int
	for i, s := range collected {
		if known[s.ExternalID] {
			continue
		}
		if e.opts.EnrichLimit > 0 && len(targets) >= e.opts.EnrichLimit {
			break
		}
		targets = append(targets, i)
	}
	if len(targets) == 0 {
		return 0
	}

	enriched := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.EnrichConcurrency)
	for n, i := range targets {
		g.Go(func() error {
			target := collected[i].URL
			if target == "" {
				target = collected[i].ExternalID
			}
			d, err := e.details.FetchDetail(gctx, target)
			if err != nil {
				logger.Warn("detail fetch failed", "adid", collected[i].ExternalID, "error", err)
				return nil
			}
			collected[i].Detail = &d
			enriched[n] = true
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range enriched {
		if ok {
			count++
		}
	}
	logger.Info("enriched new listings", "requested", len(targets), "enriched", count)
	return count
}
