// Package reconcile merges scraped listings into the listings table.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/storage"
)

// TxRunner opens a transaction. *storage.Store satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *storage.Tx) error) error
}

// Result counts what one reconciliation did.
type Result struct {
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	MarkedDeleted int `json:"marked_deleted"`

	// NewIDs lists external ids inserted by this reconciliation.
	NewIDs []string `json:"-"`
}

// Seen is the number of distinct listings observed.
func (r Result) Seen() int { return r.Inserted + r.Updated + r.Unchanged }

type Reconciler struct {
	store     TxRunner
	threshold int
	now       func() time.Time
	logger    *slog.Logger
}

// New returns a Reconciler that marks a listing deleted after threshold
// consecutive complete runs without observing it.
func New(store TxRunner, threshold int) *Reconciler {
	if threshold < 1 {
		threshold = 1
	}
	return &Reconciler{
		store:     store,
		threshold: threshold,
		now:       time.Now,
		logger:    slog.Default().With("component", "reconciler"),
	}
}

// Reconcile applies one run's observations for job in a single transaction.
// Absence is only evaluated when complete is true.
func (r *Reconciler) Reconcile(ctx context.Context, job storage.Job, raws []scraper.Summary, complete bool) (Result, error) {
	type observation struct {
		listing  storage.Listing
		detailed bool
	}
	byID := make(map[string]observation, len(raws))
	var order []string
	for _, raw := range raws {
		l := raw.Listing()
		if l.ExternalID == "" {
			continue
		}
		if _, dup := byID[l.ExternalID]; !dup {
			order = append(order, l.ExternalID)
		}
		byID[l.ExternalID] = observation{listing: l, detailed: raw.Detail != nil}
	}

	var res Result
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		res = Result{}
		// Read under the writer lock, not before waiting for it.
		now := r.now().UTC().Truncate(time.Microsecond)
		for _, id := range order {
			obs := byID[id]
			existing, err := tx.FindListing(ctx, id)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				l := obs.listing
				l.QueryName = job.Name
				l.SearchParams = job.SearchParams()
				if l.Status == "" || l.Status == storage.ListingUnknown {
					l.Status = storage.ListingActive
				}
				l.MissedRuns = 0
				l.FirstSeenAt, l.LastSeenAt, l.CreatedAt, l.UpdatedAt = now, now, now, now
				if err := tx.InsertListing(ctx, &l); err != nil {
					return fmt.Errorf("inserting listing %s: %w", id, err)
				}
				res.Inserted++
				res.NewIDs = append(res.NewIDs, id)
			case err != nil:
				return fmt.Errorf("looking up listing %s: %w", id, err)
			default:
				merged := merge(existing, obs.listing, obs.detailed)
				merged.QueryName = job.Name
				merged.SearchParams = job.SearchParams()
				changed := !sameContent(existing, merged)

				merged.MissedRuns = 0
				if now.After(existing.LastSeenAt) {
					merged.LastSeenAt = now
				}
				merged.UpdatedAt = latest(now, existing.UpdatedAt, merged.LastSeenAt)
				if err := tx.UpdateListing(ctx, &merged); err != nil {
					return fmt.Errorf("updating listing %s: %w", id, err)
				}
				if changed {
					res.Updated++
				} else {
					res.Unchanged++
				}
			}
		}

		if !complete {
			return nil
		}
		candidates, err := tx.ActiveListingsFor(ctx, job.Name)
		if err != nil {
			return fmt.Errorf("loading active listings for %s: %w", job.Name, err)
		}
		for _, c := range candidates {
			if _, seen := byID[c.ExternalID]; seen {
				continue
			}
			missed := c.MissedRuns + 1
			status := storage.ListingActive
			if missed >= r.threshold {
				status = storage.ListingDeleted
			}
			if err := tx.MarkMissed(ctx, c.ExternalID, missed, status, now); err != nil {
				return fmt.Errorf("marking %s missed: %w", c.ExternalID, err)
			}
			if status == storage.ListingDeleted {
				res.MarkedDeleted++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	r.logger.Info("reconciled",
		"job", job.Name, "complete", complete,
		"inserted", res.Inserted, "updated", res.Updated,
		"unchanged", res.Unchanged, "marked_deleted", res.MarkedDeleted)
	return res, nil
}

// merge applies an observation to the stored record. A result-page summary
// only refreshes what result pages show; a detail observation replaces
// everything it carries.
func merge(existing, obs storage.Listing, detailed bool) storage.Listing {
	m := existing
	if obs.Title != "" {
		m.Title = obs.Title
	}
	if obs.URL != "" {
		m.URL = obs.URL
	}
	if obs.PriceText != "" {
		m.PriceAmount = obs.PriceAmount
		m.PriceCurrency = obs.PriceCurrency
		m.PriceNegotiable = obs.PriceNegotiable
		m.PriceText = obs.PriceText
	}
	if obs.ThumbnailURL != "" {
		m.ThumbnailURL = obs.ThumbnailURL
	}
	if obs.Delivery != "" {
		m.Delivery = obs.Delivery
		m.Shipping = obs.Shipping
	}

	if detailed {
		m.Description = obs.Description
		m.Status = obs.Status
		m.ImageURLs = obs.ImageURLs
		m.Categories = obs.Categories
		m.Features = obs.Features
		m.Location = obs.Location
		m.Seller = obs.Seller
		m.Details = obs.Details
		m.ExtraInfo = obs.ExtraInfo
	} else {
		if m.Description == "" {
			m.Description = obs.Description
		}
		if len(m.ImageURLs) == 0 {
			m.ImageURLs = obs.ImageURLs
		}
		if m.Location == (storage.Location{}) {
			m.Location = obs.Location
		}
	}

	if m.Status == storage.ListingDeleted || m.Status == storage.ListingUnknown || m.Status == "" {
		m.Status = storage.ListingActive
	}
	return m
}

func sameContent(a, b storage.Listing) bool {
	return a.QueryName == b.QueryName &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		equalPtr(a.PriceAmount, b.PriceAmount) &&
		a.PriceCurrency == b.PriceCurrency &&
		a.PriceNegotiable == b.PriceNegotiable &&
		a.PriceText == b.PriceText &&
		a.URL == b.URL &&
		a.Status == b.Status &&
		a.Delivery == b.Delivery &&
		a.Shipping == b.Shipping &&
		a.ThumbnailURL == b.ThumbnailURL &&
		slices.Equal(a.ImageURLs, b.ImageURLs) &&
		slices.Equal(a.Categories, b.Categories) &&
		slices.Equal(a.Features, b.Features) &&
		a.Location == b.Location &&
		a.Seller.Name == b.Seller.Name &&
		a.Seller.Since == b.Seller.Since &&
		a.Seller.Type == b.Seller.Type &&
		slices.Equal(a.Seller.Badges, b.Seller.Badges) &&
		maps.Equal(a.Details, b.Details) &&
		maps.Equal(a.ExtraInfo, b.ExtraInfo)
}

// latest returns the newest of ts. Timestamps never move backwards, so
// first_seen <= last_seen <= updated_at survives a clock that steps back.
func latest(ts ...time.Time) time.Time {
	var m time.Time
	for _, t := range ts {
		if t.After(m) {
			m = t
		}
	}
	return m
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
