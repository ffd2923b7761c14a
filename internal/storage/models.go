package storage

import "time"

// RunStatus is the outcome of a job's most recent run.
type RunStatus string

const (
	RunStatusNone    RunStatus = "none"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Job is a named, recurring scrape configuration.
type Job struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Query    string `json:"query,omitempty"`
	Location string `json:"location,omitempty"`
	Radius   *int   `json:"radius"`
	MinPrice *int   `json:"min_price"`
	MaxPrice *int   `json:"max_price"`

	PageCount       int  `json:"page_count"`
	IntervalSeconds int  `json:"interval_seconds"`
	IsActive        bool `json:"is_active"`

	LastRunAt              *time.Time `json:"last_run_at"`
	NextRunAt              *time.Time `json:"next_run_at"`
	LastRunStatus          RunStatus  `json:"last_run_status"`
	LastRunMessage         string     `json:"last_run_message,omitempty"`
	LastRunDurationSeconds *float64   `json:"last_run_duration_seconds"`
	LastResultCount        *int       `json:"last_result_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval returns the job's interval as a duration.
func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// SearchParams is the metadata recorded on listings discovered by this job.
func (j Job) SearchParams() map[string]any {
	p := map[string]any{
		"name":       j.Name,
		"page_count": j.PageCount,
	}
	if j.Query != "" {
		p["query"] = j.Query
	}
	if j.Location != "" {
		p["location"] = j.Location
	}
	if j.Radius != nil {
		p["radius"] = *j.Radius
	}
	if j.MinPrice != nil {
		p["min_price"] = *j.MinPrice
	}
	if j.MaxPrice != nil {
		p["max_price"] = *j.MaxPrice
	}
	return p
}

// RunRecord is what a finished run writes back onto its job.
type RunRecord struct {
	Status      RunStatus
	Message     string
	FinishedAt  time.Time
	Duration    time.Duration
	ResultCount int
	NextRunAt   time.Time
}

// ListingStatus is the lifecycle state of a listing on the source site.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
	ListingDeleted  ListingStatus = "deleted"
	ListingUnknown  ListingStatus = "unknown"
)

// Shipping classifies how an item changes hands.
type Shipping string

const (
	ShippingShip    Shipping = "shipping"
	ShippingPickup  Shipping = "pickup"
	ShippingBoth    Shipping = "both"
	ShippingUnknown Shipping = "unknown"
)

type Location struct {
	Zip   string `json:"zip,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

type Seller struct {
	Name   string   `json:"name,omitempty"`
	Since  string   `json:"since,omitempty"`
	Type   string   `json:"type,omitempty"` // "private" or "business"
	Badges []string `json:"badges,omitempty"`
}

// Listing is one classified ad as persisted by the reconciler.
type Listing struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	QueryName  string `json:"query_name,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	PriceAmount     *string `json:"price_amount"`
	PriceCurrency   string  `json:"price_currency,omitempty"`
	PriceNegotiable bool    `json:"price_negotiable"`
	PriceText       string  `json:"price_text,omitempty"`

	URL      string        `json:"url,omitempty"`
	Status   ListingStatus `json:"status"`
	Delivery string        `json:"delivery,omitempty"`
	Shipping Shipping      `json:"shipping"`

	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	ImageURLs    []string `json:"image_urls"`
	Categories   []string `json:"categories"`
	Features     []string `json:"features"`

	Location  Location          `json:"location"`
	Seller    Seller            `json:"seller"`
	Details   map[string]string `json:"details,omitempty"`
	ExtraInfo map[string]string `json:"extra_info,omitempty"`

	SearchParams map[string]any `json:"search_params,omitempty"`

	// MissedRuns counts consecutive complete runs that did not observe the listing.
	MissedRuns int `json:"-"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListingFilter narrows ListListings.
type ListingFilter struct {
	QueryName string
	Status    string
	Search    string
	Limit     int
	Offset    int
}

// AbsenceCandidate is an active listing that a complete run may have missed.
type AbsenceCandidate struct {
	ExternalID string
	MissedRuns int
}
