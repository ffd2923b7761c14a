// Package api exposes jobs, stored listings and on-demand searches over HTTP
// and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/klwatch/internal/scheduler"
	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/search"
	"github.com/kalambet/klwatch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobService manages scheduled jobs. *scheduler.Scheduler satisfies it.
type JobService interface {
	Create(ctx context.Context, in scheduler.JobInput) (storage.Job, error)
	Update(ctx context.Context, id int64, patch scheduler.JobPatch) (storage.Job, error)
	Delete(ctx context.Context, id int64) error
	Start(ctx context.Context, id int64) (storage.Job, error)
	Stop(ctx context.Context, id int64) (storage.Job, error)
	RunNow(ctx context.Context, id int64) (storage.Job, error)
	Get(ctx context.Context, id int64) (storage.Job, error)
	List(ctx context.Context) ([]storage.Job, error)
}

// ListingStore reads reconciled listings. *storage.Store satisfies it.
type ListingStore interface {
	ListListings(ctx context.Context, f storage.ListingFilter) ([]storage.Listing, int, error)
	GetListing(ctx context.Context, externalID string) (storage.Listing, error)
}

// Searcher runs on-demand searches. *search.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, params scraper.SearchParams) ([]scraper.Summary, error)
	SearchDetailed(ctx context.Context, params scraper.SearchParams, f search.Filter) ([]scraper.Summary, error)
	Detail(ctx context.Context, idOrURL string) (scraper.Detail, error)
}

type Deps struct {
	Jobs     JobService
	Listings ListingStore
	Search   Searcher
	Metrics  http.Handler // optional, served at /metrics
	Token    string
}

// NewHandler builds the HTTP API. /health is served without authentication.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}

		r.Get("/inserate", handleSearch(deps))
		r.Get("/inserate-detailed", handleSearchDetailed(deps))
		r.Get("/inserat/{id}", handleListingDetail(deps))

		r.Get("/stored-listings", handleListStored(deps))
		r.Get("/stored-listings/{externalID}", handleGetStored(deps))

		r.Route("/scheduler/jobs", func(r chi.Router) {
			r.Get("/", handleListJobs(deps))
			r.Post("/", handleCreateJob(deps))
			r.Get("/{id}", handleGetJob(deps))
			r.Patch("/{id}", handleUpdateJob(deps))
			r.Delete("/{id}", handleDeleteJob(deps))
			r.Post("/{id}/start", handleStartJob(deps))
			r.Post("/{id}/stop", handleStopJob(deps))
			r.Post("/{id}/run", handleRunJob(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr    *scheduler.ValidationError
		running *scheduler.AlreadyRunningError
		netErr  *scraper.NetworkError
		parse   *scraper.ParseError
	)
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "validation_error", "%s", verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "not found")
	case errors.As(err, &running):
		httpError(w, http.StatusConflict, "already_running", "%s", running.Error())
	case errors.As(err, &netErr):
		httpError(w, http.StatusBadGateway, "network_error", "%s", netErr.Error())
	case errors.As(err, &parse):
		httpError(w, http.StatusBadGateway, "parse_error", "%s", parse.Error())
	case errors.Is(err, scheduler.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%s", err.Error())
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s", err.Error())
	}
}
