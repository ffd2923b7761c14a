package api

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/search"
	"github.com/kalambet/klwatch/internal/storage"
)

const (
	defaultListingLimit = 25
	maxListingLimit     = 100
)

type queryError struct {
	param string
	value string
}

func (e *queryError) Error() string {
	return "invalid value " + strconv.Quote(e.value) + " for " + e.param
}

// optionalInt parses a non-negative integer query parameter.
func optionalInt(q url.Values, name string) (*int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil, &queryError{param: name, value: raw}
	}
	return &v, nil
}

func searchParams(q url.Values) (scraper.SearchParams, error) {
	p := scraper.SearchParams{
		Query:     strings.TrimSpace(q.Get("query")),
		Location:  strings.TrimSpace(q.Get("location")),
		Category:  strings.TrimSpace(q.Get("category")),
		Sort:      strings.TrimSpace(q.Get("sort")),
		PageCount: 1,
	}
	var err error
	if p.Radius, err = optionalInt(q, "radius"); err != nil {
		return p, err
	}
	if p.MinPrice, err = optionalInt(q, "min_price"); err != nil {
		return p, err
	}
	if p.MaxPrice, err = optionalInt(q, "max_price"); err != nil {
		return p, err
	}
	pages, err := optionalInt(q, "page_count")
	if err != nil {
		return p, err
	}
	if pages != nil {
		if *pages < 1 || *pages > scraper.MaxPageCount {
			return p, &queryError{param: "page_count", value: q.Get("page_count")}
		}
		p.PageCount = *pages
	}
	return p, nil
}

func searchFilter(q url.Values) search.Filter {
	f := search.Filter{
		SellerType: strings.TrimSpace(q.Get("seller_type")),
		Shipping:   strings.TrimSpace(q.Get("shipping")),
	}
	badges := slices.Concat(q["seller_badge"], q["seller_badge[]"])
	for _, b := range badges {
		if b = strings.TrimSpace(b); b != "" {
			f.SellerBadges = append(f.SellerBadges, b)
		}
	}
	return f
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := searchParams(r.URL.Query())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		results, err := deps.Search.Search(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"results":        results,
			"unique_results": len(results),
		})
	}
}

func handleSearchDetailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params, err := searchParams(q)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		results, err := deps.Search.SearchDetailed(r.Context(), params, searchFilter(q))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"data":           results,
			"unique_results": len(results),
		})
	}
}

func handleListingDetail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "listing id is required")
			return
		}
		d, err := deps.Search.Detail(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": d})
	}
}

func handleListStored(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit := defaultListingLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListingLimit {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and %d", maxListingLimit)
				return
			}
			limit = n
		}
		offset := 0
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "offset must be a non-negative integer")
				return
			}
			offset = n
		}

		items, total, err := deps.Listings.ListListings(r.Context(), storage.ListingFilter{
			QueryName: q.Get("query_name"),
			Status:    q.Get("status"),
			Search:    strings.TrimSpace(q.Get("search")),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":  items,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

func handleGetStored(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := deps.Listings.GetListing(r.Context(), chi.URLParam(r, "externalID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}
