package scraper

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the public Kleinanzeigen site.
const DefaultBaseURL = "https://www.kleinanzeigen.de"

// MaxPageCount bounds how many result pages one search may walk.
const MaxPageCount = 20

// SearchParams is one search against the results pages.
type SearchParams struct {
	Query     string
	Location  string
	Radius    *int
	MinPrice  *int
	MaxPrice  *int
	Category  string
	Sort      string
	PageCount int
}

// Pages returns PageCount clamped to [1, MaxPageCount].
func (p SearchParams) Pages() int {
	switch {
	case p.PageCount < 1:
		return 1
	case p.PageCount > MaxPageCount:
		return MaxPageCount
	}
	return p.PageCount
}

// BuildSearchURL renders the results page URL for page (1-based), e.g.
// https://www.kleinanzeigen.de/preis:100:500/s-seite:2?keywords=woom&locationStr=Berlin&radius=10
//
// A missing price bound is left empty inside the preis segment.
func BuildSearchURL(baseURL string, p SearchParams, page int) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if page < 1 {
		page = 1
	}

	var path strings.Builder
	if p.MinPrice != nil || p.MaxPrice != nil {
		path.WriteString("/preis:")
		if p.MinPrice != nil {
			path.WriteString(strconv.Itoa(*p.MinPrice))
		}
		path.WriteString(":")
		if p.MaxPrice != nil {
			path.WriteString(strconv.Itoa(*p.MaxPrice))
		}
	}
	if p.Category != "" {
		path.WriteString("/" + url.PathEscape(p.Category))
	}
	path.WriteString("/s-seite:" + strconv.Itoa(page))

	q := url.Values{}
	if p.Query != "" {
		q.Set("keywords", p.Query)
	}
	if p.Location != "" {
		q.Set("locationStr", p.Location)
	}
	if p.Radius != nil && *p.Radius > 0 {
		q.Set("radius", strconv.Itoa(*p.Radius))
	}
	if p.Sort != "" {
		q.Set("sortingField", p.Sort)
	}

	u := strings.TrimRight(baseURL, "/") + path.String()
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// DetailURL accepts either a full listing URL or a bare ad id.
func DetailURL(baseURL, idOrURL string) string {
	if strings.HasPrefix(idOrURL, "http://") || strings.HasPrefix(idOrURL, "https://") {
		return idOrURL
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/s-anzeige/" + url.PathEscape(strings.TrimPrefix(idOrURL, "/"))
}

func absoluteURL(baseURL, href string) string {
	if href == "" || strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimPrefix(href, "/")
}
