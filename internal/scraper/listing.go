package scraper

import (
	"strings"

	"github.com/kalambet/klwatch/internal/storage"
)

// Listing converts a summary, enriched with its detail page when present,
// into the stored listing shape. Bookkeeping fields (query name, search
// params, timestamps) are left for the reconciler.
func (s Summary) Listing() storage.Listing {
	price := ParsePrice(s.PriceText)
	delivery, shipping := shippingFromTags(s.Tags)

	l := storage.Listing{
		ExternalID:      s.ExternalID,
		Title:           s.Title,
		Description:     s.Description,
		PriceAmount:     price.Amount,
		PriceCurrency:   price.Currency,
		PriceNegotiable: price.Negotiable,
		PriceText:       price.Text,
		URL:             s.URL,
		Status:          storage.ListingActive,
		Delivery:        delivery,
		Shipping:        shipping,
		ThumbnailURL:    s.Thumbnail,
		Location:        locationFromText(s.LocationText),
	}
	if s.Thumbnail != "" {
		l.ImageURLs = []string{s.Thumbnail}
	}

	d := s.Detail
	if d == nil {
		return l
	}
	if d.ID != "" {
		l.ExternalID = d.ID
	}
	if d.Title != "" {
		l.Title = d.Title
	}
	if d.Description != "" {
		l.Description = d.Description
	}
	if d.Price.Text != "" {
		l.PriceAmount = d.Price.Amount
		l.PriceCurrency = d.Price.Currency
		l.PriceNegotiable = d.Price.Negotiable
		l.PriceText = d.Price.Text
	}
	if d.Status != "" {
		l.Status = d.Status
	}
	if d.Delivery != "" {
		l.Delivery = d.Delivery
		l.Shipping = d.Shipping
	}
	if len(d.Images) > 0 {
		l.ImageURLs = d.Images
	}
	if d.Location != (storage.Location{}) {
		l.Location = d.Location
	}
	l.Categories = d.Categories
	l.Features = d.Features
	l.Seller = d.Seller
	l.Details = d.Details
	l.ExtraInfo = d.ExtraInfo
	return l
}

// locationFromText reads the "10115 Berlin" style label of a result entry.
func locationFromText(raw string) storage.Location {
	var loc storage.Location
	raw = strings.TrimSpace(raw)
	if m := zipPrefix.FindStringSubmatch(raw); m != nil {
		loc.Zip = m[1]
		raw = m[2]
	}
	city, state, _ := strings.Cut(raw, " - ")
	loc.City = strings.TrimSpace(city)
	loc.State = strings.TrimSpace(state)
	return loc
}
